// Package fetch downloads GRIB2 files over HTTP, either whole or as the subset
// of messages selected from the wgrib2 inventory published next to them.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/rtm0/wxoverlay/internal/grib2"
	"github.com/rtm0/wxoverlay/internal/render"
)

// ErrNoMatch is returned by DownloadSubset when no inventory record matches.
var ErrNoMatch = errors.New("no inventory record matches")

// ErrRangeNotSupported is returned when a server answers a range request
// with the whole file.
var ErrRangeNotSupported = errors.New("server did not accept range request")

// Client downloads GRIB2 data.
type Client struct {
	logger  *slog.Logger
	httpCli *http.Client
}

// NewClient creates a new client keeping up to maxConns connections per
// host.
func NewClient(logger *slog.Logger, maxConns int) *Client {
	if maxConns < 1 {
		maxConns = 1
	}
	return &Client{
		logger: logger,
		httpCli: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          maxConns,
				IdleConnTimeout:       30 * time.Second,
				MaxIdleConnsPerHost:   maxConns,
				MaxConnsPerHost:       maxConns,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: time.Minute,
			},
		},
	}
}

// Download fetches rawURL into dest.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	if err := checkURL(rawURL); err != nil {
		return 0, err
	}
	res, err := c.get(ctx, rawURL, "")
	if err != nil {
		return 0, err
	}
	defer drain(c.logger, res)
	if res.StatusCode != http.StatusOK {
		return 0, statusError(rawURL, res)
	}

	var n int64
	err = render.WriteFile(dest, func(w io.Writer) error {
		var cerr error
		n, cerr = io.Copy(w, res.Body)
		return cerr
	})
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", rawURL, err)
	}
	c.logger.Info("Downloaded", "url", rawURL, "file", dest, "bytes", n)
	return n, nil
}

// DownloadSubset fetches the messages of rawURL whose inventory line matches
// match into dest. The inventory is read from rawURL+".idx" and each run of
// adjacent messages is fetched with one range request.
func (c *Client) DownloadSubset(ctx context.Context, rawURL, dest string, match *regexp.Regexp) (int64, error) {
	if err := checkURL(rawURL); err != nil {
		return 0, err
	}
	inv, err := c.inventory(ctx, rawURL+".idx")
	if err != nil {
		return 0, err
	}
	ranges := selectRanges(inv, match)
	if len(ranges) == 0 {
		return 0, fmt.Errorf("%s: %q: %w", rawURL, match, ErrNoMatch)
	}
	c.logger.Debug("Selected inventory records", "url", rawURL, "match", match.String(), "ranges", len(ranges))

	var n int64
	err = render.WriteFile(dest, func(w io.Writer) error {
		for _, r := range ranges {
			m, err := c.fetchRange(ctx, rawURL, r, w)
			n += m
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", rawURL, err)
	}
	c.logger.Info("Downloaded subset", "url", rawURL, "file", dest, "bytes", n, "ranges", len(ranges))
	return n, nil
}

func (c *Client) inventory(ctx context.Context, idxURL string) ([]grib2.InventoryEntry, error) {
	res, err := c.get(ctx, idxURL, "")
	if err != nil {
		return nil, err
	}
	defer drain(c.logger, res)
	if res.StatusCode != http.StatusOK {
		return nil, statusError(idxURL, res)
	}
	inv, err := grib2.ParseInventory(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", idxURL, err)
	}
	return inv, nil
}

func (c *Client) fetchRange(ctx context.Context, rawURL string, r byteRange, w io.Writer) (int64, error) {
	res, err := c.get(ctx, rawURL, r.header())
	if err != nil {
		return 0, err
	}
	defer drain(c.logger, res)
	switch res.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return 0, ErrRangeNotSupported
	default:
		return 0, statusError(rawURL, res)
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(res.Body, head); err != nil {
		return 0, fmt.Errorf("range %s: %w", r.header(), err)
	}
	if !bytes.Equal(head, []byte("GRIB")) {
		return 0, fmt.Errorf("range %s: response does not start with grib magic", r.header())
	}
	if _, err := w.Write(head); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, res.Body)
	return n + int64(len(head)), err
}

func (c *Client) get(ctx context.Context, rawURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	res, err := c.httpCli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	return res, nil
}

// byteRange is an inclusive byte range; end < 0 reads to the end of file.
type byteRange struct {
	start, end int64
}

func (r byteRange) header() string {
	if r.end < 0 {
		return "bytes=" + strconv.FormatInt(r.start, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(r.start, 10) + "-" + strconv.FormatInt(r.end, 10)
}

// selectRanges returns the byte ranges of the messages with a matching
// record, merging adjacent messages.
func selectRanges(inv []grib2.InventoryEntry, match *regexp.Regexp) []byteRange {
	var ranges []byteRange
	lastOffset := int64(-1)
	for _, e := range inv {
		if !match.MatchString(e.String()) || e.Offset == lastOffset {
			continue
		}
		lastOffset = e.Offset
		end := int64(-1)
		if e.Extent >= 0 {
			end = e.Offset + e.Extent - 1
		}
		if n := len(ranges); n > 0 && ranges[n-1].end >= 0 && ranges[n-1].end+1 == e.Offset {
			ranges[n-1].end = end
			continue
		}
		ranges = append(ranges, byteRange{start: e.Offset, end: end})
	}
	return ranges
}

func checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("downloading from %q is not supported", rawURL)
	}
	return nil
}

func statusError(rawURL string, res *http.Response) error {
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("get %s: %w", rawURL, fs.ErrNotExist)
	}
	return fmt.Errorf("get %s: unexpected status %d (%q)", rawURL, res.StatusCode, res.Status)
}

func drain(logger *slog.Logger, res *http.Response) {
	if _, err := io.Copy(io.Discard, res.Body); err != nil {
		logger.Debug("Failed to drain response body", "err", err)
	}
	res.Body.Close()
}
