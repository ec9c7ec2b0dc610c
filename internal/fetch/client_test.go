package fetch

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtm0/wxoverlay/internal/grib2"
	"github.com/rtm0/wxoverlay/internal/grib2/grib2test"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type gribServer struct {
	*httptest.Server
	data []byte

	mu     sync.Mutex
	ranges []string
}

// newGRIBServer serves a four message file at /gfs.grib2 with its inventory
// at /gfs.grib2.idx. Range requests are honoured unless the path starts with
// /norange.
func newGRIBServer(t *testing.T) *gribServer {
	t.Helper()
	ref := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	ll := &grib2test.LatLon{Ni: 2, Nj: 2, La1: 50, Lo1: -100, Di: 1, Dj: 1}
	var buf bytes.Buffer
	require.NoError(t, grib2test.Encode(&buf,
		grib2test.Field{Category: 0, Number: 0, SurfaceType: 1, RefTime: ref, LatLon: ll, Values: []float64{1, 2, 3, 4}},
		grib2test.Field{Category: 19, Number: 0, SurfaceType: 1, RefTime: ref, LatLon: ll, Values: []float64{1, 2, 3, 4}},
		grib2test.Field{Category: 1, Number: 1, SurfaceType: 103, SurfaceValue: 2, RefTime: ref, LatLon: ll, Values: []float64{1, 2, 3, 4}},
		grib2test.Field{Category: 6, Number: 1, SurfaceType: 10, RefTime: ref, LatLon: ll, Values: []float64{1, 2, 3, 4}},
	))
	msgs, err := grib2.ReadMessages(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	var idx bytes.Buffer
	require.NoError(t, grib2.WriteInventory(&idx, msgs))

	s := &gribServer{data: buf.Bytes()}
	mux := http.NewServeMux()
	serve := func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.ranges = append(s.ranges, r.Header.Get("Range"))
		s.mu.Unlock()
		http.ServeContent(w, r, "gfs.grib2", time.Time{}, bytes.NewReader(s.data))
	}
	mux.HandleFunc("/gfs.grib2", serve)
	mux.HandleFunc("/norange/gfs.grib2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(s.data)
	})
	for _, p := range []string{"/gfs.grib2.idx", "/norange/gfs.grib2.idx"} {
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(idx.Bytes())
		})
	}
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func readVariables(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	msgs, err := grib2.ReadMessages(f)
	require.NoError(t, err)
	var names []string
	for _, m := range msgs {
		names = append(names, m.Fields[0].VariableName())
	}
	return names
}

func TestDownload(t *testing.T) {
	s := newGRIBServer(t)
	dest := filepath.Join(t.TempDir(), "in", "latest_goes.grib2")

	n, err := NewClient(logger, 2).Download(context.Background(), s.URL+"/gfs.grib2", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(s.data)), n)
	assert.Equal(t, []string{"t", "vis", "r2", "tcc"}, readVariables(t, dest))

	// A second download replaces the file without leaving temporaries.
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))
	_, err = NewClient(logger, 2).Download(context.Background(), s.URL+"/gfs.grib2", dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "vis", "r2", "tcc"}, readVariables(t, dest))
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "latest_goes.grib2", entries[0].Name())
}

func TestDownloadNotFound(t *testing.T) {
	s := newGRIBServer(t)
	dest := filepath.Join(t.TempDir(), "latest_goes.grib2")
	_, err := NewClient(logger, 1).Download(context.Background(), s.URL+"/missing.grib2", dest)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NoFileExists(t, dest)

	_, err = NewClient(logger, 1).Download(context.Background(), "ftp://example.com/x.grib2", dest)
	assert.Error(t, err)
}

func TestDownloadSubset(t *testing.T) {
	s := newGRIBServer(t)
	dest := filepath.Join(t.TempDir(), "latest_goes.grib2")
	cli := NewClient(logger, 2)

	// Adjacent messages are merged; the last one is open-ended.
	_, err := cli.DownloadSubset(context.Background(), s.URL+"/gfs.grib2", dest, regexp.MustCompile(`:(TMP|VIS|TCDC):`))
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "vis", "tcc"}, readVariables(t, dest))
	require.Len(t, s.ranges, 2)
	assert.Regexp(t, `^bytes=0-\d+$`, s.ranges[0])
	assert.Regexp(t, `^bytes=\d+-$`, s.ranges[1])

	_, err = cli.DownloadSubset(context.Background(), s.URL+"/gfs.grib2", dest, regexp.MustCompile(`:HGT:`))
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestDownloadSubsetNoRangeSupport(t *testing.T) {
	s := newGRIBServer(t)
	dest := filepath.Join(t.TempDir(), "latest_goes.grib2")
	_, err := NewClient(logger, 1).DownloadSubset(context.Background(), s.URL+"/norange/gfs.grib2", dest, regexp.MustCompile(`:VIS:`))
	assert.ErrorIs(t, err, ErrRangeNotSupported)
	assert.NoFileExists(t, dest)
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSelectRanges(t *testing.T) {
	inv := []grib2.InventoryEntry{
		{Record: 1, Sub: 1, Offset: 0, Extent: 100, Variable: "UGRD", Level: "10 m above ground"},
		{Record: 1, Sub: 2, Offset: 0, Extent: 100, Variable: "VGRD", Level: "10 m above ground"},
		{Record: 2, Sub: 1, Offset: 100, Extent: 50, Variable: "TMP", Level: "surface"},
		{Record: 3, Sub: 1, Offset: 150, Extent: 50, Variable: "RH", Level: "surface"},
		{Record: 4, Sub: 1, Offset: 200, Extent: -1, Variable: "TMP", Level: "2 m above ground"},
	}
	got := selectRanges(inv, regexp.MustCompile(`:(UGRD|VGRD|TMP):`))
	assert.Equal(t, []byteRange{{0, 149}, {200, -1}}, got)
	assert.Equal(t, "bytes=0-149", got[0].header())
	assert.Equal(t, "bytes=200-", got[1].header())
}
