// Package overlay renders the configured products from a dataset into
// images and writes a manifest describing them.
package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rtm0/wxoverlay/internal/colormap"
	"github.com/rtm0/wxoverlay/internal/dataset"
	"github.com/rtm0/wxoverlay/internal/product"
	"github.com/rtm0/wxoverlay/internal/render"
)

// ManifestFile is the name of the manifest written next to the images.
const ManifestFile = "overlays.json"

// Opener opens the input restricted to the fields matching a filter.
type Opener interface {
	Open(filter dataset.Filter) (dataset.Dataset, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(filter dataset.Filter) (dataset.Dataset, error)

// Open implements Opener.
func (f OpenerFunc) Open(filter dataset.Filter) (dataset.Dataset, error) { return f(filter) }

// FileOpener opens the file at path with dataset.Open.
func FileOpener(path string, logger *slog.Logger) Opener {
	return OpenerFunc(func(filter dataset.Filter) (dataset.Dataset, error) {
		return dataset.Open(path, filter, logger)
	})
}

// Overlay describes a generated image.
type Overlay struct {
	Name        string        `json:"name"`
	File        string        `json:"file"`
	Variable    string        `json:"variable"`
	LongName    string        `json:"long_name,omitempty"`
	Units       string        `json:"units,omitempty"`
	TypeOfLevel string        `json:"type_of_level,omitempty"`
	Level       float64       `json:"level"`
	Colormap    string        `json:"colormap"`
	VMin        float64       `json:"vmin"`
	VMax        float64       `json:"vmax"`
	ValidTime   time.Time     `json:"valid_time"`
	Bounds      [2][2]float64 `json:"bounds"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
}

// Skip records a product that produced no image.
type Skip struct {
	Name     string `json:"name"`
	Variable string `json:"variable"`
	Reason   string `json:"reason"`
	// NotFound is set when the variable was absent rather than failing.
	NotFound bool `json:"not_found"`
}

// Result lists generated and skipped products in configuration order.
type Result struct {
	Generated []Overlay
	Skipped   []Skip
}

// Manifest is the content of ManifestFile.
type Manifest struct {
	Generated time.Time `json:"generated"`
	Source    string    `json:"source,omitempty"`
	Overlays  []Overlay `json:"overlays"`
}

// Processor renders products.
type Processor struct {
	logger      *slog.Logger
	cfg         *product.Config
	concurrency int
	source      string
	now         func() time.Time
}

// NewProcessor creates a processor for cfg running up to concurrency
// products at a time. source is recorded in the manifest.
func NewProcessor(logger *slog.Logger, cfg *product.Config, concurrency int, source string) *Processor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Processor{
		logger:      logger,
		cfg:         cfg,
		concurrency: concurrency,
		source:      source,
		now:         time.Now,
	}
}

// Run renders every product. A product whose variable is absent, or that
// fails to decode or render, is logged and skipped without affecting the
// others. Run returns an error only when ctx is cancelled or the manifest
// cannot be written.
func (p *Processor) Run(ctx context.Context, opener Opener) (*Result, error) {
	cache := newDatasetCache(opener)
	defer cache.close()

	n := len(p.cfg.Products)
	generated := make([]*Overlay, n)
	skipped := make([]*Skip, n)

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, prod := range p.cfg.Products {
		i, prod := i, prod
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ov, err := p.process(cache, prod)
			switch {
			case errors.Is(err, dataset.ErrVariableNotFound):
				p.logger.Info("Variable not found", "product", prod.Name, "variable", prod.Variable)
				skipped[i] = &Skip{Name: prod.Name, Variable: prod.Variable, Reason: err.Error(), NotFound: true}
			case err != nil:
				p.logger.Error("Could not render product", "product", prod.Name, "variable", prod.Variable, "err", err)
				skipped[i] = &Skip{Name: prod.Name, Variable: prod.Variable, Reason: err.Error()}
			default:
				p.logger.Info("Generated", "product", prod.Name, "file", ov.File)
				generated[i] = ov
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{}
	for i := range p.cfg.Products {
		if generated[i] != nil {
			res.Generated = append(res.Generated, *generated[i])
		}
		if skipped[i] != nil {
			res.Skipped = append(res.Skipped, *skipped[i])
		}
	}
	if err := p.writeManifest(res.Generated); err != nil {
		return res, fmt.Errorf("writing manifest: %w", err)
	}
	return res, nil
}

// process renders a single product, trying its level filters in order.
func (p *Processor) process(cache *datasetCache, prod product.Product) (*Overlay, error) {
	cmap, err := colormap.Lookup(prod.Colormap)
	if err != nil {
		return nil, err
	}

	var fld *dataset.Field
	for _, filter := range prod.Filters() {
		ds, err := cache.open(filter)
		if err != nil {
			return nil, fmt.Errorf("opening with filter %s: %w", filter, err)
		}
		fld, err = ds.Variable(prod.Variable)
		if errors.Is(err, dataset.ErrVariableNotFound) {
			p.logger.Debug("Variable not in filtered dataset", "product", prod.Name, "variable", prod.Variable, "filter", filter.String())
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if fld == nil {
		return nil, fmt.Errorf("%s: %w", prod.Variable, dataset.ErrVariableNotFound)
	}

	norm := colormap.Autoscale(fld.Values, prod.VMin, prod.VMax)
	img, err := render.Raster(fld, render.Options{
		Extent:   p.cfg.Extent,
		Width:    p.cfg.Width,
		Height:   p.cfg.Height,
		Colormap: cmap,
		Norm:     norm,
		Alpha:    prod.Alpha,
	})
	if err != nil {
		return nil, err
	}
	if err := render.WritePNG(filepath.Join(p.cfg.OutputDir, prod.Output), img); err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &Overlay{
		Name:        prod.Name,
		File:        prod.Output,
		Variable:    fld.Name,
		LongName:    fld.LongName,
		Units:       fld.Units,
		TypeOfLevel: fld.TypeOfLevel,
		Level:       fld.Level,
		Colormap:    prod.Colormap,
		VMin:        norm.Min,
		VMax:        norm.Max,
		ValidTime:   fld.ValidTime,
		Bounds:      p.cfg.Extent.Bounds(),
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

func (p *Processor) writeManifest(overlays []Overlay) error {
	m := Manifest{
		Generated: p.now().UTC(),
		Source:    p.source,
		Overlays:  overlays,
	}
	if m.Overlays == nil {
		m.Overlays = []Overlay{}
	}
	return render.WriteFile(filepath.Join(p.cfg.OutputDir, ManifestFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
}

// datasetCache opens the input at most once per filter.
type datasetCache struct {
	opener Opener

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	once sync.Once
	ds   dataset.Dataset
	err  error
}

func newDatasetCache(opener Opener) *datasetCache {
	return &datasetCache{opener: opener, entries: map[string]*cacheEntry{}}
}

func (c *datasetCache) open(filter dataset.Filter) (dataset.Dataset, error) {
	key := filter.String()
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.ds, e.err = c.opener.Open(filter)
	})
	return e.ds, e.err
}

func (c *datasetCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.ds != nil {
			e.ds.Close()
		}
	}
}
