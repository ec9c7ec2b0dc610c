// Package product holds the table of overlays to render: which variable goes
// to which image with which colormap.
package product

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rtm0/wxoverlay/internal/colormap"
	"github.com/rtm0/wxoverlay/internal/dataset"
	"github.com/rtm0/wxoverlay/internal/render"
)

// DefaultOutputDir is where images are written unless configured otherwise.
const DefaultOutputDir = "site/data"

// OutputDirEnv overrides the configured output directory.
const OutputDirEnv = "WXOVERLAY_OUTPUT_DIR"

// LevelFilter selects fields by type of level, and optionally by level value.
type LevelFilter struct {
	Type  string   `yaml:"type" json:"type"`
	Value *float64 `yaml:"value,omitempty" json:"value,omitempty"`
}

// Filter converts f to a dataset filter.
func (f LevelFilter) Filter() dataset.Filter {
	return dataset.Filter{TypeOfLevel: f.Type, Level: f.Value}
}

// Product is one overlay image.
type Product struct {
	Name     string `yaml:"name" json:"name"`
	Variable string `yaml:"variable" json:"variable"`
	// Levels are tried in order until one holds the variable. An empty
	// filter matches every level.
	Levels   []LevelFilter `yaml:"levels" json:"levels"`
	Output   string        `yaml:"output" json:"output"`
	Colormap string        `yaml:"colormap" json:"colormap"`
	VMin     *float64      `yaml:"vmin,omitempty" json:"vmin,omitempty"`
	VMax     *float64      `yaml:"vmax,omitempty" json:"vmax,omitempty"`
	Alpha    float64       `yaml:"alpha,omitempty" json:"alpha,omitempty"`
}

// Filters returns the dataset filters of the product in order. A product
// without levels uses the default search order.
func (p Product) Filters() []dataset.Filter {
	levels := p.Levels
	if len(levels) == 0 {
		levels = defaultLevels()
	}
	filters := make([]dataset.Filter, len(levels))
	for i, l := range levels {
		filters[i] = l.Filter()
	}
	return filters
}

// Config is the product table and the image geometry shared by all
// products.
type Config struct {
	OutputDir string        `yaml:"output_dir" json:"output_dir"`
	Extent    render.Extent `yaml:"extent" json:"extent"`
	Width     int           `yaml:"width" json:"width"`
	Height    int           `yaml:"height,omitempty" json:"height,omitempty"`
	Products  []Product     `yaml:"products" json:"products"`
}

func defaultLevels() []LevelFilter {
	return []LevelFilter{{Type: "surface"}, {Type: "atmosphere"}, {}}
}

func float(v float64) *float64 { return &v }

// DefaultConfig returns the built-in product table.
func DefaultConfig() *Config {
	return &Config{
		OutputDir: DefaultOutputDir,
		Extent:    render.DefaultExtent,
		Width:     render.DefaultWidth,
		Products: []Product{
			{
				Name:     "infrared",
				Variable: "t",
				Levels:   defaultLevels(),
				Output:   "infrared.png",
				Colormap: "gray_r",
				VMin:     float(200),
				VMax:     float(300),
			},
			{
				Name:     "blue_visible",
				Variable: "vis",
				Levels:   defaultLevels(),
				Output:   "blue_visible.png",
				Colormap: "Blues_r",
			},
			{
				Name:     "geocolor",
				Variable: "r",
				Levels:   defaultLevels(),
				Output:   "geocolor.png",
				Colormap: "terrain",
			},
			{
				Name:     "cloud_cover",
				Variable: "tcc",
				Levels:   defaultLevels(),
				Output:   "cloud_cover.png",
				Colormap: "Greys_r",
				VMin:     float(0),
				VMax:     float(100),
			},
		},
	}
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults. Products listed in the file replace the default
// table.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv(OutputDirEnv); dir != "" {
		c.OutputDir = dir
	}
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is empty"))
	}
	if err := c.Extent.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Width < 0 || c.Height < 0 {
		errs = append(errs, fmt.Errorf("negative image size %dx%d", c.Width, c.Height))
	}
	if len(c.Products) == 0 {
		errs = append(errs, errors.New("no products"))
	}

	names := map[string]bool{}
	outputs := map[string]bool{}
	for i, p := range c.Products {
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("product %s: name is empty", label))
		case names[p.Name]:
			errs = append(errs, fmt.Errorf("product %s: duplicate name", label))
		}
		names[p.Name] = true
		if p.Variable == "" {
			errs = append(errs, fmt.Errorf("product %s: variable is empty", label))
		}
		switch {
		case p.Output == "":
			errs = append(errs, fmt.Errorf("product %s: output is empty", label))
		case filepath.Base(p.Output) != p.Output || !strings.HasSuffix(p.Output, ".png"):
			errs = append(errs, fmt.Errorf("product %s: output %q must be a .png file name", label, p.Output))
		case outputs[p.Output]:
			errs = append(errs, fmt.Errorf("product %s: output %q used twice", label, p.Output))
		}
		outputs[p.Output] = true
		if _, err := colormap.Lookup(p.Colormap); err != nil {
			errs = append(errs, fmt.Errorf("product %s: %w", label, err))
		}
		if p.VMin != nil && p.VMax != nil && !(*p.VMin < *p.VMax) {
			errs = append(errs, fmt.Errorf("product %s: vmin %g must be less than vmax %g", label, *p.VMin, *p.VMax))
		}
		if p.Alpha < 0 || p.Alpha > 1 {
			errs = append(errs, fmt.Errorf("product %s: alpha %g out of [0, 1]", label, p.Alpha))
		}
	}
	return errors.Join(errs...)
}
