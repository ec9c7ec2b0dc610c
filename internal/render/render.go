// Package render draws fields as transparent PlateCarree images.
package render

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/rtm0/wxoverlay/internal/colormap"
	"github.com/rtm0/wxoverlay/internal/dataset"
)

// DefaultWidth is the image width used when none is configured, 10 inches at
// 100 dpi.
const DefaultWidth = 1000

// Extent is a longitude/latitude box in degrees.
type Extent struct {
	West  float64 `yaml:"west" json:"west"`
	East  float64 `yaml:"east" json:"east"`
	South float64 `yaml:"south" json:"south"`
	North float64 `yaml:"north" json:"north"`
}

// DefaultExtent covers the continental United States east of the Rockies.
var DefaultExtent = Extent{West: -100, East: -60, South: 20, North: 50}

// Validate checks that the extent is ordered and within range.
func (e Extent) Validate() error {
	if !(e.West < e.East) {
		return fmt.Errorf("extent: west %g must be less than east %g", e.West, e.East)
	}
	if !(e.South < e.North) {
		return fmt.Errorf("extent: south %g must be less than north %g", e.South, e.North)
	}
	if e.South < -90 || e.North > 90 {
		return fmt.Errorf("extent: latitudes %g..%g out of range", e.South, e.North)
	}
	if e.East-e.West > 360 {
		return fmt.Errorf("extent: spans more than 360 degrees of longitude")
	}
	return nil
}

// Bounds returns the extent as Leaflet bounds, [[south, west], [north, east]].
func (e Extent) Bounds() [2][2]float64 {
	return [2][2]float64{{e.South, e.West}, {e.North, e.East}}
}

// Size resolves the image size. A zero width uses DefaultWidth and a zero
// height keeps pixels square in degrees.
func (e Extent) Size(width, height int) (int, int) {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = int(math.Round(float64(width) * (e.North - e.South) / (e.East - e.West)))
		if height < 1 {
			height = 1
		}
	}
	return width, height
}

// Options controls how a field is drawn.
type Options struct {
	Extent   Extent
	Width    int
	Height   int
	Colormap *colormap.Colormap
	Norm     colormap.Norm
	Alpha    float64 // zero means opaque
}

// Raster draws fld into a new image covering opts.Extent. Each pixel takes
// the value of the grid cell containing its centre. Pixels outside the grid
// or on missing values are transparent.
func Raster(fld *dataset.Field, opts Options) (*image.NRGBA, error) {
	if fld.Grid == nil {
		return nil, errors.New("render: field has no grid")
	}
	ni, nj := fld.Grid.Size()
	if len(fld.Values) != ni*nj {
		return nil, fmt.Errorf("render: %s has %d values for a %dx%d grid", fld.Name, len(fld.Values), ni, nj)
	}
	if opts.Colormap == nil {
		return nil, errors.New("render: no colormap")
	}
	alpha := opts.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	w, h := opts.Extent.Size(opts.Width, opts.Height)
	ext := opts.Extent
	dLon := (ext.East - ext.West) / float64(w)
	dLat := (ext.North - ext.South) / float64(h)

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		lat := ext.North - (float64(y)+0.5)*dLat
		for x := 0; x < w; x++ {
			lon := ext.West + (float64(x)+0.5)*dLon
			i, j, ok := fld.Grid.Locate(lat, lon)
			if !ok {
				continue
			}
			img.SetNRGBA(x, y, opts.Colormap.Color(fld.Values[j*ni+i], opts.Norm, alpha))
		}
	}
	return img, nil
}

// WritePNG encodes img to path.
func WritePNG(path string, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	return WriteFile(path, func(w io.Writer) error {
		if err := enc.Encode(w, img); err != nil {
			return fmt.Errorf("encode png: %w", err)
		}
		return nil
	})
}

// WriteFile writes the output of write to path. The data goes to a temporary
// file in the same directory which is then renamed, so readers never see a
// partial file. Missing directories are created.
func WriteFile(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return os.Rename(f.Name(), path)
}
