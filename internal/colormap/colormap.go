// Package colormap maps scalar values to colours with named colormaps that
// match their matplotlib counterparts.
package colormap

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrUnknown is returned by Lookup for names that are not registered.
var ErrUnknown = errors.New("unknown colormap")

// N is the number of entries in a colormap lookup table.
const N = 256

// anchor is a control point of one colour channel.
type anchor struct {
	x, y float64
}

// segments holds the red, green and blue control points of a map, in the
// form of matplotlib's segmentdata.
type segments [3][]anchor

// Colormap is a lookup table of N colours.
type Colormap struct {
	Name string
	lut  [N]color.NRGBA
}

var registry = map[string]segments{
	"gray": listed("#000000", "#ffffff"),
	"Greys": listed("#ffffff", "#f0f0f0", "#d9d9d9", "#bdbdbd", "#969696",
		"#737373", "#525252", "#252525", "#000000"),
	"Blues": listed("#f7fbff", "#deebf7", "#c6dbef", "#9ecae1", "#6baed6",
		"#4292c6", "#2171b5", "#08519c", "#08306b"),
	"terrain": stops(
		stop{0.00, 0.2, 0.2, 0.6},
		stop{0.15, 0.0, 0.6, 1.0},
		stop{0.25, 0.0, 0.8, 0.4},
		stop{0.50, 1.0, 1.0, 0.6},
		stop{0.75, 0.5, 0.36, 0.33},
		stop{1.00, 1.0, 1.0, 1.0},
	),
	"viridis": listed("#440154", "#482878", "#3e4989", "#31688e", "#26828e",
		"#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"),
	"jet": {
		{{0, 0}, {0.35, 0}, {0.66, 1}, {0.89, 1}, {1, 0.5}},
		{{0, 0}, {0.125, 0}, {0.375, 1}, {0.64, 1}, {0.91, 0}, {1, 0}},
		{{0, 0.5}, {0.11, 1}, {0.34, 1}, {0.65, 0}, {1, 0}},
	},
	"coolwarm": listed("#3b4cc0", "#7b9ff9", "#c0d4f5", "#dddddd", "#f2cbb7",
		"#ee8468", "#b40426"),
}

// Names returns the registered colormap names, without the reversed
// variants.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named colormap. A "_r" suffix reverses it.
func Lookup(name string) (*Colormap, error) {
	base, reversed := strings.CutSuffix(name, "_r")
	seg, ok := registry[base]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknown)
	}
	c := &Colormap{Name: name}
	for i := range c.lut {
		x := float64(i) / (N - 1)
		if reversed {
			x = 1 - x
		}
		c.lut[i] = color.NRGBA{
			R: channel(seg[0], x),
			G: channel(seg[1], x),
			B: channel(seg[2], x),
			A: 0xff,
		}
	}
	return c, nil
}

// At returns the colour for a normalised value. Values outside [0, 1] are
// clipped.
func (c *Colormap) At(t float64) color.NRGBA {
	i := int(t * N)
	if t >= 1 || i >= N {
		i = N - 1
	}
	if i < 0 {
		i = 0
	}
	return c.lut[i]
}

// Color maps v through n and applies alpha, which must be in [0, 1]. NaN is
// fully transparent.
func (c *Colormap) Color(v float64, n Norm, alpha float64) color.NRGBA {
	if math.IsNaN(v) {
		return color.NRGBA{}
	}
	col := c.At(n.Apply(v))
	col.A = uint8(math.Round(alpha * 0xff))
	return col
}

// Norm linearly maps [Min, Max] to [0, 1].
type Norm struct {
	Min, Max float64
}

// Apply normalises v, clipping to [0, 1]. A degenerate range maps every value
// to 0.
func (n Norm) Apply(v float64) float64 {
	if n.Max <= n.Min {
		return 0
	}
	if v <= n.Min {
		return 0
	}
	if v >= n.Max {
		return 1
	}
	return (v - n.Min) / (n.Max - n.Min)
}

// Autoscale returns a Norm with the given limits. Limits left nil are taken
// from the finite minimum and maximum of values.
func Autoscale(values []float64, vmin, vmax *float64) Norm {
	var n Norm
	if vmin == nil || vmax == nil {
		finite := make([]float64, 0, len(values))
		for _, v := range values {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				finite = append(finite, v)
			}
		}
		if len(finite) > 0 {
			n.Min = floats.Min(finite)
			n.Max = floats.Max(finite)
		}
	}
	if vmin != nil {
		n.Min = *vmin
	}
	if vmax != nil {
		n.Max = *vmax
	}
	return n
}

// channel interpolates one channel at x and scales it to a byte.
func channel(a []anchor, x float64) uint8 {
	i := sort.Search(len(a), func(i int) bool { return a[i].x >= x })
	var y float64
	switch {
	case i == 0:
		y = a[0].y
	case i == len(a):
		y = a[len(a)-1].y
	default:
		lo, hi := a[i-1], a[i]
		y = lo.y + (x-lo.x)/(hi.x-lo.x)*(hi.y-lo.y)
	}
	return uint8(math.Round(math.Max(0, math.Min(1, y)) * 0xff))
}

// stop is a colour at a position, shared by all channels.
type stop struct {
	x, r, g, b float64
}

func stops(st ...stop) segments {
	var s segments
	for _, p := range st {
		s[0] = append(s[0], anchor{p.x, p.r})
		s[1] = append(s[1], anchor{p.x, p.g})
		s[2] = append(s[2], anchor{p.x, p.b})
	}
	return s
}

// listed spreads hex colours evenly over [0, 1].
func listed(hex ...string) segments {
	var s segments
	for i, h := range hex {
		var r, g, b uint8
		if _, err := fmt.Sscanf(h, "#%02x%02x%02x", &r, &g, &b); err != nil {
			panic(fmt.Sprintf("colormap: bad colour %q", h))
		}
		x := float64(i) / float64(len(hex)-1)
		s[0] = append(s[0], anchor{x, float64(r) / 0xff})
		s[1] = append(s[1], anchor{x, float64(g) / 0xff})
		s[2] = append(s[2], anchor{x, float64(b) / 0xff})
	}
	return s
}
