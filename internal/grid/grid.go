// Package grid locates geographic coordinates on the grids meteorological
// fields are stored on.
package grid

import (
	"fmt"
	"math"
	"strconv"

	"github.com/ctessum/geom/proj"
)

// Grid maps latitude/longitude to the indices of the nearest grid point.
// Cells are centred on grid points, so a location belongs to a cell when it
// is within half an increment of the cell's point.
type Grid interface {
	Size() (ni, nj int)
	Locate(lat, lon float64) (i, j int, ok bool)
	String() string
}

// LatLon is a regular latitude/longitude grid. DLat and DLon carry the scan
// direction in their sign.
type LatLon struct {
	Ni, Nj     int
	Lat0, Lon0 float64
	DLat, DLon float64
}

// Size implements Grid.
func (g *LatLon) Size() (int, int) { return g.Ni, g.Nj }

// Global reports whether the grid wraps around in longitude.
func (g *LatLon) Global() bool {
	return math.Abs(float64(g.Ni)*math.Abs(g.DLon)-360) < math.Abs(g.DLon)/2
}

// Locate implements Grid.
func (g *LatLon) Locate(lat, lon float64) (int, int, bool) {
	if g.DLat == 0 || g.DLon == 0 {
		return 0, 0, false
	}
	j := int(math.Round((lat - g.Lat0) / g.DLat))
	if j < 0 || j >= g.Nj {
		return 0, 0, false
	}

	step := math.Abs(g.DLon)
	delta := math.Mod(lon-g.Lon0, 360)
	if g.DLon < 0 {
		delta = -delta
	}
	if delta < 0 {
		delta += 360
	}
	i := int(math.Round(delta / step))
	if i >= g.Ni {
		// Within half a cell before the first column.
		if int(math.Round((delta-360)/step)) == 0 {
			return 0, j, true
		}
		if g.Global() && i == g.Ni {
			return 0, j, true
		}
		return 0, 0, false
	}
	return i, j, true
}

func (g *LatLon) String() string {
	return fmt.Sprintf("latlon %dx%d from (%g, %g) step (%g, %g)", g.Ni, g.Nj, g.Lat0, g.Lon0, g.DLat, g.DLon)
}

// LambertParams describes a Lambert conformal conic grid. Angles are in
// degrees and lengths in metres; Dx and Dy carry the scan direction in their
// sign.
type LambertParams struct {
	Nx, Ny         int
	La1, Lo1       float64
	LaD, LoV       float64
	Latin1, Latin2 float64
	Dx, Dy         float64
	EarthMajor     float64
	EarthMinor     float64
}

// Lambert is a Lambert conformal conic grid, as used by HRRR and NAM.
type Lambert struct {
	p      LambertParams
	x0, y0 float64
	fwd    proj.Transformer
}

// NewLambert creates a Lambert conformal grid.
func NewLambert(p LambertParams) (*Lambert, error) {
	if p.EarthMajor == 0 {
		p.EarthMajor = 6371229
	}
	if p.EarthMinor == 0 {
		p.EarthMinor = p.EarthMajor
	}
	if p.Dx == 0 || p.Dy == 0 {
		return nil, fmt.Errorf("grid: lambert grid with zero increment")
	}
	geoSR, lccSR, err := lambertSRs(p)
	if err != nil {
		return nil, err
	}
	fwd, err := geoSR.NewTransform(lccSR)
	if err != nil {
		return nil, fmt.Errorf("grid: while creating lambert transform: %v", err)
	}
	x0, y0, err := fwd(normLon(p.Lo1), p.La1)
	if err != nil {
		return nil, fmt.Errorf("grid: while projecting first grid point: %v", err)
	}
	return &Lambert{p: p, x0: x0, y0: y0, fwd: fwd}, nil
}

// lambertSRs returns the geographic and Lambert spatial references of p.
func lambertSRs(p LambertParams) (geo, lcc *proj.SR, err error) {
	ellps := "+a=" + projNum(p.EarthMajor) + " +b=" + projNum(p.EarthMinor)
	geo, err = proj.Parse("+proj=longlat " + ellps + " +no_defs")
	if err != nil {
		return nil, nil, fmt.Errorf("grid: while parsing geographic projection: %v", err)
	}
	lcc, err = proj.Parse("+proj=lcc +lat_1=" + projNum(p.Latin1) + " +lat_2=" + projNum(p.Latin2) +
		" +lat_0=" + projNum(p.LaD) + " +lon_0=" + projNum(normLon(p.LoV)) +
		" +x_0=0 +y_0=0 " + ellps + " +units=m +no_defs")
	if err != nil {
		return nil, nil, fmt.Errorf("grid: while parsing lambert projection: %v", err)
	}
	return geo, lcc, nil
}

// projNum formats v for a PROJ string. PROJ strings are split on '+', so
// exponent notation such as 6.371229e+06 must not be used.
func projNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Size implements Grid.
func (g *Lambert) Size() (int, int) { return g.p.Nx, g.p.Ny }

// Locate implements Grid.
func (g *Lambert) Locate(lat, lon float64) (int, int, bool) {
	x, y, err := g.fwd(normLon(lon), lat)
	if err != nil || math.IsNaN(x) || math.IsNaN(y) {
		return 0, 0, false
	}
	i := int(math.Round((x - g.x0) / g.p.Dx))
	j := int(math.Round((y - g.y0) / g.p.Dy))
	if i < 0 || i >= g.p.Nx || j < 0 || j >= g.p.Ny {
		return 0, 0, false
	}
	return i, j, true
}

func (g *Lambert) String() string {
	return fmt.Sprintf("lambert %dx%d from (%g, %g) step (%gm, %gm)", g.p.Nx, g.p.Ny, g.p.La1, g.p.Lo1, g.p.Dx, g.p.Dy)
}

// normLon maps a longitude to [-180, 180).
func normLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
