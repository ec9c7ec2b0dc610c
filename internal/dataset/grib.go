package dataset

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/rtm0/wxoverlay/internal/grib2"
	"github.com/rtm0/wxoverlay/internal/grid"
)

type gribDataset struct {
	fields []*grib2.Field
	names  []string
}

func openGRIB(path string, filter Filter, logger *slog.Logger) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds := &gribDataset{}
	seen := map[string]bool{}
	skipped := 0
	r := grib2.NewReader(f)
	for {
		m, err := r.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, grib2.ErrUnsupportedEdition) || errors.Is(err, grib2.ErrUnsupportedTemplate) {
			logger.Debug("Skipping GRIB message", "file", path, "err", err)
			skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		for _, fld := range m.Fields {
			if !filter.Match(fld.TypeOfLevel(), fld.Level()) {
				continue
			}
			ds.fields = append(ds.fields, fld)
			if name := fld.VariableName(); !seen[name] {
				seen[name] = true
				ds.names = append(ds.names, name)
			}
		}
	}
	logger.Debug("Opened GRIB2 dataset", "file", path, "filter", filter.String(),
		"fields", len(ds.fields), "variables", ds.names, "skippedMessages", skipped)
	return ds, nil
}

func (ds *gribDataset) Variables() []string {
	return ds.names
}

func (ds *gribDataset) Variable(name string) (*Field, error) {
	for _, f := range ds.fields {
		if f.VariableName() != name {
			continue
		}
		g, err := gribGrid(f.Grid)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		vals, err := f.Values()
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		p := f.Parameter()
		return &Field{
			Name:        name,
			LongName:    p.Name,
			Units:       p.Units,
			TypeOfLevel: f.TypeOfLevel(),
			Level:       f.Level(),
			RefTime:     f.RefTime,
			ValidTime:   f.ValidTime(),
			Grid:        g,
			Values:      vals,
		}, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrVariableNotFound)
}

func (ds *gribDataset) Close() error {
	ds.fields = nil
	return nil
}

// gribGrid converts a GRIB2 grid definition, folding the scanning mode into
// the sign of the increments.
func gribGrid(gd grib2.GridDefinition) (grid.Grid, error) {
	switch {
	case gd.LatLon != nil:
		ll := gd.LatLon
		if ll.ScanMode&(grib2.ScanConsecutive|grib2.ScanAlternating) != 0 {
			return nil, fmt.Errorf("scanning mode %#x: %w", ll.ScanMode, grib2.ErrUnsupportedTemplate)
		}
		dLon, dLat := ll.Di, -ll.Dj
		if ll.ScanMode&grib2.ScanNegativeI != 0 {
			dLon = -ll.Di
		}
		if ll.ScanMode&grib2.ScanPositiveJ != 0 {
			dLat = ll.Dj
		}
		if ll.Di == 0 || math.IsInf(ll.Di, 0) {
			return nil, fmt.Errorf("latlon grid without i increment: %w", grib2.ErrMalformed)
		}
		return &grid.LatLon{Ni: ll.Ni, Nj: ll.Nj, Lat0: ll.La1, Lon0: ll.Lo1, DLat: dLat, DLon: dLon}, nil
	case gd.Lambert != nil:
		lc := gd.Lambert
		if lc.ScanMode&(grib2.ScanConsecutive|grib2.ScanAlternating) != 0 {
			return nil, fmt.Errorf("scanning mode %#x: %w", lc.ScanMode, grib2.ErrUnsupportedTemplate)
		}
		if lc.SouthPole {
			return nil, fmt.Errorf("south pole lambert projection: %w", grib2.ErrUnsupportedTemplate)
		}
		dx, dy := lc.Dx, -lc.Dy
		if lc.ScanMode&grib2.ScanNegativeI != 0 {
			dx = -lc.Dx
		}
		if lc.ScanMode&grib2.ScanPositiveJ != 0 {
			dy = lc.Dy
		}
		return grid.NewLambert(grid.LambertParams{
			Nx: lc.Nx, Ny: lc.Ny,
			La1: lc.La1, Lo1: lc.Lo1,
			LaD: lc.LaD, LoV: lc.LoV,
			Latin1: lc.Latin1, Latin2: lc.Latin2,
			Dx: dx, Dy: dy,
			EarthMajor: gd.EarthMajor,
			EarthMinor: gd.EarthMinor,
		})
	}
	return nil, fmt.Errorf("grid template 3.%d: %w", gd.Template, grib2.ErrUnsupportedTemplate)
}
