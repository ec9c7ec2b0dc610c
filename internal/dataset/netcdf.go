package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rtm0/wxoverlay/internal/era5"
	"github.com/rtm0/wxoverlay/internal/grid"
)

// NetCDF variables are either single level, reported as surface fields, or
// on pressure levels.
const (
	netcdfSurface  = "surface"
	netcdfIsobaric = "isobaricInhPa"
)

type netcdfDataset struct {
	f      *era5.File
	filter Filter
	names  []string
}

func openNetCDF(path string, filter Filter, logger *slog.Logger) (Dataset, error) {
	f, err := era5.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	logger.Debug("Opened NetCDF dataset", append([]any{"file", path}, f.Summary()...)...)

	ds := &netcdfDataset{f: f, filter: filter}
	for _, name := range f.Variables() {
		if ds.match(name) {
			ds.names = append(ds.names, name)
		}
	}
	return ds, nil
}

func (ds *netcdfDataset) match(name string) bool {
	if !ds.f.HasLevels(name) {
		return ds.filter.Match(netcdfSurface, 0)
	}
	if ds.filter.TypeOfLevel != "" && ds.filter.TypeOfLevel != netcdfIsobaric {
		return false
	}
	if ds.filter.Level == nil {
		return true
	}
	for _, l := range ds.f.Levels() {
		if l == *ds.filter.Level {
			return true
		}
	}
	return false
}

func (ds *netcdfDataset) Variables() []string {
	return ds.names
}

func (ds *netcdfDataset) Variable(name string) (*Field, error) {
	if !ds.match(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrVariableNotFound)
	}
	var level *float64
	if ds.f.HasLevels(name) {
		level = ds.filter.Level
	}
	v, err := ds.f.Read(name, level)
	if errors.Is(err, era5.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", name, ErrVariableNotFound)
	}
	if err != nil {
		return nil, err
	}
	g, err := latLonGrid(v.Latitude, v.Longitude)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	fld := &Field{
		Name:        v.Name,
		LongName:    v.LongName,
		Units:       v.Units,
		TypeOfLevel: netcdfSurface,
		Grid:        g,
		Values:      v.Values,
	}
	if v.HasLevel {
		fld.TypeOfLevel = netcdfIsobaric
		fld.Level = v.Level
	}
	if v.Timestamp != 0 {
		fld.RefTime = time.UnixMilli(v.Timestamp).UTC()
		fld.ValidTime = fld.RefTime
	}
	return fld, nil
}

func (ds *netcdfDataset) Close() error {
	ds.f.Close()
	return nil
}

// latLonGrid builds a regular grid from coordinate arrays. The spacing is
// taken from the first two points of each axis.
func latLonGrid(lat, lon []float64) (*grid.LatLon, error) {
	if len(lat) < 2 || len(lon) < 2 {
		return nil, fmt.Errorf("need at least 2 points per axis, got %dx%d", len(lon), len(lat))
	}
	return &grid.LatLon{
		Ni:   len(lon),
		Nj:   len(lat),
		Lat0: lat[0],
		Lon0: lon[0],
		DLat: lat[1] - lat[0],
		DLon: lon[1] - lon[0],
	}, nil
}
