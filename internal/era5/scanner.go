package era5

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// TZ=UTC date --date="1900-01-01 00:00:00" +%s
const unixSecs1900 = -2208988800

// ErrNotFound is returned by File.Read for variables the file does not hold.
var ErrNotFound = errors.New("era5: variable not found")

var (
	timeNames  = []string{"time", "valid_time"}
	levelNames = []string{"level", "pressure_level"}
)

// File reads ERA5 variables from a NetCDF file one time step at a time.
type File struct {
	mu    sync.Mutex
	nc    api.Group
	la    []float64
	lo    []float64
	ts    []int64
	lev   []float64
	names []string

	leveled map[string]bool
}

// Open opens an ERA5 file in NetCDF format.
func Open(filePath string) (*File, error) {
	nc, err := netcdf.Open(filePath)
	if err != nil {
		return nil, err
	}
	f := &File{nc: nc, leveled: map[string]bool{}}
	if err := f.init(); err != nil {
		nc.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) init() error {
	var err error
	f.la, err = dimValues(f.nc, "latitude")
	if err != nil {
		return err
	}
	f.lo, err = dimValues(f.nc, "longitude")
	if err != nil {
		return err
	}
	vars := f.nc.ListVariables()
	if name := firstOf(vars, timeNames); name != "" {
		if f.ts, err = timestamps(f.nc, name); err != nil {
			return err
		}
	}
	if name := firstOf(vars, levelNames); name != "" {
		if f.lev, err = dimValues(f.nc, name); err != nil {
			return err
		}
	}
	for _, name := range vars {
		if isCoordinate(name) {
			continue
		}
		vg, err := f.nc.GetVarGetter(name)
		if err != nil {
			return err
		}
		dims := vg.Dimensions()
		if len(dims) < 2 || dims[len(dims)-2] != "latitude" || dims[len(dims)-1] != "longitude" {
			continue
		}
		f.names = append(f.names, name)
		if len(dims) >= 3 && slices.Contains(levelNames, dims[len(dims)-3]) {
			f.leveled[name] = true
		}
	}
	return nil
}

func isCoordinate(name string) bool {
	return name == "latitude" || name == "longitude" || slices.Contains(timeNames, name) || slices.Contains(levelNames, name)
}

func firstOf(vars, names []string) string {
	for _, n := range names {
		if slices.Contains(vars, n) {
			return n
		}
	}
	return ""
}

func dimValues(nc api.Group, dimName string) ([]float64, error) {
	dim, err := nc.GetVarGetter(dimName)
	if err != nil {
		return nil, err
	}
	v, err := dim.Values()
	if err != nil {
		return nil, err
	}
	vals, ok := flatten(v)
	if !ok {
		return nil, fmt.Errorf("era5: unexpected type %T for %s", v, dimName)
	}
	return vals, nil
}

// timestamps converts a CF time coordinate to unix milliseconds.
func timestamps(nc api.Group, name string) ([]int64, error) {
	vg, err := nc.GetVarGetter(name)
	if err != nil {
		return nil, err
	}
	v, err := vg.Values()
	if err != nil {
		return nil, err
	}
	raw, ok := flatten(v)
	if !ok {
		return nil, fmt.Errorf("era5: unexpected type %T for %s", v, name)
	}
	units, _ := attrString(vg.Attributes(), "units")
	unit, epoch, err := parseTimeUnits(units)
	if err != nil {
		return nil, fmt.Errorf("era5: %s: %w", name, err)
	}
	ts := make([]int64, len(raw))
	for i, r := range raw {
		ts[i] = epoch.Add(time.Duration(r * float64(unit))).UnixMilli()
	}
	return ts, nil
}

// parseTimeUnits parses CF units such as "hours since 1900-01-01 00:00:00.0".
// Empty units default to hours since 1900, the ERA5 convention.
func parseTimeUnits(units string) (time.Duration, time.Time, error) {
	if units == "" {
		return time.Hour, time.Unix(unixSecs1900, 0).UTC(), nil
	}
	unitName, since, ok := strings.Cut(units, " since ")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unsupported time units %q", units)
	}
	var unit time.Duration
	switch strings.TrimSpace(unitName) {
	case "seconds", "second", "s":
		unit = time.Second
	case "minutes", "minute":
		unit = time.Minute
	case "hours", "hour", "h":
		unit = time.Hour
	case "days", "day":
		unit = 24 * time.Hour
	default:
		return 0, time.Time{}, fmt.Errorf("unsupported time unit %q", unitName)
	}
	since = strings.TrimSpace(since)
	for _, layout := range []string{"2006-01-02 15:04:05.0", "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, since); err == nil {
			return unit, t.UTC(), nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("unsupported time origin %q", since)
}

// Close closes the file.
func (f *File) Close() {
	f.nc.Close()
}

// Summary returns the summary information about the dataset suitable for
// logging.
func (f *File) Summary() []any {
	return []any{
		"dims", []string{"ts", "lev", "la", "lo"},
		"metrics", f.names,
		"tsCnt", len(f.ts),
		"levCnt", len(f.lev),
		"laCnt", len(f.la),
		"loCnt", len(f.lo),
	}
}

// Variables returns the names of the gridded variables in the file.
func (f *File) Variables() []string {
	return f.names
}

// Levels returns the pressure levels of the file, if any.
func (f *File) Levels() []float64 {
	return f.lev
}

// HasLevels reports whether the named variable has a pressure level
// dimension.
func (f *File) HasLevels(name string) bool {
	return f.leveled[name]
}

// Read reads the first time step of the named variable. For variables with a
// level dimension, level selects the pressure level; nil selects the first.
func (f *File) Read(name string, level *float64) (*Variable, error) {
	if !slices.Contains(f.names, name) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	// Readers of the same file share a seek position.
	f.mu.Lock()
	defer f.mu.Unlock()

	vg, err := f.nc.GetVarGetter(name)
	if err != nil {
		return nil, err
	}
	dims := vg.Dimensions()
	v := &Variable{
		Name:      name,
		Latitude:  f.la,
		Longitude: f.lo,
	}
	am := vg.Attributes()
	v.Units, _ = attrString(am, "units")
	v.LongName, _ = attrString(am, "long_name")
	if len(f.ts) > 0 {
		v.Timestamp = f.ts[0]
	}

	// Only the first time step is read.
	var raw any
	if len(dims) > 2 && slices.Contains(timeNames, dims[0]) {
		raw, err = vg.GetSlice(0, 1)
	} else {
		raw, err = vg.Values()
	}
	if err != nil {
		return nil, fmt.Errorf("era5: reading %s: %w", name, err)
	}
	vals, ok := flatten(raw)
	if !ok {
		return nil, fmt.Errorf("era5: unexpected type %T for %s", raw, name)
	}

	plane := len(f.la) * len(f.lo)
	levelIdx := 0
	if f.leveled[name] {
		v.HasLevel = true
		if level != nil {
			levelIdx = slices.Index(f.lev, *level)
			if levelIdx < 0 {
				return nil, fmt.Errorf("%s at %g hPa: %w", name, *level, ErrNotFound)
			}
		}
		if levelIdx < len(f.lev) {
			v.Level = f.lev[levelIdx]
		}
	}
	if (levelIdx+1)*plane > len(vals) {
		return nil, fmt.Errorf("era5: %s holds %d values, expected at least %d", name, len(vals), (levelIdx+1)*plane)
	}
	vals = vals[levelIdx*plane : (levelIdx+1)*plane]

	scale, hasScale := attrFloat(am, "scale_factor")
	offset, _ := attrFloat(am, "add_offset")
	if !hasScale {
		scale = 1
	}
	fill, hasFill := attrFloat(am, "_FillValue")
	missing, hasMissing := attrFloat(am, "missing_value")
	v.Values = make([]float64, plane)
	for i, r := range vals {
		if (hasFill && r == fill) || (hasMissing && r == missing) || math.IsNaN(r) {
			v.Values[i] = math.NaN()
			continue
		}
		v.Values[i] = r*scale + offset
	}
	return v, nil
}

// flatten converts the nested slices returned by the NetCDF reader to a flat
// float64 slice.
func flatten(v any) ([]float64, bool) {
	switch x := v.(type) {
	case []int8:
		return convert(x), true
	case []int16:
		return convert(x), true
	case []int32:
		return convert(x), true
	case []int64:
		return convert(x), true
	case []float32:
		return convert(x), true
	case []float64:
		return x, true
	case [][]int8:
		return flattenRows(x)
	case [][]int16:
		return flattenRows(x)
	case [][]int32:
		return flattenRows(x)
	case [][]float32:
		return flattenRows(x)
	case [][]float64:
		return flattenRows(x)
	case [][][]int8:
		return flattenRows(x)
	case [][][]int16:
		return flattenRows(x)
	case [][][]int32:
		return flattenRows(x)
	case [][][]float32:
		return flattenRows(x)
	case [][][]float64:
		return flattenRows(x)
	case [][][][]int16:
		return flattenRows(x)
	case [][][][]float32:
		return flattenRows(x)
	case [][][][]float64:
		return flattenRows(x)
	}
	return nil, false
}

func flattenRows[T any](rows []T) ([]float64, bool) {
	var out []float64
	for _, r := range rows {
		v, ok := flatten(r)
		if !ok {
			return nil, false
		}
		out = append(out, v...)
	}
	return out, true
}

func convert[T int8 | int16 | int32 | int64 | float32](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func attrFloat(am api.AttributeMap, key string) (float64, bool) {
	if am == nil {
		return 0, false
	}
	v, ok := am.Get(key)
	if !ok {
		return 0, false
	}
	vals, ok := flatten(v)
	if ok && len(vals) > 0 {
		return vals[0], true
	}
	switch x := v.(type) {
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func attrString(am api.AttributeMap, key string) (string, bool) {
	if am == nil {
		return "", false
	}
	v, ok := am.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
