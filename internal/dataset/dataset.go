// Package dataset opens gridded meteorological files and extracts named
// variables from them, independent of the file format.
package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/rtm0/wxoverlay/internal/grid"
)

// ErrVariableNotFound is returned by Dataset.Variable when the dataset has
// no variable of the requested name.
var ErrVariableNotFound = errors.New("variable not found")

// ErrUnknownFormat is returned by Open for files that are neither GRIB nor
// NetCDF.
var ErrUnknownFormat = errors.New("unknown file format")

// Filter selects fields by level, like the cfgrib filter_by_keys option.
// The zero Filter keeps every field.
type Filter struct {
	TypeOfLevel string
	Level       *float64
}

func (f Filter) String() string {
	if f.TypeOfLevel == "" && f.Level == nil {
		return "none"
	}
	s := f.TypeOfLevel
	if f.Level != nil {
		s += "=" + strconv.FormatFloat(*f.Level, 'g', -1, 64)
	}
	return s
}

// Match reports whether a field on the given level passes the filter.
func (f Filter) Match(typeOfLevel string, level float64) bool {
	if f.TypeOfLevel != "" && f.TypeOfLevel != typeOfLevel {
		return false
	}
	if f.Level != nil && *f.Level != level {
		return false
	}
	return true
}

// Field is a two-dimensional field ready to be rendered. Values are stored
// j major in the order of the grid, with NaN for missing points.
type Field struct {
	Name        string
	LongName    string
	Units       string
	TypeOfLevel string
	Level       float64
	RefTime     time.Time
	ValidTime   time.Time
	Grid        grid.Grid
	Values      []float64
}

// Dataset is an opened file restricted to the fields matching a Filter.
// Variable may be called concurrently.
type Dataset interface {
	// Variables lists the variable names in file order.
	Variables() []string
	// Variable decodes the first field named name.
	Variable(name string) (*Field, error)
	Close() error
}

// Open opens the file at path. The format is detected from the first bytes
// of the file.
func Open(path string, filter Filter, logger *slog.Logger) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	head = head[:n]

	switch {
	case bytes.Contains(head, []byte("GRIB")):
		return openGRIB(path, filter, logger)
	case bytes.HasPrefix(head, []byte("CDF")), bytes.HasPrefix(head, []byte("\x89HDF")):
		return openNetCDF(path, filter, logger)
	}
	// GRIB files may start with a header before the first message.
	if ok, err := hasGRIBIndicator(path); err != nil {
		return nil, err
	} else if ok {
		return openGRIB(path, filter, logger)
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
}

func hasGRIBIndicator(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	buf := make([]byte, 4096)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return bytes.Contains(buf[:n], []byte("GRIB")), nil
}
