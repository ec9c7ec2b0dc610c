// Package grib2 decodes WMO GRIB edition 2 messages.
//
// Only the grid, product and packing templates used by the common NCEP and
// ECMWF model products are supported: regular latitude/longitude and Lambert
// conformal grids, the instantaneous and statistically processed product
// templates, and simple, complex and PNG packing. Everything else is reported
// with ErrUnsupportedTemplate so that callers can skip the message and keep
// reading the file.
package grib2

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

var (
	// ErrUnsupportedEdition is returned for GRIB messages of an edition
	// other than 2. The message has been consumed and reading may continue.
	ErrUnsupportedEdition = errors.New("grib2: unsupported GRIB edition")
	// ErrUnsupportedTemplate is returned when a message uses a grid,
	// product or data representation template this package cannot decode.
	ErrUnsupportedTemplate = errors.New("grib2: unsupported template")
	// ErrMalformed is returned when a message is truncated or its sections
	// are inconsistent.
	ErrMalformed = errors.New("grib2: malformed message")
)

// Message is a single GRIB2 message. A message carries one or more fields
// when sections 2 to 7 are repeated.
type Message struct {
	Number     int   // 1-based position in the stream
	Offset     int64 // byte offset of the "GRIB" indicator
	Length     int64
	Discipline uint8
	Fields     []*Field
}

// Field is one decoded product within a message. The metadata is available
// immediately; the data values are unpacked on demand by Values.
type Field struct {
	Message    int // 1-based message number
	Sub        int // 1-based field number within the message
	Offset     int64
	Discipline uint8
	Centre     uint16
	RefTime    time.Time
	Grid       GridDefinition
	Product    ProductDefinition

	drsTemplate uint16
	drs         []byte // data representation template octets
	packed      int    // number of packed values
	bitmap      []byte // nil when every grid point has a value
	data        []byte
}

// Surface is a fixed surface from Code Table 4.5 together with its value in
// SI units.
type Surface struct {
	Type    uint8
	Value   float64
	Missing bool
}

// ProductDefinition carries the octets shared by product definition
// templates 4.0 to 4.15.
type ProductDefinition struct {
	Template          uint16
	Category          uint8
	Number            uint8
	GeneratingProcess uint8
	TimeUnit          uint8
	ForecastTime      int
	Surface1          Surface
	Surface2          Surface
}

// GridDefinition describes the grid of a field. Exactly one of LatLon and
// Lambert is set.
type GridDefinition struct {
	Template   uint16
	Points     int
	EarthMajor float64 // metres
	EarthMinor float64 // metres
	LatLon     *LatLonGrid
	Lambert    *LambertGrid
}

// LatLonGrid is Grid Definition Template 3.0. Angles are in degrees.
type LatLonGrid struct {
	Ni, Nj   int
	La1, Lo1 float64
	La2, Lo2 float64
	Di, Dj   float64
	ScanMode uint8
}

// LambertGrid is Grid Definition Template 3.30. Angles are in degrees and
// grid lengths in metres.
type LambertGrid struct {
	Nx, Ny         int
	La1, Lo1       float64
	LaD, LoV       float64
	Dx, Dy         float64
	Latin1, Latin2 float64
	SouthPole      bool
	ScanMode       uint8
}

// Scanning mode flags from Flag Table 3.4.
const (
	ScanNegativeI   = 0x80 // points of the first row scan in the -i direction
	ScanPositiveJ   = 0x40 // rows scan in the +j direction (south to north)
	ScanConsecutive = 0x20 // adjacent points in j direction are consecutive
	ScanAlternating = 0x10 // adjacent rows scan in opposite directions
)

// ValidTime returns the reference time plus the forecast offset.
func (f *Field) ValidTime() time.Time {
	return f.RefTime.Add(forecastDuration(f.Product.TimeUnit, f.Product.ForecastTime))
}

// Size returns the number of points along i and j.
func (g GridDefinition) Size() (ni, nj int) {
	switch {
	case g.LatLon != nil:
		return g.LatLon.Ni, g.LatLon.Nj
	case g.Lambert != nil:
		return g.Lambert.Nx, g.Lambert.Ny
	}
	return 0, 0
}

func forecastDuration(unit uint8, v int) time.Duration {
	d := time.Duration(v)
	switch unit {
	case 0:
		return d * time.Minute
	case 1:
		return d * time.Hour
	case 2:
		return d * 24 * time.Hour
	case 10:
		return d * 3 * time.Hour
	case 11:
		return d * 6 * time.Hour
	case 12:
		return d * 12 * time.Hour
	case 13:
		return d * time.Second
	}
	return 0
}

// GRIB2 stores signed integers as sign and magnitude, not two's complement.

func int8sm(b byte) int {
	if b&0x80 != 0 {
		return -int(b & 0x7f)
	}
	return int(b)
}

func int16sm(b []byte) int {
	v := binary.BigEndian.Uint16(b)
	if v&0x8000 != 0 {
		return -int(v & 0x7fff)
	}
	return int(v)
}

func int32sm(b []byte) int {
	v := binary.BigEndian.Uint32(b)
	if v&0x80000000 != 0 {
		return -int(v & 0x7fffffff)
	}
	return int(v)
}

// intNsm decodes an n-octet sign and magnitude integer.
func intNsm(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	neg := b[0]&0x80 != 0
	v := int64(b[0] & 0x7f)
	for _, c := range b[1:] {
		v = v<<8 | int64(c)
	}
	if neg {
		return -v
	}
	return v
}

func uint32At(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func float32At(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

// scaled returns value / 10^scale for a scale factor and scaled value pair.
func scaled(scale byte, value []byte) float64 {
	return float64(int32sm(value)) / math.Pow10(int8sm(scale))
}
