package grib2_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtm0/wxoverlay/internal/grib2"
	"github.com/rtm0/wxoverlay/internal/grib2/grib2test"
)

var refTime = time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)

func temperature2m() grib2test.Field {
	return grib2test.Field{
		Category:      0,
		Number:        0,
		SurfaceType:   103,
		SurfaceValue:  2,
		ForecastHours: 6,
		RefTime:       refTime,
		LatLon:        &grib2test.LatLon{Ni: 3, Nj: 2, La1: 50, Lo1: -100, Di: 0.5, Dj: 0.5},
		Values:        []float64{250.5, 251, 252.5, 260, 270.1, 280},
		DecimalScale:  1,
	}
}

func visibility() grib2test.Field {
	return grib2test.Field{
		Category:    19,
		Number:      0,
		SurfaceType: 1,
		RefTime:     refTime,
		LatLon:      &grib2test.LatLon{Ni: 2, Nj: 2, La1: 20, Lo1: 260, Di: 1, Dj: 1, ScanMode: grib2.ScanPositiveJ},
		Values:      []float64{100, math.NaN(), 24000, 3000},
	}
}

func TestReadMessages(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("leading garbage")
	require.NoError(t, grib2test.Encode(&buf, temperature2m(), visibility()))
	buf.WriteString("trailing")

	msgs, err := grib2.ReadMessages(&buf)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	tmp := msgs[0].Fields[0]
	assert.Equal(t, 1, tmp.Message)
	assert.Equal(t, int64(len("leading garbage")), tmp.Offset)
	assert.Equal(t, "t2m", tmp.VariableName())
	assert.Equal(t, "TMP", tmp.Parameter().Abbrev)
	assert.Equal(t, "heightAboveGround", tmp.TypeOfLevel())
	assert.Equal(t, 2.0, tmp.Level())
	assert.Equal(t, "2 m above ground", tmp.LevelText())
	assert.Equal(t, refTime, tmp.RefTime)
	assert.Equal(t, refTime.Add(6*time.Hour), tmp.ValidTime())

	ll := tmp.Grid.LatLon
	require.NotNil(t, ll)
	assert.Equal(t, 3, ll.Ni)
	assert.Equal(t, 2, ll.Nj)
	assert.InDelta(t, 50, ll.La1, 1e-9)
	assert.InDelta(t, 260, ll.Lo1, 1e-9)
	assert.InDelta(t, 49.5, ll.La2, 1e-9)
	assert.InDelta(t, 0.5, ll.Di, 1e-9)

	vals, err := tmp.Values()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{250.5, 251, 252.5, 260, 270.1, 280}, vals, 1e-6)

	vis := msgs[1].Fields[0]
	assert.Equal(t, "vis", vis.VariableName())
	assert.Equal(t, "surface", vis.TypeOfLevel())
	assert.Equal(t, "anl", vis.ForecastText())
	assert.Equal(t, uint8(grib2.ScanPositiveJ), vis.Grid.LatLon.ScanMode)
	vals, err = vis.Values()
	require.NoError(t, err)
	require.Len(t, vals, 4)
	assert.Equal(t, 100.0, vals[0])
	assert.True(t, math.IsNaN(vals[1]))
	assert.Equal(t, 24000.0, vals[2])
	assert.Equal(t, 3000.0, vals[3])
}

func TestReaderSkipsGRIB1(t *testing.T) {
	grib1 := make([]byte, 32)
	copy(grib1, "GRIB")
	grib1[6] = 32
	grib1[7] = 1
	copy(grib1[28:], "7777")

	var buf bytes.Buffer
	buf.Write(grib1)
	require.NoError(t, grib2test.Encode(&buf, visibility()))

	r := grib2.NewReader(bytes.NewReader(buf.Bytes()))
	_, err := r.Next()
	require.ErrorIs(t, err, grib2.ErrUnsupportedEdition)

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, m.Number)
	assert.Equal(t, int64(32), m.Offset)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderTruncated(t *testing.T) {
	msg := grib2test.Message(visibility())
	_, err := grib2.ReadMessages(bytes.NewReader(msg[:len(msg)-10]))
	require.Error(t, err)
	assert.True(t, errors.Is(err, grib2.ErrMalformed))
}

func TestReaderDeclaredLength(t *testing.T) {
	tests := []struct {
		name   string
		length uint64
	}{
		{"too short", 12},
		{"over limit", 1 << 40},
		{"beyond stream", 1 << 29},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := grib2test.Message(visibility())
			binary.BigEndian.PutUint64(msg[8:], tt.length)
			_, err := grib2.NewReader(bytes.NewReader(msg)).Next()
			require.Error(t, err)
			assert.ErrorIs(t, err, grib2.ErrMalformed)
		})
	}
}

func TestUnsupportedGridTemplate(t *testing.T) {
	msg := grib2test.Message(visibility())
	// Section 3 follows the 16 octet indicator and 21 octet section 1.
	binary.BigEndian.PutUint16(msg[16+21+12:], 40)

	var buf bytes.Buffer
	buf.Write(msg)
	require.NoError(t, grib2test.Encode(&buf, temperature2m()))
	data := buf.Bytes()

	r := grib2.NewReader(bytes.NewReader(data))
	_, err := r.Next()
	require.ErrorIs(t, err, grib2.ErrUnsupportedTemplate)

	msgs, err := grib2.ReadMessages(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].Number)
	assert.Equal(t, "t2m", msgs[0].Fields[0].VariableName())
}

func TestIsobaricLevel(t *testing.T) {
	f := temperature2m()
	f.SurfaceType = 100
	f.SurfaceValue = 50000

	msgs, err := grib2.ReadMessages(bytes.NewReader(grib2test.Message(f)))
	require.NoError(t, err)
	fld := msgs[0].Fields[0]
	assert.Equal(t, "t", fld.VariableName())
	assert.Equal(t, "isobaricInhPa", fld.TypeOfLevel())
	assert.Equal(t, 500.0, fld.Level())
	assert.Equal(t, "500 mb", fld.LevelText())
}

func TestLambertGrid(t *testing.T) {
	f := grib2test.Field{
		Category:    6,
		Number:      1,
		SurfaceType: 10,
		RefTime:     refTime,
		Lambert: &grib2test.Lambert{
			Nx: 3, Ny: 2,
			La1: 21.138123, Lo1: -122.719528,
			LaD: 38.5, LoV: -97.5,
			Dx: 3000, Dy: 3000,
			Latin1: 38.5, Latin2: 38.5,
			ScanMode: grib2.ScanPositiveJ,
		},
		Values: []float64{0, 10, 20, 30, 40, 100},
	}
	msgs, err := grib2.ReadMessages(bytes.NewReader(grib2test.Message(f)))
	require.NoError(t, err)
	fld := msgs[0].Fields[0]
	assert.Equal(t, "tcc", fld.VariableName())
	assert.Equal(t, "atmosphere", fld.TypeOfLevel())
	assert.Equal(t, "entire atmosphere", fld.LevelText())

	lc := fld.Grid.Lambert
	require.NotNil(t, lc)
	assert.Equal(t, 3, lc.Nx)
	assert.Equal(t, 2, lc.Ny)
	assert.InDelta(t, 21.138123, lc.La1, 1e-6)
	assert.InDelta(t, 237.280472, lc.Lo1, 1e-6)
	assert.InDelta(t, 262.5, lc.LoV, 1e-6)
	assert.InDelta(t, 3000, lc.Dx, 1e-9)
	assert.InDelta(t, 38.5, lc.Latin2, 1e-6)
	assert.Equal(t, 6371229.0, fld.Grid.EarthMajor)

	vals, err := fld.Values()
	require.NoError(t, err)
	assert.InDeltaSlice(t, f.Values, vals, 1e-9)
}

func TestInventory(t *testing.T) {
	first := grib2test.Message(temperature2m())
	var buf bytes.Buffer
	buf.Write(first)
	require.NoError(t, grib2test.Encode(&buf, visibility()))

	msgs, err := grib2.ReadMessages(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var inv bytes.Buffer
	require.NoError(t, grib2.WriteInventory(&inv, msgs))
	lines := strings.Split(strings.TrimSpace(inv.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1:0:d=2024031506:TMP:2 m above ground:6 hour fcst:", lines[0])
	assert.Equal(t, "2:"+strconv.Itoa(len(first))+":d=2024031506:VIS:surface:anl:", lines[1])

	entries, err := grib2.ParseInventory(&inv)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "TMP", entries[0].Variable)
	assert.Equal(t, "2 m above ground", entries[0].Level)
	assert.Equal(t, int64(len(first)), entries[0].Extent)
	assert.Equal(t, refTime, entries[0].RefTime)
	assert.Equal(t, int64(-1), entries[1].Extent)
}

func TestParseInventorySubRecords(t *testing.T) {
	idx := "1:0:d=2024031500:UGRD:10 m above ground:anl:\n" +
		"1.2:0:d=2024031500:VGRD:10 m above ground:anl:\n" +
		"2:5000:d=2024031500:TMP:surface:anl:\n"
	entries, err := grib2.ParseInventory(strings.NewReader(idx))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[1].Sub)
	assert.Equal(t, int64(5000), entries[0].Extent)
	assert.Equal(t, int64(5000), entries[1].Extent)
	assert.Equal(t, int64(-1), entries[2].Extent)

	_, err = grib2.ParseInventory(strings.NewReader("1:0:bad\n"))
	assert.Error(t, err)
}

func TestInventoryEntryString(t *testing.T) {
	idx := "1:0:d=2024031500:UGRD:10 m above ground:anl:\n" +
		"1.2:0:d=2024031500:VGRD:10 m above ground:anl:\n"
	entries, err := grib2.ParseInventory(strings.NewReader(idx))
	require.NoError(t, err)
	assert.Equal(t, "1:0:d=2024031500:UGRD:10 m above ground:anl:", entries[0].String())
	assert.Equal(t, "1.2:0:d=2024031500:VGRD:10 m above ground:anl:", entries[1].String())
}
