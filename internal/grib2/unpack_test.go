package grib2

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBits struct {
	buf  []byte
	nbit int
}

func (w *testBits) put(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> (w.nbit % 8)
		}
		w.nbit++
	}
}

func (w *testBits) align() {
	w.nbit = len(w.buf) * 8
}

func TestBitReader(t *testing.T) {
	br := bitReader{buf: []byte{0b10110011, 0b01010101, 0xff}}
	v, err := br.read(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b101), v)
	v, err = br.read(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b1001101), v)
	br.align()
	v, err = br.read(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xff), v)
	_, err = br.read(1)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSignMagnitude(t *testing.T) {
	assert.Equal(t, -5, int16sm([]byte{0x80, 0x05}))
	assert.Equal(t, 5, int16sm([]byte{0x00, 0x05}))
	assert.Equal(t, -1, int32sm([]byte{0x80, 0, 0, 1}))
	assert.Equal(t, int64(-258), intNsm([]byte{0x81, 0x02}))
	assert.Equal(t, -3, int8sm(0x83))
}

func TestUnpackComplexSpatialDifferencing(t *testing.T) {
	// Original values 10 12 15 20 26 31: first order differences 2 3 5 6 5,
	// minimum 2, stored as 0 0 | 1 3 4 3 in two groups.
	tpl := make([]byte, 38)
	tpl[8] = 1                                // bits per group reference
	tpl[10] = 1                               // general group splitting
	binary.BigEndian.PutUint32(tpl[20:], 2)   // groups
	tpl[25] = 2                               // bits per group width
	binary.BigEndian.PutUint32(tpl[26:], 2)   // group length reference
	tpl[30] = 1                               // group length increment
	binary.BigEndian.PutUint32(tpl[31:], 4)   // last group length
	tpl[35] = 2                               // bits per group length
	tpl[36] = 1                               // first order
	tpl[37] = 2                               // descriptor octets

	var w testBits
	w.put(10, 16) // ival1
	w.put(2, 16)  // minsd
	w.put(0, 1)
	w.put(1, 1)
	w.align()
	w.put(0, 2)
	w.put(2, 2)
	w.align()
	w.put(0, 2)
	w.put(2, 2)
	w.align()
	for _, x := range []uint64{0, 2, 3, 2} {
		w.put(x, 2)
	}

	vals, err := unpackComplex(tpl, w.buf, 6, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 12, 15, 20, 26, 31}, vals)

	_, err = unpackComplex(tpl, w.buf, 7, true)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnpackComplexSecondOrder(t *testing.T) {
	// Values 5 7 10 14 19: second differences 1 1 1, stored with minsd 1 as
	// a single constant group of zeros.
	tpl := make([]byte, 38)
	binary.BigEndian.PutUint32(tpl[20:], 1)
	binary.BigEndian.PutUint32(tpl[31:], 5)
	tpl[36] = 2
	tpl[37] = 1

	var w testBits
	w.put(5, 8)
	w.put(7, 8)
	w.put(1, 8)

	vals, err := unpackComplex(tpl, w.buf, 5, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 10, 14, 19}, vals)
}

func TestUnpackComplexMissing(t *testing.T) {
	tpl := make([]byte, 36)
	binary.BigEndian.PutUint32(tpl[0:], math.Float32bits(0))
	binary.BigEndian.PutUint16(tpl[6:], 1) // D=1
	tpl[8] = 4
	tpl[11] = 1 // primary missing values
	binary.BigEndian.PutUint32(tpl[20:], 1)
	tpl[25] = 2
	binary.BigEndian.PutUint32(tpl[31:], 3)

	var w testBits
	w.put(5, 4) // group reference
	w.align()
	w.put(2, 2) // width
	w.align()
	w.align()
	for _, x := range []uint64{0, 3, 1} {
		w.put(x, 2)
	}

	vals, err := unpackComplex(tpl, w.buf, 3, false)
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.InDelta(t, 0.5, vals[0], 1e-12)
	assert.True(t, math.IsNaN(vals[1]))
	assert.InDelta(t, 0.6, vals[2], 1e-12)
}

func TestUnpackPNG(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	copy(img.Pix, []byte{0, 1, 2, 3, 4, 5})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	tpl := make([]byte, 10)
	binary.BigEndian.PutUint32(tpl[0:], math.Float32bits(100))
	binary.BigEndian.PutUint16(tpl[6:], 1)
	tpl[8] = 8

	vals, err := unpackPNG(tpl, buf.Bytes(), 6)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{10, 10.1, 10.2, 10.3, 10.4, 10.5}, vals, 1e-9)

	_, err = unpackPNG(tpl, buf.Bytes(), 4)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnpackSimpleConstant(t *testing.T) {
	tpl := make([]byte, 10)
	binary.BigEndian.PutUint32(tpl[0:], math.Float32bits(273.5))
	vals, err := unpackSimple(tpl, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{273.5, 273.5, 273.5, 273.5}, vals)
}
