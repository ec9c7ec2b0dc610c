// Package grib2test builds small GRIB2 messages for tests. Fields are always
// written with simple packing (template 5.0) and instantaneous product
// definitions (template 4.0).
package grib2test

import (
	"encoding/binary"
	"io"
	"math"
	"time"
)

// LatLon is a regular latitude/longitude grid. Increments are positive; the
// scan mode gives the direction.
type LatLon struct {
	Ni, Nj   int
	La1, Lo1 float64
	Di, Dj   float64
	ScanMode uint8
}

// Lambert is a Lambert conformal grid with grid lengths in metres.
type Lambert struct {
	Nx, Ny         int
	La1, Lo1       float64
	LaD, LoV       float64
	Dx, Dy         float64
	Latin1, Latin2 float64
	ScanMode       uint8
}

// Field describes one message. Values holds NaN where the bitmap should mask
// the point.
type Field struct {
	Discipline    uint8
	Category      uint8
	Number        uint8
	SurfaceType   uint8
	SurfaceValue  float64
	ForecastHours int
	RefTime       time.Time
	LatLon        *LatLon
	Lambert       *Lambert
	Values        []float64
	DecimalScale  int
	Bits          int // default 16
}

// Encode writes one GRIB2 message per field to w.
func Encode(w io.Writer, fields ...Field) error {
	for _, f := range fields {
		if _, err := w.Write(Message(f)); err != nil {
			return err
		}
	}
	return nil
}

// Message encodes f as a complete GRIB2 message.
func Message(f Field) []byte {
	var body []byte
	body = append(body, section1(f)...)
	body = append(body, section3(f)...)
	body = append(body, section4(f)...)
	s5, s6, s7 := packSimple(f)
	body = append(body, s5...)
	body = append(body, s6...)
	body = append(body, s7...)
	body = append(body, "7777"...)

	s0 := make([]byte, 16)
	copy(s0, "GRIB")
	s0[6] = f.Discipline
	s0[7] = 2
	binary.BigEndian.PutUint64(s0[8:], uint64(16+len(body)))
	return append(s0, body...)
}

func header(n int, num byte) []byte {
	b := make([]byte, n)
	binary.BigEndian.PutUint32(b, uint32(n))
	b[4] = num
	return b
}

func section1(f Field) []byte {
	b := header(21, 1)
	binary.BigEndian.PutUint16(b[5:], 7) // NCEP
	b[9] = 2
	b[10] = 1
	b[11] = 1
	t := f.RefTime.UTC()
	binary.BigEndian.PutUint16(b[12:], uint16(t.Year()))
	b[14] = byte(t.Month())
	b[15] = byte(t.Day())
	b[16] = byte(t.Hour())
	b[17] = byte(t.Minute())
	b[18] = byte(t.Second())
	b[20] = 1
	return b
}

func section3(f Field) []byte {
	if f.Lambert != nil {
		g := f.Lambert
		b := header(81, 3)
		binary.BigEndian.PutUint32(b[6:], uint32(g.Nx*g.Ny))
		binary.BigEndian.PutUint16(b[12:], 30)
		b[14] = 6
		binary.BigEndian.PutUint32(b[30:], uint32(g.Nx))
		binary.BigEndian.PutUint32(b[34:], uint32(g.Ny))
		putSM32(b[38:], micro(g.La1))
		putSM32(b[42:], micro(lon360(g.Lo1)))
		b[46] = 0x08
		putSM32(b[47:], micro(g.LaD))
		putSM32(b[51:], micro(lon360(g.LoV)))
		binary.BigEndian.PutUint32(b[55:], uint32(math.Round(g.Dx*1e3)))
		binary.BigEndian.PutUint32(b[59:], uint32(math.Round(g.Dy*1e3)))
		b[64] = g.ScanMode
		putSM32(b[65:], micro(g.Latin1))
		putSM32(b[69:], micro(g.Latin2))
		return b
	}

	g := f.LatLon
	b := header(72, 3)
	binary.BigEndian.PutUint32(b[6:], uint32(g.Ni*g.Nj))
	b[14] = 6
	binary.BigEndian.PutUint32(b[30:], uint32(g.Ni))
	binary.BigEndian.PutUint32(b[34:], uint32(g.Nj))
	binary.BigEndian.PutUint32(b[42:], 0xffffffff)
	di, dj := g.Di, -g.Dj
	if g.ScanMode&0x80 != 0 {
		di = -g.Di
	}
	if g.ScanMode&0x40 != 0 {
		dj = g.Dj
	}
	putSM32(b[46:], micro(g.La1))
	putSM32(b[50:], micro(lon360(g.Lo1)))
	b[54] = 0x30
	putSM32(b[55:], micro(g.La1+float64(g.Nj-1)*dj))
	putSM32(b[59:], micro(lon360(g.Lo1+float64(g.Ni-1)*di)))
	binary.BigEndian.PutUint32(b[63:], uint32(micro(g.Di)))
	binary.BigEndian.PutUint32(b[67:], uint32(micro(g.Dj)))
	b[71] = g.ScanMode
	return b
}

func section4(f Field) []byte {
	b := header(34, 4)
	b[9] = f.Category
	b[10] = f.Number
	b[11] = 2
	b[13] = 96
	b[17] = 1
	putSM32(b[18:], f.ForecastHours)
	b[22] = f.SurfaceType
	scale := 0
	v := f.SurfaceValue
	for v != math.Trunc(v) && scale < 6 {
		v *= 10
		scale++
	}
	b[23] = byte(scale)
	putSM32(b[24:], int(math.Round(v)))
	b[28] = 255
	b[29] = 255
	binary.BigEndian.PutUint32(b[30:], 0xffffffff)
	return b
}

func packSimple(f Field) (s5, s6, s7 []byte) {
	bits := f.Bits
	if bits == 0 {
		bits = 16
	}
	dec := math.Pow10(f.DecimalScale)

	var present []float64
	masked := false
	for _, v := range f.Values {
		if math.IsNaN(v) {
			masked = true
			continue
		}
		present = append(present, v*dec)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range present {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if len(present) == 0 {
		lo, hi = 0, 0
	}
	ref := float64(float32(math.Floor(lo)))
	e := 0
	for (hi-ref)/math.Pow(2, float64(e)) > math.Pow(2, float64(bits))-1 {
		e++
	}

	s5 = header(21, 5)
	binary.BigEndian.PutUint32(s5[5:], uint32(len(present)))
	binary.BigEndian.PutUint32(s5[11:], math.Float32bits(float32(ref)))
	putSM16(s5[15:], e)
	putSM16(s5[17:], f.DecimalScale)
	s5[19] = byte(bits)

	if masked {
		bm := make([]byte, (len(f.Values)+7)/8)
		for i, v := range f.Values {
			if !math.IsNaN(v) {
				bm[i/8] |= 0x80 >> (i % 8)
			}
		}
		s6 = append(header(6, 6), bm...)
		binary.BigEndian.PutUint32(s6, uint32(len(s6)))
	} else {
		s6 = header(6, 6)
		s6[5] = 255
	}

	var bw bitWriter
	for _, v := range present {
		bw.write(uint64(math.Round((v-ref)/math.Pow(2, float64(e)))), bits)
	}
	s7 = append(header(5, 7), bw.buf...)
	binary.BigEndian.PutUint32(s7, uint32(len(s7)))
	return s5, s6, s7
}

func micro(deg float64) int {
	return int(math.Round(deg * 1e6))
}

func lon360(lon float64) float64 {
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}
	return lon
}

func putSM32(b []byte, v int) {
	u := uint32(v)
	if v < 0 {
		u = uint32(-v) | 0x80000000
	}
	binary.BigEndian.PutUint32(b, u)
}

func putSM16(b []byte, v int) {
	u := uint16(v)
	if v < 0 {
		u = uint16(-v) | 0x8000
	}
	binary.BigEndian.PutUint16(b, u)
}

// bitWriter appends big-endian bit fields.
type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) write(v uint64, n int) {
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
