package grib2

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
)

func supportedPacking(tpl uint16) bool {
	switch tpl {
	case 0, 2, 3, 41:
		return true
	}
	return false
}

// Values unpacks the field data. The result is in grid storage order, j
// major, with NaN at points masked out by the bitmap or flagged missing by
// complex packing.
func (f *Field) Values() ([]float64, error) {
	n := f.Grid.Points
	present := n
	if f.bitmap != nil {
		if len(f.bitmap)*8 < n {
			return nil, fmt.Errorf("bitmap holds %d bits for %d points: %w", len(f.bitmap)*8, n, ErrMalformed)
		}
		present = 0
		for i := 0; i < n; i++ {
			if bitSet(f.bitmap, i) {
				present++
			}
		}
	}
	if present != f.packed {
		return nil, fmt.Errorf("%d packed values for %d grid points: %w", f.packed, present, ErrMalformed)
	}

	var (
		vals []float64
		err  error
	)
	switch f.drsTemplate {
	case 0:
		vals, err = unpackSimple(f.drs, f.data, f.packed)
	case 2:
		vals, err = unpackComplex(f.drs, f.data, f.packed, false)
	case 3:
		vals, err = unpackComplex(f.drs, f.data, f.packed, true)
	case 41:
		vals, err = unpackPNG(f.drs, f.data, f.packed)
	default:
		err = fmt.Errorf("data representation template 5.%d: %w", f.drsTemplate, ErrUnsupportedTemplate)
	}
	if err != nil {
		return nil, err
	}
	if f.bitmap == nil {
		return vals, nil
	}

	out := make([]float64, n)
	k := 0
	for i := range out {
		if bitSet(f.bitmap, i) {
			out[i] = vals[k]
			k++
		} else {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

func bitSet(b []byte, i int) bool {
	return b[i>>3]&(0x80>>(i&7)) != 0
}

// packing holds the octets shared by every data representation template.
type packing struct {
	ref   float64
	bin   float64 // 2^E
	dec   float64 // 10^D
	nbits int
}

func newPacking(tpl []byte) (packing, error) {
	if len(tpl) < 10 {
		return packing{}, fmt.Errorf("data representation template length %d: %w", len(tpl), ErrMalformed)
	}
	return packing{
		ref:   float32At(tpl[0:4]),
		bin:   math.Pow(2, float64(int16sm(tpl[4:6]))),
		dec:   math.Pow10(int16sm(tpl[6:8])),
		nbits: int(tpl[8]),
	}, nil
}

func (p packing) value(x float64) float64 {
	return (p.ref + x*p.bin) / p.dec
}

func unpackSimple(tpl, data []byte, n int) ([]float64, error) {
	p, err := newPacking(tpl)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	if p.nbits == 0 {
		v := p.value(0)
		for i := range out {
			out[i] = v
		}
		return out, nil
	}
	br := bitReader{buf: data}
	for i := range out {
		x, err := br.read(p.nbits)
		if err != nil {
			return nil, err
		}
		out[i] = p.value(float64(x))
	}
	return out, nil
}

// unpackComplex decodes templates 5.2 and 5.3: values are split into groups,
// each with its own reference and bit width, optionally after first or
// second order spatial differencing.
func unpackComplex(tpl, data []byte, n int, spatial bool) ([]float64, error) {
	p, err := newPacking(tpl)
	if err != nil {
		return nil, err
	}
	need := 36
	if spatial {
		need = 38
	}
	if len(tpl) < need {
		return nil, fmt.Errorf("complex packing template length %d: %w", len(tpl), ErrMalformed)
	}
	var (
		missingMgmt = tpl[11]
		ng          = int(uint32At(tpl[20:24]))
		refWidth    = uint64(tpl[24])
		widthBits   = int(tpl[25])
		refLength   = uint64(uint32At(tpl[26:30]))
		lengthIncr  = uint64(tpl[30])
		lastLength  = uint64(uint32At(tpl[31:35]))
		lengthBits  = int(tpl[35])
	)
	if missingMgmt > 2 {
		return nil, fmt.Errorf("missing value management %d: %w", missingMgmt, ErrUnsupportedTemplate)
	}

	br := bitReader{buf: data}
	var (
		order        int
		ival1, ival2 int64
		minsd        int64
	)
	if spatial {
		order = int(tpl[36])
		octets := int(tpl[37])
		if order != 1 && order != 2 {
			return nil, fmt.Errorf("spatial differencing order %d: %w", order, ErrUnsupportedTemplate)
		}
		if octets == 0 || octets > 8 {
			return nil, fmt.Errorf("spatial differencing descriptor octets %d: %w", octets, ErrMalformed)
		}
		desc := func() (int64, error) {
			b, err := br.bytes(octets)
			if err != nil {
				return 0, err
			}
			return intNsm(b), nil
		}
		if ival1, err = desc(); err != nil {
			return nil, err
		}
		if order == 2 {
			if ival2, err = desc(); err != nil {
				return nil, err
			}
		}
		if minsd, err = desc(); err != nil {
			return nil, err
		}
	}

	refs := make([]uint64, ng)
	for i := range refs {
		if refs[i], err = br.read(p.nbits); err != nil {
			return nil, err
		}
	}
	br.align()
	widths := make([]int, ng)
	for i := range widths {
		w, err := br.read(widthBits)
		if err != nil {
			return nil, err
		}
		widths[i] = int(refWidth + w)
	}
	br.align()
	lengths := make([]int, ng)
	total := 0
	for i := range lengths {
		l, err := br.read(lengthBits)
		if err != nil {
			return nil, err
		}
		lengths[i] = int(refLength + l*lengthIncr)
		if i == ng-1 {
			lengths[i] = int(lastLength)
		}
		total += lengths[i]
	}
	br.align()
	if total != n {
		return nil, fmt.Errorf("groups hold %d values, expected %d: %w", total, n, ErrMalformed)
	}

	ints := make([]int64, n)
	missing := make([]bool, n)
	k := 0
	refMissing := ones(p.nbits)
	for g := 0; g < ng; g++ {
		w := widths[g]
		for l := 0; l < lengths[g]; l++ {
			if w == 0 {
				ints[k] = int64(refs[g])
				if missingMgmt != 0 && p.nbits > 0 && (refs[g] == refMissing || (missingMgmt == 2 && refs[g] == refMissing-1)) {
					missing[k] = true
				}
			} else {
				x, err := br.read(w)
				if err != nil {
					return nil, err
				}
				m := ones(w)
				if missingMgmt != 0 && (x == m || (missingMgmt == 2 && x == m-1)) {
					missing[k] = true
				}
				ints[k] = int64(refs[g] + x)
			}
			k++
		}
	}

	if spatial {
		var prev, prev2 int64
		seen := 0
		for i := range ints {
			if missing[i] {
				continue
			}
			var v int64
			switch {
			case seen == 0:
				v = ival1
			case seen == 1 && order == 2:
				v = ival2
			case order == 1:
				v = ints[i] + minsd + prev
			default:
				v = ints[i] + minsd + 2*prev - prev2
			}
			prev2, prev = prev, v
			ints[i] = v
			seen++
		}
	}

	out := make([]float64, n)
	for i, x := range ints {
		if missing[i] {
			out[i] = math.NaN()
			continue
		}
		out[i] = p.value(float64(x))
	}
	return out, nil
}

// unpackPNG decodes template 5.41: the packed integers are the samples of a
// PNG image.
func unpackPNG(tpl, data []byte, n int) ([]float64, error) {
	p, err := newPacking(tpl)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	if p.nbits == 0 || len(data) == 0 {
		v := p.value(0)
		for i := range out {
			out[i] = v
		}
		return out, nil
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("png packing: %v: %w", err, ErrMalformed)
	}
	b := img.Bounds()
	if b.Dx()*b.Dy() != n {
		return nil, fmt.Errorf("png packing: %dx%d image for %d values: %w", b.Dx(), b.Dy(), n, ErrMalformed)
	}

	var sample func(i int) uint64
	switch im := img.(type) {
	case *image.Gray:
		sample = func(i int) uint64 { return uint64(im.Pix[i]) }
	case *image.Gray16:
		sample = func(i int) uint64 { return uint64(im.Pix[2*i])<<8 | uint64(im.Pix[2*i+1]) }
	case *image.RGBA:
		sample = func(i int) uint64 {
			px := im.Pix[4*i : 4*i+4]
			return uint64(px[0])<<16 | uint64(px[1])<<8 | uint64(px[2])
		}
	case *image.NRGBA:
		sample = func(i int) uint64 {
			px := im.Pix[4*i : 4*i+4]
			return uint64(px[0])<<24 | uint64(px[1])<<16 | uint64(px[2])<<8 | uint64(px[3])
		}
	default:
		return nil, fmt.Errorf("png packing: image type %T: %w", img, ErrUnsupportedTemplate)
	}
	if p.nbits < 8 {
		return nil, fmt.Errorf("png packing: depth %d: %w", p.nbits, ErrUnsupportedTemplate)
	}
	for i := range out {
		out[i] = p.value(float64(sample(i)))
	}
	return out, nil
}

func ones(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return 1<<uint(n) - 1
}

// bitReader reads big-endian bit fields.
type bitReader struct {
	buf []byte
	pos int // in bits
}

func (b *bitReader) read(n int) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	if n > 64 {
		return 0, fmt.Errorf("%d-bit field: %w", n, ErrMalformed)
	}
	if b.pos+n > len(b.buf)*8 {
		return 0, fmt.Errorf("data section exhausted: %w", ErrMalformed)
	}
	var v uint64
	for n > 0 {
		byteIdx, bit := b.pos>>3, b.pos&7
		avail := 8 - bit
		take := avail
		if take > n {
			take = n
		}
		chunk := uint64(b.buf[byteIdx]>>(avail-take)) & ones(take)
		v = v<<uint(take) | chunk
		b.pos += take
		n -= take
	}
	return v, nil
}

func (b *bitReader) align() {
	b.pos = (b.pos + 7) &^ 7
}

func (b *bitReader) bytes(n int) ([]byte, error) {
	b.align()
	start := b.pos >> 3
	if start+n > len(b.buf) {
		return nil, fmt.Errorf("data section exhausted: %w", ErrMalformed)
	}
	b.pos += n * 8
	return b.buf[start : start+n], nil
}
