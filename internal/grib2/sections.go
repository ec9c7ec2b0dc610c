package grib2

import (
	"encoding/binary"
	"fmt"
	"time"
)

// parseMessage splits a complete message into its fields. buf starts with
// the indicator section and ends with the "7777" end section.
func parseMessage(buf []byte, number int, offset int64) (*Message, error) {
	if string(buf[len(buf)-4:]) != "7777" {
		return nil, fmt.Errorf("missing end section: %w", ErrMalformed)
	}
	m := &Message{
		Number:     number,
		Offset:     offset,
		Length:     int64(len(buf)),
		Discipline: buf[6],
	}

	var (
		centre  uint16
		refTime time.Time
		gd      *GridDefinition
		pd      *ProductDefinition
		drs     []byte
		bitmap  []byte
		lastBM  []byte
	)
	pos := indicatorLen
	end := len(buf) - 4
	for pos < end {
		if pos+5 > end {
			return nil, fmt.Errorf("section header at %d: %w", pos, ErrMalformed)
		}
		n := int(binary.BigEndian.Uint32(buf[pos:]))
		if n < 5 || pos+n > end {
			return nil, fmt.Errorf("section length %d at %d: %w", n, pos, ErrMalformed)
		}
		sec := buf[pos : pos+n]
		switch sec[4] {
		case 1:
			if n < 21 {
				return nil, fmt.Errorf("section 1 length %d: %w", n, ErrMalformed)
			}
			centre = binary.BigEndian.Uint16(sec[5:7])
			refTime = time.Date(int(binary.BigEndian.Uint16(sec[12:14])), time.Month(sec[14]),
				int(sec[15]), int(sec[16]), int(sec[17]), int(sec[18]), 0, time.UTC)
		case 2:
			// local use
		case 3:
			g, err := parseGrid(sec)
			if err != nil {
				return nil, err
			}
			gd = g
		case 4:
			p, err := parseProduct(sec)
			if err != nil {
				return nil, err
			}
			pd = p
		case 5:
			if n < 11 {
				return nil, fmt.Errorf("section 5 length %d: %w", n, ErrMalformed)
			}
			drs = sec
		case 6:
			if n < 6 {
				return nil, fmt.Errorf("section 6 length %d: %w", n, ErrMalformed)
			}
			switch ind := sec[5]; ind {
			case 0:
				bitmap = sec[6:]
				lastBM = bitmap
			case 254:
				if lastBM == nil {
					return nil, fmt.Errorf("bitmap reuse without a previous bitmap: %w", ErrMalformed)
				}
				bitmap = lastBM
			case 255:
				bitmap = nil
			default:
				return nil, fmt.Errorf("predefined bitmap %d: %w", ind, ErrUnsupportedTemplate)
			}
		case 7:
			if gd == nil || pd == nil || drs == nil {
				return nil, fmt.Errorf("data section before grid, product or data representation: %w", ErrMalformed)
			}
			f := &Field{
				Message:     number,
				Sub:         len(m.Fields) + 1,
				Offset:      offset,
				Discipline:  m.Discipline,
				Centre:      centre,
				RefTime:     refTime,
				Grid:        *gd,
				Product:     *pd,
				drsTemplate: binary.BigEndian.Uint16(drs[9:11]),
				drs:         drs[11:],
				packed:      int(binary.BigEndian.Uint32(drs[5:9])),
				bitmap:      bitmap,
				data:        sec[5:],
			}
			if !supportedPacking(f.drsTemplate) {
				return nil, fmt.Errorf("data representation template 5.%d: %w", f.drsTemplate, ErrUnsupportedTemplate)
			}
			m.Fields = append(m.Fields, f)
		default:
			return nil, fmt.Errorf("unknown section %d: %w", sec[4], ErrMalformed)
		}
		pos += n
	}
	if len(m.Fields) == 0 {
		return nil, fmt.Errorf("no data section: %w", ErrMalformed)
	}
	return m, nil
}

func parseGrid(sec []byte) (*GridDefinition, error) {
	if len(sec) < 14 {
		return nil, fmt.Errorf("section 3 length %d: %w", len(sec), ErrMalformed)
	}
	gd := &GridDefinition{
		Template: binary.BigEndian.Uint16(sec[12:14]),
		Points:   int(binary.BigEndian.Uint32(sec[6:10])),
	}
	if sec[5] != 0 {
		return nil, fmt.Errorf("grid source %d: %w", sec[5], ErrUnsupportedTemplate)
	}
	switch gd.Template {
	case 0:
		if len(sec) < 72 {
			return nil, fmt.Errorf("template 3.0 length %d: %w", len(sec), ErrMalformed)
		}
		gd.EarthMajor, gd.EarthMinor = earthShape(sec)
		unit := 1e-6
		basic, sub := uint32At(sec[38:42]), uint32At(sec[42:46])
		if basic != 0 && basic != 0xffffffff && sub != 0 && sub != 0xffffffff {
			unit = float64(basic) / float64(sub)
		}
		gd.LatLon = &LatLonGrid{
			Ni:       int(uint32At(sec[30:34])),
			Nj:       int(uint32At(sec[34:38])),
			La1:      float64(int32sm(sec[46:50])) * unit,
			Lo1:      float64(int32sm(sec[50:54])) * unit,
			La2:      float64(int32sm(sec[55:59])) * unit,
			Lo2:      float64(int32sm(sec[59:63])) * unit,
			Di:       float64(uint32At(sec[63:67])) * unit,
			Dj:       float64(uint32At(sec[67:71])) * unit,
			ScanMode: sec[71],
		}
	case 30:
		if len(sec) < 81 {
			return nil, fmt.Errorf("template 3.30 length %d: %w", len(sec), ErrMalformed)
		}
		gd.EarthMajor, gd.EarthMinor = earthShape(sec)
		const unit = 1e-6
		gd.Lambert = &LambertGrid{
			Nx:        int(uint32At(sec[30:34])),
			Ny:        int(uint32At(sec[34:38])),
			La1:       float64(int32sm(sec[38:42])) * unit,
			Lo1:       float64(int32sm(sec[42:46])) * unit,
			LaD:       float64(int32sm(sec[47:51])) * unit,
			LoV:       float64(int32sm(sec[51:55])) * unit,
			Dx:        float64(uint32At(sec[55:59])) * 1e-3,
			Dy:        float64(uint32At(sec[59:63])) * 1e-3,
			SouthPole: sec[63]&0x80 != 0,
			ScanMode:  sec[64],
			Latin1:    float64(int32sm(sec[65:69])) * unit,
			Latin2:    float64(int32sm(sec[69:73])) * unit,
		}
	default:
		return nil, fmt.Errorf("grid definition template 3.%d: %w", gd.Template, ErrUnsupportedTemplate)
	}
	ni, nj := gd.Size()
	if ni*nj != gd.Points {
		return nil, fmt.Errorf("grid %dx%d does not hold %d points: %w", ni, nj, gd.Points, ErrMalformed)
	}
	return gd, nil
}

// earthShape decodes Code Table 3.2 into the semi-major and semi-minor axes.
func earthShape(sec []byte) (major, minor float64) {
	switch sec[14] {
	case 0:
		return 6367470, 6367470
	case 1:
		r := scaled(sec[15], sec[16:20])
		return r, r
	case 2:
		return 6378160, 6356775
	case 3:
		return scaled(sec[20], sec[21:25]) * 1000, scaled(sec[25], sec[26:30]) * 1000
	case 4, 5:
		return 6378137, 6356752.314
	case 7:
		return scaled(sec[20], sec[21:25]), scaled(sec[25], sec[26:30])
	case 8:
		return 6371200, 6371200
	case 9:
		return 6377563.396, 6356256.909
	}
	return 6371229, 6371229
}

func parseProduct(sec []byte) (*ProductDefinition, error) {
	if len(sec) < 9 {
		return nil, fmt.Errorf("section 4 length %d: %w", len(sec), ErrMalformed)
	}
	tpl := binary.BigEndian.Uint16(sec[7:9])
	switch tpl {
	case 0, 1, 2, 8, 11, 12:
	default:
		return nil, fmt.Errorf("product definition template 4.%d: %w", tpl, ErrUnsupportedTemplate)
	}
	if len(sec) < 34 {
		return nil, fmt.Errorf("template 4.%d length %d: %w", tpl, len(sec), ErrMalformed)
	}
	return &ProductDefinition{
		Template:          tpl,
		Category:          sec[9],
		Number:            sec[10],
		GeneratingProcess: sec[11],
		TimeUnit:          sec[17],
		ForecastTime:      int32sm(sec[18:22]),
		Surface1:          surface(sec[22], sec[23], sec[24:28]),
		Surface2:          surface(sec[28], sec[29], sec[30:34]),
	}, nil
}

func surface(typ, scale byte, value []byte) Surface {
	s := Surface{Type: typ}
	if typ == 255 {
		s.Missing = true
		return s
	}
	if scale == 0xff && uint32At(value) == 0xffffffff {
		return s
	}
	s.Value = scaled(scale, value)
	return s
}
