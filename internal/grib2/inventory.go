package grib2

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// InventoryLine formats the field as a wgrib2 "short" inventory record.
// Fields of multi-field messages are numbered "msg.sub".
func (f *Field) InventoryLine(multi bool) string {
	rec := strconv.Itoa(f.Message)
	if multi {
		rec += "." + strconv.Itoa(f.Sub)
	}
	return fmt.Sprintf("%s:%d:d=%s:%s:%s:%s:", rec, f.Offset, f.RefTime.Format("2006010215"),
		f.Parameter().Abbrev, f.LevelText(), f.ForecastText())
}

// WriteInventory writes the inventory of msgs to w, one line per field.
func WriteInventory(w io.Writer, msgs []*Message) error {
	bw := bufio.NewWriter(w)
	for _, m := range msgs {
		for _, f := range m.Fields {
			if _, err := fmt.Fprintln(bw, f.InventoryLine(len(m.Fields) > 1)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// InventoryEntry is a record of a wgrib2 "short" inventory, typically read
// from the ".idx" file published next to NCEP GRIB2 products. Extent is the
// byte length of the message holding the record, or -1 for the last message
// of the file whose length the inventory cannot tell.
type InventoryEntry struct {
	Record   int
	Sub      int
	Offset   int64
	Extent   int64
	RefTime  time.Time
	Variable string
	Level    string
	Forecast string
}

// String formats the entry as an inventory line.
func (e InventoryEntry) String() string {
	rec := strconv.Itoa(e.Record)
	if e.Sub > 1 {
		rec += "." + strconv.Itoa(e.Sub)
	}
	return fmt.Sprintf("%s:%d:d=%s:%s:%s:%s:", rec, e.Offset, e.RefTime.Format("2006010215"), e.Variable, e.Level, e.Forecast)
}

// ParseInventory reads a wgrib2 "short" inventory. Records of the same
// message share its offset and extent.
func ParseInventory(r io.Reader) ([]InventoryEntry, error) {
	var inv []InventoryEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 6 {
			return nil, fmt.Errorf("inventory record %q has too few fields", line)
		}

		e := InventoryEntry{Sub: 1, Variable: fields[3], Level: fields[4], Forecast: fields[5]}
		rec, sub, hasSub := strings.Cut(fields[0], ".")
		var err error
		if e.Record, err = strconv.Atoi(rec); err != nil {
			return nil, fmt.Errorf("inventory record number %q: %w", fields[0], err)
		}
		if hasSub {
			if e.Sub, err = strconv.Atoi(sub); err != nil {
				return nil, fmt.Errorf("inventory record number %q: %w", fields[0], err)
			}
		}
		if e.Offset, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
			return nil, fmt.Errorf("inventory offset %q: %w", fields[1], err)
		}
		date, ok := strings.CutPrefix(fields[2], "d=")
		if !ok {
			return nil, fmt.Errorf("inventory date %q lacks d= prefix", fields[2])
		}
		if e.RefTime, err = time.Parse("2006010215", date); err != nil {
			return nil, fmt.Errorf("inventory date %q: %w", fields[2], err)
		}
		inv = append(inv, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// A message ends where the next one with a different offset starts.
	end := int64(-1)
	for i := len(inv) - 1; i >= 0; i-- {
		if i+1 < len(inv) && inv[i+1].Offset != inv[i].Offset {
			end = inv[i+1].Offset
		}
		inv[i].Extent = -1
		if end >= 0 {
			inv[i].Extent = end - inv[i].Offset
		}
	}
	return inv, nil
}
