package grib2

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	indicatorLen = 16
	// maxMessageLen bounds the length a Section 0 may declare. Operational
	// messages are a few megabytes at most.
	maxMessageLen = 1 << 30
)

// Reader scans a byte stream for GRIB messages. Bytes between messages are
// skipped, as wgrib2 does.
type Reader struct {
	br  *bufio.Reader
	off int64
	n   int
}

// NewReader returns a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 1<<16)}
}

// Next returns the next message. It returns io.EOF when the stream holds no
// further message. Errors wrapping ErrUnsupportedEdition or
// ErrUnsupportedTemplate leave the reader positioned after the offending
// message so that scanning can continue.
func (r *Reader) Next() (*Message, error) {
	if err := r.seekIndicator(); err != nil {
		return nil, err
	}
	start := r.off - 4
	r.n++

	buf := make([]byte, indicatorLen)
	copy(buf, "GRIB")
	if err := r.readFull(buf[4:]); err != nil {
		return nil, fmt.Errorf("message %d at offset %d: %w", r.n, start, err)
	}

	edition := buf[7]
	if edition != 2 {
		if edition == 1 {
			length := int64(buf[4])<<16 | int64(buf[5])<<8 | int64(buf[6])
			if length > indicatorLen {
				if err := r.discard(length - indicatorLen); err != nil {
					return nil, fmt.Errorf("message %d at offset %d: %w", r.n, start, err)
				}
			}
		}
		return nil, fmt.Errorf("message %d at offset %d: edition %d: %w", r.n, start, edition, ErrUnsupportedEdition)
	}

	length := int64(binary.BigEndian.Uint64(buf[8:16]))
	if length < indicatorLen+4 || length > maxMessageLen {
		return nil, fmt.Errorf("message %d at offset %d: length %d: %w", r.n, start, length, ErrMalformed)
	}
	msg, err := r.readMessage(buf, length)
	if err != nil {
		return nil, fmt.Errorf("message %d at offset %d: %w", r.n, start, err)
	}

	m, err := parseMessage(msg, r.n, start)
	if err != nil {
		return nil, fmt.Errorf("message %d at offset %d: %w", r.n, start, err)
	}
	return m, nil
}

// ReadMessages reads every GRIB2 message from r. Messages of other editions
// or with unsupported templates are skipped.
func ReadMessages(r io.Reader) ([]*Message, error) {
	var msgs []*Message
	gr := NewReader(r)
	for {
		m, err := gr.Next()
		if err == io.EOF {
			return msgs, nil
		}
		if errors.Is(err, ErrUnsupportedEdition) || errors.Is(err, ErrUnsupportedTemplate) {
			continue
		}
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
}

func (r *Reader) seekIndicator() error {
	var win [4]byte
	seen := 0
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			return err
		}
		r.off++
		copy(win[:], win[1:])
		win[3] = c
		seen++
		if seen >= 4 && string(win[:]) == "GRIB" {
			return nil
		}
	}
}

// readMessage reads the rest of a message of the given length following its
// indicator. The buffer grows with the bytes actually read, so a corrupt
// length on a short stream fails without allocating the declared size.
func (r *Reader) readMessage(indicator []byte, length int64) ([]byte, error) {
	var b bytes.Buffer
	b.Grow(int(min(length, 1<<20)))
	b.Write(indicator)
	n, err := io.CopyN(&b, r.br, length-indicatorLen)
	r.off += n
	if err == io.EOF {
		return nil, fmt.Errorf("truncated: %w", ErrMalformed)
	}
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (r *Reader) readFull(p []byte) error {
	n, err := io.ReadFull(r.br, p)
	r.off += int64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("truncated: %w", ErrMalformed)
	}
	return err
}

func (r *Reader) discard(n int64) error {
	for n > 0 {
		chunk := n
		if chunk > 1<<30 {
			chunk = 1 << 30
		}
		d, err := r.br.Discard(int(chunk))
		r.off += int64(d)
		n -= int64(d)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("truncated: %w", ErrMalformed)
			}
			return err
		}
	}
	return nil
}
