package pdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// readFields reads each field in order as little-endian fixed-size values.
func readFields(r io.Reader, fields ...any) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return shortData(err)
		}
	}

	return nil
}

// writeFields writes each field in order as little-endian fixed-size values.
func writeFields(w io.Writer, fields ...any) {
	for _, f := range fields {
		_ = binary.Write(w, binary.LittleEndian, f)
	}
}

// readBytes reads exactly n bytes, returning nil for n == 0.
func readBytes(r *bytes.Reader, n int) ([]byte, error) {
	if n < 0 || n > r.Len() {
		return nil, ErrShortData
	}

	if n == 0 {
		return nil, nil
	}

	out := make([]byte, n)
	_, _ = r.Read(out)

	return out, nil
}

// readRest returns the unread remainder of r, nil when nothing is left.
func readRest(r *bytes.Reader) []byte {
	out, _ := readBytes(r, r.Len())
	return out
}

func shortData(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortData
	}

	return err
}
