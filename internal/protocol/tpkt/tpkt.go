// Package tpkt implements the ISO transport service on top of TCP (RFC 1006)
// framing used by every slow-path RDP PDU.
package tpkt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Version is the only TPKT version defined by RFC 1006.
	Version = 0x03

	// HeaderLen is the size of the TPKT header.
	HeaderLen = 4

	// MaxLength is the largest frame the 16-bit length field can describe.
	MaxLength = 0xFFFF
)

var (
	ErrShortFrame     = errors.New("tpkt: need more data")
	ErrInvalidVersion = errors.New("tpkt: invalid version")
	ErrInvalidLength  = errors.New("tpkt: invalid length")
	ErrPayloadTooBig  = errors.New("tpkt: payload too big")
)

// Header is the four octet TPKT header. Length includes the header itself.
type Header struct {
	Version  uint8
	Reserved uint8
	Length   uint16
}

// IsFrame reports whether the first octet announces a TPKT frame.
func IsFrame(b byte) bool {
	return b == Version
}

// ParseHeader parses the TPKT header at the start of buf.
// It returns ErrShortFrame when fewer than HeaderLen bytes are available.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortFrame
	}

	h := Header{
		Version:  buf[0],
		Reserved: buf[1],
		Length:   binary.BigEndian.Uint16(buf[2:4]),
	}

	if h.Version != Version {
		return h, fmt.Errorf("%w: 0x%02x", ErrInvalidVersion, h.Version)
	}

	if h.Length < HeaderLen {
		return h, fmt.Errorf("%w: %d", ErrInvalidLength, h.Length)
	}

	return h, nil
}

// Frame returns the payload of the complete TPKT frame at the start of buf and
// the number of bytes the frame occupies. ErrShortFrame means buf holds only a prefix.
func Frame(buf []byte) (payload []byte, n int, err error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, 0, err
	}

	n = int(h.Length)
	if len(buf) < n {
		return nil, 0, ErrShortFrame
	}

	return buf[HeaderLen:n], n, nil
}

// Encode wraps payload in a TPKT header.
func Encode(payload []byte) ([]byte, error) {
	total := len(payload) + HeaderLen
	if total > MaxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, len(payload))
	}

	out := make([]byte, total)
	out[0] = Version
	binary.BigEndian.PutUint16(out[2:4], uint16(total)) // #nosec G115
	copy(out[HeaderLen:], payload)

	return out, nil
}
