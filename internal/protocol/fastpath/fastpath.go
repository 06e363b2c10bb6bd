// Package fastpath implements the RDP Fast-Path framing as specified in MS-RDPBCGR
// sections 2.2.8.1.2 (client input) and 2.2.9.1.2 (server output).
// Fast-Path PDUs are not wrapped in TPKT; the low two bits of the first octet are zero.
package fastpath

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Action is the two-bit action code of the fast-path header.
type Action uint8

const (
	ActionFastPath Action = 0x0 // FASTPATH_INPUT_ACTION_FASTPATH / FASTPATH_OUTPUT_ACTION_FASTPATH
	ActionX224     Action = 0x3 // FASTPATH_INPUT_ACTION_X224 / FASTPATH_OUTPUT_ACTION_X224
)

// Flag is the two-bit flags field of the fast-path header.
type Flag uint8

const (
	FlagSecureChecksum Flag = 0x1 // FASTPATH_INPUT_SECURE_CHECKSUM
	FlagEncrypted      Flag = 0x2 // FASTPATH_INPUT_ENCRYPTED
)

const (
	// SignatureLen is the size of dataSignature when FlagEncrypted is set.
	SignatureLen = 8

	// MaxLength is the largest frame the 15-bit length can describe.
	MaxLength = 0x7FFF

	shortLengthMax = 0x7F
	longLengthFlag = 0x80
)

var (
	ErrShortFrame    = errors.New("fastpath: need more data")
	ErrInvalidLength = errors.New("fastpath: invalid length")
	ErrNotFastPath   = errors.New("fastpath: not a fast-path header")
	ErrPayloadTooBig = errors.New("fastpath: payload too big")
)

// IsFrame reports whether the first octet announces a fast-path PDU.
func IsFrame(b byte) bool {
	return Action(b&0x3) == ActionFastPath
}

// PDU is a fast-path frame in either direction. NumEvents is meaningful for client
// input only; for server output the same four bits are reserved and kept as read.
// Data holds everything after the optional signature, still encrypted when
// FlagEncrypted is set.
type PDU struct {
	Action    Action
	NumEvents uint8
	Flags     Flag
	Signature []byte
	Data      []byte
}

// IsEncrypted reports whether Data is protected by standard RDP security.
func (p *PDU) IsEncrypted() bool {
	return p.Flags&FlagEncrypted != 0
}

// HasSaltedChecksum reports whether the signature is a salted MAC.
func (p *PDU) HasSaltedChecksum() bool {
	return p.Flags&FlagSecureChecksum != 0
}

func (p *PDU) header() byte {
	return byte(p.Action&0x3) | (p.NumEvents&0xF)<<2 | byte(p.Flags&0x3)<<6
}

// Serialize encodes the frame, choosing the one octet length form when it fits.
func (p *PDU) Serialize() ([]byte, error) {
	body := len(p.Data)
	if p.IsEncrypted() {
		body += SignatureLen
	}

	total := 2 + body
	if total > shortLengthMax {
		total++
	}

	if total > MaxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, body)
	}

	out := make([]byte, 0, total)
	out = append(out, p.header())
	out = appendLength(out, total)

	if p.IsEncrypted() {
		sig := make([]byte, SignatureLen)
		copy(sig, p.Signature)
		out = append(out, sig...)
	}

	return append(out, p.Data...), nil
}

// SerializeLength encodes a frame length in the one or two octet form.
func SerializeLength(total int) []byte {
	return appendLength(nil, total)
}

func appendLength(out []byte, total int) []byte {
	if total <= shortLengthMax {
		return append(out, byte(total))
	}

	return binary.BigEndian.AppendUint16(out, uint16(total)|0x8000) // #nosec G115
}

// PeekLength returns the total frame length announced at the start of buf and
// the size of the header plus length field.
func PeekLength(buf []byte) (total, headerLen int, err error) {
	if len(buf) < 2 {
		return 0, 0, ErrShortFrame
	}

	if !IsFrame(buf[0]) {
		return 0, 0, fmt.Errorf("%w: 0x%02x", ErrNotFastPath, buf[0])
	}

	if buf[1]&longLengthFlag == 0 {
		total, headerLen = int(buf[1]), 2
	} else {
		if len(buf) < 3 {
			return 0, 0, ErrShortFrame
		}
		total, headerLen = int(buf[1]&0x7F)<<8|int(buf[2]), 3
	}

	if total < headerLen {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidLength, total)
	}

	return total, headerLen, nil
}

// Frame parses the complete fast-path frame at the start of buf and returns the
// number of bytes it occupies. ErrShortFrame means buf holds only a prefix.
func Frame(buf []byte) (*PDU, int, error) {
	total, headerLen, err := PeekLength(buf)
	if err != nil {
		return nil, 0, err
	}

	if len(buf) < total {
		return nil, 0, ErrShortFrame
	}

	p := &PDU{
		Action:    Action(buf[0] & 0x3),
		NumEvents: (buf[0] >> 2) & 0xF,
		Flags:     Flag(buf[0] >> 6),
	}

	rest := buf[headerLen:total]
	if p.IsEncrypted() {
		if len(rest) < SignatureLen {
			return nil, 0, fmt.Errorf("%w: %d bytes cannot hold a signature", ErrInvalidLength, len(rest))
		}
		p.Signature = append([]byte(nil), rest[:SignatureLen]...)
		rest = rest[SignatureLen:]
	}

	p.Data = append([]byte(nil), rest...)

	return p, total, nil
}
