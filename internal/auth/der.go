package auth

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrDER is returned for malformed DER encodings.
var ErrDER = errors.New("credssp: malformed DER")

const (
	tagInteger     = 0x02
	tagOctetString = 0x04
	tagSequence    = 0x30
	tagContext     = 0xA0
)

func encodeLength(length int) []byte {
	switch {
	case length < 0x80:
		return []byte{byte(length)}
	case length < 0x100:
		return []byte{0x81, byte(length)}
	case length < 0x10000:
		return []byte{0x82, byte(length >> 8), byte(length)}
	default:
		return []byte{0x83, byte(length >> 16), byte(length >> 8), byte(length)}
	}
}

func encodeTLV(tag byte, value []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 5+len(value)))
	buf.WriteByte(tag)
	buf.Write(encodeLength(len(value)))
	buf.Write(value)
	return buf.Bytes()
}

func encodeSequence(parts ...[]byte) []byte {
	return encodeTLV(tagSequence, bytes.Join(parts, nil))
}

func encodeContextTag(tag int, data []byte) []byte {
	return encodeTLV(tagContext|byte(tag), data)
}

func encodeOctetString(data []byte) []byte {
	return encodeTLV(tagOctetString, data)
}

// encodeInteger writes a non-negative INTEGER in minimal two's complement form.
func encodeInteger(val uint32) []byte {
	raw := []byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}
	for len(raw) > 1 && raw[0] == 0 && raw[1]&0x80 == 0 {
		raw = raw[1:]
	}
	if raw[0]&0x80 != 0 {
		raw = append([]byte{0}, raw...)
	}
	return encodeTLV(tagInteger, raw)
}

// readTLV splits the first element off data.
func readTLV(data []byte) (tag byte, value, rest []byte, err error) {
	if len(data) < 2 {
		return 0, nil, nil, fmt.Errorf("%w: truncated header", ErrDER)
	}

	tag = data[0]
	offset := 2
	length := int(data[1])

	if length >= 0x80 {
		n := length & 0x7F
		if n == 0 || n > 3 || offset+n > len(data) {
			return 0, nil, nil, fmt.Errorf("%w: bad length encoding", ErrDER)
		}

		length = 0
		for i := 0; i < n; i++ {
			length = length<<8 | int(data[offset])
			offset++
		}
	}

	if length > len(data)-offset {
		return 0, nil, nil, fmt.Errorf("%w: length %d exceeds %d bytes", ErrDER, length, len(data)-offset)
	}

	return tag, data[offset : offset+length], data[offset+length:], nil
}

// readExpect reads one element and checks its tag.
func readExpect(data []byte, want byte) (value, rest []byte, err error) {
	tag, value, rest, err := readTLV(data)
	if err != nil {
		return nil, nil, err
	}
	if tag != want {
		return nil, nil, fmt.Errorf("%w: tag 0x%02x, want 0x%02x", ErrDER, tag, want)
	}
	return value, rest, nil
}

func parseInteger(data []byte) (uint32, error) {
	value, _, err := readExpect(data, tagInteger)
	if err != nil {
		return 0, err
	}
	if len(value) == 0 || len(value) > 5 {
		return 0, fmt.Errorf("%w: integer of %d bytes", ErrDER, len(value))
	}

	var out uint32
	for _, b := range value {
		out = out<<8 | uint32(b)
	}
	return out, nil
}

func parseOctetString(data []byte) ([]byte, error) {
	value, _, err := readExpect(data, tagOctetString)
	return value, err
}
