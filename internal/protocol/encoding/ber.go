package encoding

import (
	"encoding/binary"
	"fmt"
	"io"
)

func readByte(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// BerReadApplicationTag reads a multi-octet application tag (0x7F, tag) and returns the tag number.
func BerReadApplicationTag(r io.Reader) (uint8, error) {
	identifier, err := readByte(r)
	if err != nil {
		return 0, err
	}

	if identifier != (ClassApplication|PCConstruct)|TagMask {
		return 0, fmt.Errorf("%w: application identifier 0x%02x", ErrUnexpectedTag, identifier)
	}

	return readByte(r)
}

// BerReadLength reads a definite-form BER length (short form, 0x81 or 0x82).
func BerReadLength(r io.Reader) (int, error) {
	size, err := readByte(r)
	if err != nil {
		return 0, err
	}

	if size&0x80 == 0 {
		return int(size), nil
	}

	switch size &^ 0x80 {
	case 1:
		b, err := readByte(r)
		if err != nil {
			return 0, err
		}
		return int(b), nil
	case 2:
		var v uint16
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return 0, err
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: BER length of %d octets", ErrUnsupportedSize, size&^0x80)
	}
}

func berPC(pc bool) uint8 {
	if pc {
		return PCConstruct
	}
	return PCPrimitive
}

// BerReadUniversalTag reports whether the next identifier octet is the given universal tag.
func BerReadUniversalTag(tag uint8, pc bool, r io.Reader) (bool, error) {
	bb, err := readByte(r)
	if err != nil {
		return false, err
	}

	return bb == (ClassUniversal|berPC(pc))|(TagMask&tag), nil
}

func berExpectUniversal(tag uint8, pc bool, r io.Reader) error {
	ok, err := BerReadUniversalTag(tag, pc, r)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: expected universal tag 0x%02x", ErrUnexpectedTag, tag)
	}
	return nil
}

func BerReadEnumerated(r io.Reader) (uint8, error) {
	if err := berExpectUniversal(TagEnumerated, false, r); err != nil {
		return 0, err
	}

	length, err := BerReadLength(r)
	if err != nil {
		return 0, err
	}

	if length != 1 {
		return 0, fmt.Errorf("%w: enumerated size %d", ErrUnsupportedSize, length)
	}

	return readByte(r)
}

// BerReadInteger reads an unsigned INTEGER of 1 to 4 octets.
func BerReadInteger(r io.Reader) (int, error) {
	if err := berExpectUniversal(TagInteger, false, r); err != nil {
		return 0, err
	}

	size, err := BerReadLength(r)
	if err != nil {
		return 0, err
	}

	if size < 1 || size > 4 {
		return 0, fmt.Errorf("%w: integer size %d", ErrUnsupportedSize, size)
	}

	buf := make([]byte, size)
	if _, err = io.ReadFull(r, buf); err != nil {
		return 0, err
	}

	num := 0
	for _, b := range buf {
		num = num<<8 | int(b)
	}

	return num, nil
}

// BerReadInteger16 reads a 16-bit integer in BER format
func BerReadInteger16(r io.Reader) (uint16, error) {
	if err := berExpectUniversal(TagInteger, false, r); err != nil {
		return 0, err
	}

	size, err := BerReadLength(r)
	if err != nil {
		return 0, err
	}

	if size != 2 {
		return 0, fmt.Errorf("%w: expected 2-byte integer, got %d", ErrUnsupportedSize, size)
	}

	var num uint16
	if err = binary.Read(r, binary.BigEndian, &num); err != nil {
		return 0, err
	}

	return num, nil
}

func BerReadBoolean(r io.Reader) (bool, error) {
	if err := berExpectUniversal(TagBoolean, false, r); err != nil {
		return false, err
	}

	size, err := BerReadLength(r)
	if err != nil {
		return false, err
	}

	if size != 1 {
		return false, fmt.Errorf("%w: boolean size %d", ErrUnsupportedSize, size)
	}

	b, err := readByte(r)
	if err != nil {
		return false, err
	}

	return b != 0, nil
}

func BerReadOctetString(r io.Reader) ([]byte, error) {
	if err := berExpectUniversal(TagOctetString, false, r); err != nil {
		return nil, err
	}

	size, err := BerReadLength(r)
	if err != nil {
		return nil, err
	}

	data := make([]byte, size)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// BerReadSequence reads a SEQUENCE header and returns its content length.
func BerReadSequence(r io.Reader) (int, error) {
	if err := berExpectUniversal(TagSequence, true, r); err != nil {
		return 0, err
	}

	return BerReadLength(r)
}

// BER writing functions

func BerWriteBoolean(b bool, w io.Writer) {
	bb := uint8(0)
	if b {
		bb = uint8(0xff)
	}
	_, _ = w.Write([]byte{0x01}) // tag boolean
	BerWriteLength(1, w)
	_, _ = w.Write([]byte{bb})
}

func BerWriteInteger(n int, w io.Writer) {
	_, _ = w.Write([]byte{0x02}) // tag integer
	switch {
	case n <= 0xff:
		BerWriteLength(1, w)
		_, _ = w.Write([]byte{uint8(n)}) // #nosec G115
	case n <= 0xffff:
		BerWriteLength(2, w)
		_ = binary.Write(w, binary.BigEndian, uint16(n)) // #nosec G115
	default:
		BerWriteLength(4, w)
		_ = binary.Write(w, binary.BigEndian, uint32(n)) // #nosec G115
	}
}

// BerWriteInteger16 writes a 16-bit integer in BER format
func BerWriteInteger16(n uint16, w io.Writer) {
	_, _ = w.Write([]byte{0x02}) // tag integer
	BerWriteLength(2, w)
	_ = binary.Write(w, binary.BigEndian, n)
}

func BerWriteEnumerated(v uint8, w io.Writer) {
	_, _ = w.Write([]byte{TagEnumerated})
	BerWriteLength(1, w)
	_, _ = w.Write([]byte{v})
}

func BerWriteOctetString(str []byte, w io.Writer) {
	_, _ = w.Write([]byte{0x04}) // tag octet string
	BerWriteLength(len(str), w)
	_, _ = w.Write(str)
}

func BerWriteSequence(data []byte, w io.Writer) {
	_, _ = w.Write([]byte{0x30}) // tag sequence
	BerWriteLength(len(data), w)
	_, _ = w.Write(data)
}

func BerWriteApplicationTag(tag uint8, size int, w io.Writer) {
	if tag > 30 {
		_, _ = w.Write([]byte{
			0x7f, // leading octet for tags with number greater than or equal to 31
			tag,
		})
	} else {
		_, _ = w.Write([]byte{tag})
	}
	BerWriteLength(size, w)
}

func BerWriteLength(size int, w io.Writer) {
	switch {
	case size > 0xff:
		_, _ = w.Write([]byte{0x82})
		_ = binary.Write(w, binary.BigEndian, uint16(size)) // #nosec G115
	case size > 0x7f:
		_, _ = w.Write([]byte{0x81, uint8(size)}) // #nosec G115
	default:
		_, _ = w.Write([]byte{uint8(size)}) // #nosec G115
	}
}
