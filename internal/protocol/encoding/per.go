package encoding

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PER reading functions

func PerReadChoice(r io.Reader) (uint8, error) {
	return readByte(r)
}

func PerReadLength(r io.Reader) (int, error) {
	octet, err := readByte(r)
	if err != nil {
		return 0, err
	}

	if octet&0x80 != 0x80 {
		return int(octet), nil
	}

	size := int(octet&^0x80) << 8

	if octet, err = readByte(r); err != nil {
		return 0, err
	}

	return size + int(octet), nil
}

func PerReadObjectIdentifier(oid [6]byte, r io.Reader) (bool, error) {
	size, err := PerReadLength(r)
	if err != nil {
		return false, err
	}

	if size != 5 {
		return false, nil
	}

	raw := make([]byte, 5)
	if _, err = io.ReadFull(r, raw); err != nil {
		return false, err
	}

	aOid := [6]byte{raw[0] >> 4, raw[0] & 0x0f, raw[1], raw[2], raw[3], raw[4]}

	return aOid == oid, nil
}

func PerReadInteger16(minimum uint16, r io.Reader) (uint16, error) {
	var num uint16

	if err := binary.Read(r, binary.BigEndian, &num); err != nil {
		return 0, err
	}

	return num + minimum, nil
}

func PerReadInteger(r io.Reader) (int, error) {
	size, err := PerReadLength(r)
	if err != nil {
		return 0, err
	}

	switch size {
	case 1, 2, 4:
	default:
		return 0, fmt.Errorf("%w: PER integer length %d", ErrUnsupportedSize, size)
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

func PerReadEnumerates(r io.Reader) (uint8, error) {
	return readByte(r)
}

func PerReadNumberOfSet(r io.Reader) (uint8, error) {
	return readByte(r)
}

// PerReadOctetStream reports whether the next octet string equals octetStream.
func PerReadOctetStream(octetStream []byte, minValue int, r io.Reader) (bool, error) {
	data, err := PerReadOctetString(minValue, r)
	if err != nil {
		return false, err
	}

	return string(data) == string(octetStream), nil
}

// PerReadOctetString reads a length-prefixed octet string whose length is offset by minValue.
func PerReadOctetString(minValue int, r io.Reader) ([]byte, error) {
	length, err := PerReadLength(r)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length+minValue)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// PerReadNumericString reads a packed numeric string and returns its digits.
func PerReadNumericString(minValue int, r io.Reader) (string, error) {
	length, err := PerReadLength(r)
	if err != nil {
		return "", err
	}

	digits := length + minValue
	packed := make([]byte, (digits+1)/2)
	if _, err = io.ReadFull(r, packed); err != nil {
		return "", err
	}

	out := make([]byte, 0, digits)
	for _, b := range packed {
		out = append(out, '0'+(b>>4))
		if len(out) < digits {
			out = append(out, '0'+(b&0x0f))
		}
	}

	return string(out), nil
}

func PerReadPadding(length int, r io.Reader) error {
	_, err := io.CopyN(io.Discard, r, int64(length))
	return err
}

// PER writing functions

func PerWriteChoice(choice uint8, w io.Writer) {
	_, _ = w.Write([]byte{choice})
}

func PerWriteObjectIdentifier(oid [6]byte, w io.Writer) {
	PerWriteLength(5, w)

	_, _ = w.Write([]byte{
		(oid[0] << 4) | (oid[1] & 0x0f),
		oid[2],
		oid[3],
		oid[4],
		oid[5],
	})
}

func PerWriteLength(value uint16, w io.Writer) {
	if value > 0x7f {
		_ = binary.Write(w, binary.BigEndian, value|0x8000)
		return
	}

	_, _ = w.Write([]byte{uint8(value)})
}

func PerWriteSelection(selection uint8, w io.Writer) {
	_, _ = w.Write([]byte{selection})
}

func PerWriteEnumerated(v uint8, w io.Writer) {
	_, _ = w.Write([]byte{v})
}

func PerWriteNumericString(nStr string, minValue int, w io.Writer) {
	length := len(nStr)
	mLength := minValue

	if length-minValue >= 0 {
		mLength = length - minValue
	}

	result := make([]byte, 0, (length+1)/2)

	for i := 0; i < length; i += 2 {
		c1 := nStr[i]
		c2 := byte(0x30)

		if i+1 < length {
			c2 = nStr[i+1]
		}

		c1 = (c1 - 0x30) % 10
		c2 = (c2 - 0x30) % 10

		result = append(result, (c1<<4)|c2)
	}

	PerWriteLength(uint16(mLength), w) // #nosec G115
	_, _ = w.Write(result)
}

func PerWritePadding(length int, w io.Writer) {
	_, _ = w.Write(make([]byte, length))
}

func PerWriteNumberOfSet(numberOfSet uint8, w io.Writer) {
	_, _ = w.Write([]byte{numberOfSet})
}

func PerWriteOctetStream(oStr string, minValue int, w io.Writer) {
	PerWriteOctetString([]byte(oStr), minValue, w)
}

func PerWriteOctetString(data []byte, minValue int, w io.Writer) {
	mLength := len(data) - minValue
	if mLength < 0 {
		mLength = 0
	}

	PerWriteLength(uint16(mLength), w) // #nosec G115
	_, _ = w.Write(data)
}

func PerWriteInteger(value int, w io.Writer) {
	if value <= 0xff {
		PerWriteLength(1, w)
		_, _ = w.Write([]byte{uint8(value)}) // #nosec G115

		return
	}

	if value <= 0xffff {
		PerWriteLength(2, w)
		_ = binary.Write(w, binary.BigEndian, uint16(value)) // #nosec G115

		return
	}

	PerWriteLength(4, w)
	_ = binary.Write(w, binary.BigEndian, uint32(value)) // #nosec G115
}

func PerWriteInteger16(value, minimum uint16, w io.Writer) {
	_ = binary.Write(w, binary.BigEndian, value-minimum)
}
