package pdu

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeUTF16 converts UTF-16LE code units to a string, stopping at the first NUL.
func DecodeUTF16(b []byte) (string, error) {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}

	if len(b)%2 != 0 {
		return "", ErrInvalidLength
	}

	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}

	return string(out), nil
}

// EncodeUTF16 converts a string to UTF-16LE code units without a terminator.
func EncodeUTF16(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}

	return out
}

// decodeANSI returns the bytes up to the first NUL as a string.
func decodeANSI(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}
