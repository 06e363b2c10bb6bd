package transport

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/rcarmo/go-rdp-mitm/internal/auth"
)

const maxTSRequestLen = 64 * 1024

var errBadFrame = errors.New("transport: malformed TSRequest frame")

// SubjectPublicKey extracts the subjectPublicKey bits from a DER
// SubjectPublicKeyInfo.
func SubjectPublicKey(spki []byte) ([]byte, error) {
	input := cryptobyte.String(spki)

	var info, algorithm cryptobyte.String
	var key asn1.BitString
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.ReadASN1(&algorithm, cbasn1.SEQUENCE) ||
		!info.ReadASN1BitString(&key) {
		return nil, errors.New("transport: malformed SubjectPublicKeyInfo")
	}

	return key.Bytes, nil
}

// ReadTSRequest reads one DER-delimited TSRequest from r.
func ReadTSRequest(r io.Reader) (*auth.TSRequest, error) {
	frame, err := readDER(r)
	if err != nil {
		return nil, err
	}
	return auth.DecodeTSRequest(frame)
}

// WriteTSRequest writes req to w.
func WriteTSRequest(w io.Writer, req *auth.TSRequest) error {
	_, err := w.Write(req.Serialize())
	return err
}

func readDER(r io.Reader) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	if head[0] != 0x30 {
		return nil, fmt.Errorf("%w: tag 0x%02x", errBadFrame, head[0])
	}

	length := int(head[1])
	if head[1]&0x80 != 0 {
		n := int(head[1] & 0x7F)
		if n == 0 || n > 3 {
			return nil, fmt.Errorf("%w: length of %d bytes", errBadFrame, n)
		}

		lb := make([]byte, n)
		if _, err := io.ReadFull(r, lb); err != nil {
			return nil, err
		}
		head = append(head, lb...)

		length = 0
		for _, b := range lb {
			length = length<<8 | int(b)
		}
	}

	if length > maxTSRequestLen {
		return nil, fmt.Errorf("%w: %d bytes", errBadFrame, length)
	}

	frame := make([]byte, len(head)+length)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[len(head):]); err != nil {
		return nil, err
	}

	return frame, nil
}
