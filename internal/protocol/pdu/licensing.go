package pdu

import (
	"bytes"
	"fmt"
)

// Licensing message types (MS-RDPBCGR 2.2.1.12.1.1).
const (
	LicenseRequest            uint8 = 0x01 // LICENSE_REQUEST
	LicensePlatformChallenge  uint8 = 0x02 // PLATFORM_CHALLENGE
	LicenseNewLicense         uint8 = 0x03 // NEW_LICENSE
	LicenseUpgradeLicense     uint8 = 0x04 // UPGRADE_LICENSE
	LicenseInfo               uint8 = 0x12 // LICENSE_INFO
	LicenseNewLicenseRequest  uint8 = 0x13 // NEW_LICENSE_REQUEST
	LicenseChallengeResponse  uint8 = 0x15 // PLATFORM_CHALLENGE_RESPONSE
	LicenseErrorAlert         uint8 = 0xFF // ERROR_ALERT
	LicensePreambleVersion3   uint8 = 0x03 // PREAMBLE_VERSION_3_0
	LicenseExtendedErrorFlag  uint8 = 0x80 // EXTENDED_ERROR_MSG_SUPPORTED
	LicenseStatusValidClient  uint32 = 0x00000007 // STATUS_VALID_CLIENT
	LicenseStateNoTransition  uint32 = 0x00000002 // ST_NO_TRANSITION
	LicenseBlobTypeError      uint16 = 0x0004     // BB_ERROR_BLOB
	licensingPreambleLen             = 4
)

// LicensingPreamble represents a LICENSE_PREAMBLE structure (MS-RDPELE 2.2.2.1).
type LicensingPreamble struct {
	MsgType uint8
	Flags   uint8
	MsgSize uint16
}

// LicensingBinaryBlob represents a LICENSE_BINARY_BLOB structure (MS-RDPELE 2.2.2.4).
type LicensingBinaryBlob struct {
	BlobType uint16
	BlobData []byte
}

// LicensingErrorMessage represents a LICENSE_ERROR_MESSAGE structure (MS-RDPELE 2.2.1.12).
type LicensingErrorMessage struct {
	ErrorCode       uint32
	StateTransition uint32
	ErrorInfo       LicensingBinaryBlob
}

// Serialize encodes the error message.
func (m *LicensingErrorMessage) Serialize() []byte {
	buf := new(bytes.Buffer)
	writeFields(buf, m.ErrorCode, m.StateTransition, m.ErrorInfo.BlobType, uint16(len(m.ErrorInfo.BlobData)))
	buf.Write(m.ErrorInfo.BlobData)

	return buf.Bytes()
}

// Deserialize decodes the error message.
func (m *LicensingErrorMessage) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)

	var blobLen uint16
	if err := readFields(r, &m.ErrorCode, &m.StateTransition, &m.ErrorInfo.BlobType, &blobLen); err != nil {
		return err
	}

	var err error
	m.ErrorInfo.BlobData, err = readBytes(r, int(blobLen))

	return err
}

// Licensing is a licensing PDU. The body after the preamble is relayed as is;
// only error alerts are interpreted, to detect the end of licensing.
type Licensing struct {
	Preamble LicensingPreamble
	Body     []byte
}

// NewValidClientLicensing builds the server's STATUS_VALID_CLIENT error alert
// that ends licensing (MS-RDPBCGR 2.2.1.12.1.3).
func NewValidClientLicensing() *Licensing {
	msg := LicensingErrorMessage{
		ErrorCode:       LicenseStatusValidClient,
		StateTransition: LicenseStateNoTransition,
		ErrorInfo:       LicensingBinaryBlob{BlobType: LicenseBlobTypeError},
	}

	body := msg.Serialize()

	return &Licensing{
		Preamble: LicensingPreamble{
			MsgType: LicenseErrorAlert,
			Flags:   LicensePreambleVersion3,
			MsgSize: uint16(licensingPreambleLen + len(body)), // #nosec G115
		},
		Body: body,
	}
}

// ErrorMessage decodes the body of an error alert.
func (l *Licensing) ErrorMessage() (*LicensingErrorMessage, error) {
	if l.Preamble.MsgType != LicenseErrorAlert {
		return nil, fmt.Errorf("%w: licensing message 0x%02x", ErrUnexpectedType, l.Preamble.MsgType)
	}

	msg := &LicensingErrorMessage{}
	if err := msg.Deserialize(l.Body); err != nil {
		return nil, err
	}

	return msg, nil
}

// IsTerminal reports whether this server message completes licensing.
func (l *Licensing) IsTerminal() bool {
	switch l.Preamble.MsgType {
	case LicenseNewLicense, LicenseUpgradeLicense:
		return true
	case LicenseErrorAlert:
		msg, err := l.ErrorMessage()
		return err == nil && msg.ErrorCode == LicenseStatusValidClient
	default:
		return false
	}
}

// Serialize encodes the PDU; MsgSize is recomputed from the body.
func (l *Licensing) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, licensingPreambleLen+len(l.Body)))
	writeFields(buf, l.Preamble.MsgType, l.Preamble.Flags, uint16(licensingPreambleLen+len(l.Body)))
	buf.Write(l.Body)

	return buf.Bytes()
}

// Deserialize decodes the PDU.
func (l *Licensing) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)

	if err := readFields(r, &l.Preamble.MsgType, &l.Preamble.Flags, &l.Preamble.MsgSize); err != nil {
		return err
	}

	if int(l.Preamble.MsgSize) != len(wire) {
		return fmt.Errorf("%w: licensing size %d with %d bytes", ErrInvalidLength, l.Preamble.MsgSize, len(wire))
	}

	l.Body = readRest(r)

	return nil
}
