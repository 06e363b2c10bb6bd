package auth

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NTLM message types.
const (
	MessageNegotiate    uint32 = 1
	MessageChallenge    uint32 = 2
	MessageAuthenticate uint32 = 3
)

const (
	challengeHeaderLen    = 56
	authenticateHeaderLen = 88
	micOffset             = 72
	micLen                = 16
)

var (
	ntlmSignature = []byte("NTLMSSP\x00")

	// Windows 6.1 build 0, NTLMSSP_REVISION_W2K3.
	ntlmVersion = []byte{0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0F}
)

func checkHeader(data []byte, messageType uint32, minLen int) error {
	if len(data) < minLen {
		return fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(data))
	}
	if !bytes.Equal(data[:8], ntlmSignature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidMessage)
	}
	if got := binary.LittleEndian.Uint32(data[8:]); got != messageType {
		return fmt.Errorf("%w: message type %d, want %d", ErrInvalidMessage, got, messageType)
	}
	return nil
}

// readField returns the payload referenced by the 8-byte field descriptor at offset.
func readField(data []byte, offset int) ([]byte, error) {
	length := int(binary.LittleEndian.Uint16(data[offset:]))
	start := int(binary.LittleEndian.Uint32(data[offset+4:]))

	if length == 0 {
		return nil, nil
	}
	if start > len(data) || length > len(data)-start {
		return nil, fmt.Errorf("%w: field at %d overruns message", ErrInvalidMessage, offset)
	}
	return data[start : start+length], nil
}

// payloadWriter lays out variable fields after a fixed header and fills in
// their descriptors.
type payloadWriter struct {
	header  []byte
	payload bytes.Buffer
}

func newPayloadWriter(headerLen int) *payloadWriter {
	return &payloadWriter{header: make([]byte, headerLen)}
}

func (w *payloadWriter) field(offset int, value []byte) {
	n := uint16(len(value))                          // #nosec G115
	start := uint32(len(w.header) + w.payload.Len()) // #nosec G115

	binary.LittleEndian.PutUint16(w.header[offset:], n)
	binary.LittleEndian.PutUint16(w.header[offset+2:], n)
	binary.LittleEndian.PutUint32(w.header[offset+4:], start)
	w.payload.Write(value)
}

func (w *payloadWriter) bytes() []byte {
	return append(w.header, w.payload.Bytes()...)
}

// NegotiateMessage is the NTLM NEGOTIATE_MESSAGE.
type NegotiateMessage struct {
	Flags uint32
}

// Serialize encodes the message without domain or workstation.
func (m *NegotiateMessage) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 40))
	buf.Write(ntlmSignature)
	_ = binary.Write(buf, binary.LittleEndian, MessageNegotiate)
	_ = binary.Write(buf, binary.LittleEndian, m.Flags)
	buf.Write(make([]byte, 16)) // DomainNameFields, WorkstationFields
	buf.Write(ntlmVersion)

	return buf.Bytes()
}

// ParseNegotiateMessage decodes a NEGOTIATE_MESSAGE.
func ParseNegotiateMessage(data []byte) (*NegotiateMessage, error) {
	if err := checkHeader(data, MessageNegotiate, 16); err != nil {
		return nil, err
	}
	return &NegotiateMessage{Flags: binary.LittleEndian.Uint32(data[12:])}, nil
}

// ChallengeMessage is the NTLM CHALLENGE_MESSAGE.
type ChallengeMessage struct {
	Flags           uint32
	TargetName      []byte
	ServerChallenge [8]byte
	TargetInfo      []byte

	// Timestamp is the MsvAvTimestamp value of TargetInfo, when present.
	Timestamp []byte

	// Raw is the message as received, needed for the MIC.
	Raw []byte
}

// Serialize encodes the message.
func (m *ChallengeMessage) Serialize() []byte {
	w := newPayloadWriter(challengeHeaderLen)
	copy(w.header, ntlmSignature)
	binary.LittleEndian.PutUint32(w.header[8:], MessageChallenge)
	w.field(12, m.TargetName)
	binary.LittleEndian.PutUint32(w.header[20:], m.Flags)
	copy(w.header[24:32], m.ServerChallenge[:])
	w.field(40, m.TargetInfo)
	copy(w.header[48:56], ntlmVersion)

	return w.bytes()
}

// ParseChallengeMessage decodes a CHALLENGE_MESSAGE.
func ParseChallengeMessage(data []byte) (*ChallengeMessage, error) {
	if err := checkHeader(data, MessageChallenge, 48); err != nil {
		return nil, err
	}

	msg := &ChallengeMessage{
		Flags: binary.LittleEndian.Uint32(data[20:]),
		Raw:   bytes.Clone(data),
	}
	copy(msg.ServerChallenge[:], data[24:32])

	var err error
	if msg.TargetName, err = readField(data, 12); err != nil {
		return nil, err
	}
	if msg.TargetInfo, err = readField(data, 40); err != nil {
		return nil, err
	}

	msg.Timestamp = findAVPair(msg.TargetInfo, MsvAvTimestamp)
	if len(msg.Timestamp) != 8 {
		msg.Timestamp = nil
	}

	return msg, nil
}

// AuthenticateMessage is the NTLM AUTHENTICATE_MESSAGE. Domain, User and
// Workstation are decoded text.
type AuthenticateMessage struct {
	Flags                     uint32
	LmChallengeResponse       []byte
	NtChallengeResponse       []byte
	Domain                    string
	User                      string
	Workstation               string
	EncryptedRandomSessionKey []byte
	MIC                       []byte

	// Raw is the message as received.
	Raw []byte
}

func (m *AuthenticateMessage) encodeString(s string) []byte {
	if m.Flags&NegotiateUnicode != 0 {
		return unicodeEncode(s)
	}
	return []byte(s)
}

// Serialize encodes the message with a zero MIC field when MIC is empty.
func (m *AuthenticateMessage) Serialize() []byte {
	w := newPayloadWriter(authenticateHeaderLen)
	copy(w.header, ntlmSignature)
	binary.LittleEndian.PutUint32(w.header[8:], MessageAuthenticate)
	w.field(12, m.LmChallengeResponse)
	w.field(20, m.NtChallengeResponse)
	w.field(28, m.encodeString(m.Domain))
	w.field(36, m.encodeString(m.User))
	w.field(44, m.encodeString(m.Workstation))
	w.field(52, m.EncryptedRandomSessionKey)
	binary.LittleEndian.PutUint32(w.header[60:], m.Flags)
	copy(w.header[64:72], ntlmVersion)
	copy(w.header[micOffset:micOffset+micLen], m.MIC)

	return w.bytes()
}

// ParseAuthenticateMessage decodes an AUTHENTICATE_MESSAGE.
func ParseAuthenticateMessage(data []byte) (*AuthenticateMessage, error) {
	if err := checkHeader(data, MessageAuthenticate, 64); err != nil {
		return nil, err
	}

	msg := &AuthenticateMessage{
		Flags: binary.LittleEndian.Uint32(data[60:]),
		Raw:   bytes.Clone(data),
	}

	fields := make([][]byte, 6)
	for i := range fields {
		f, err := readField(data, 12+8*i)
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}

	msg.LmChallengeResponse = fields[0]
	msg.NtChallengeResponse = fields[1]
	msg.EncryptedRandomSessionKey = fields[5]

	strs := []*string{&msg.Domain, &msg.User, &msg.Workstation}
	for i, dst := range strs {
		raw := fields[2+i]
		if msg.Flags&NegotiateUnicode == 0 {
			*dst = string(raw)
			continue
		}

		s, err := unicodeDecode(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		*dst = s
	}

	// the MIC is only present when the payload starts after it
	if len(data) >= authenticateHeaderLen && firstPayloadOffset(data) >= authenticateHeaderLen {
		msg.MIC = bytes.Clone(data[micOffset : micOffset+micLen])
	}

	return msg, nil
}

func firstPayloadOffset(data []byte) int {
	first := len(data)
	for i := 0; i < 6; i++ {
		off := 12 + 8*i
		if binary.LittleEndian.Uint16(data[off:]) == 0 {
			continue
		}
		if start := int(binary.LittleEndian.Uint32(data[off+4:])); start < first {
			first = start
		}
	}
	return first
}
