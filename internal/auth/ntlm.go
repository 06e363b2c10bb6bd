// Package auth implements the NTLMv2 and CredSSP pieces of Network Level
// Authentication for both ends of the exchange: a client that authenticates to
// a real server and a terminating server that answers a real client.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/md4" //nolint:staticcheck // NTOWFv2 is defined over MD4
	"golang.org/x/text/encoding/unicode"
)

// NTLM negotiate flags (MS-NLMP 2.2.2.5).
const (
	Negotiate56                      uint32 = 0x80000000
	NegotiateKeyExch                 uint32 = 0x40000000
	Negotiate128                     uint32 = 0x20000000
	NegotiateVersion                 uint32 = 0x02000000
	NegotiateTargetInfo              uint32 = 0x00800000
	RequestNonNTSessionKey           uint32 = 0x00400000
	NegotiateIdentify                uint32 = 0x00100000
	NegotiateExtendedSessionSecurity uint32 = 0x00080000
	TargetTypeServer                 uint32 = 0x00020000
	TargetTypeDomain                 uint32 = 0x00010000
	NegotiateAlwaysSign              uint32 = 0x00008000
	NegotiateOEMWorkstationSupplied  uint32 = 0x00002000
	NegotiateOEMDomainSupplied       uint32 = 0x00001000
	NegotiateNTLM                    uint32 = 0x00000200
	NegotiateLMKey                   uint32 = 0x00000080
	NegotiateDatagram                uint32 = 0x00000040
	NegotiateSeal                    uint32 = 0x00000020
	NegotiateSign                    uint32 = 0x00000010
	RequestTarget                    uint32 = 0x00000004
	NegotiateOEM                     uint32 = 0x00000002
	NegotiateUnicode                 uint32 = 0x00000001
)

// AV pair identifiers (MS-NLMP 2.2.2.1).
const (
	MsvAvEOL             uint16 = 0x0000
	MsvAvNbComputerName  uint16 = 0x0001
	MsvAvNbDomainName    uint16 = 0x0002
	MsvAvDnsComputerName uint16 = 0x0003
	MsvAvDnsDomainName   uint16 = 0x0004
	MsvAvDnsTreeName     uint16 = 0x0005
	MsvAvFlags           uint16 = 0x0006
	MsvAvTimestamp       uint16 = 0x0007
)

// msvAvFlagMICProvided marks an AUTHENTICATE message that carries a MIC.
const msvAvFlagMICProvided uint32 = 0x00000002

var (
	// ErrInvalidMessage is returned for NTLM messages that cannot be parsed.
	ErrInvalidMessage = errors.New("ntlm: invalid message")

	// ErrLogonFailure is returned when a response does not match the password.
	ErrLogonFailure = errors.New("ntlm: logon failure")

	// ErrUnsupportedResponse is returned for anonymous and NTLMv1 responses.
	ErrUnsupportedResponse = errors.New("ntlm: unsupported response type")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func unicodeEncode(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}

func unicodeDecode(b []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ntowfv2 is HMAC_MD5(MD4(UNICODE(password)), UNICODE(Uppercase(user) + domain)).
func ntowfv2(password, user, domain string) []byte {
	h := md4.New()
	h.Write(unicodeEncode(password))

	return hmacMD5(h.Sum(nil), unicodeEncode(strings.ToUpper(user)+domain))
}

func hmacMD5(key []byte, data ...[]byte) []byte {
	h := hmac.New(md5.New, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func md5Hash(data ...[]byte) []byte {
	h := md5.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// filetime converts t to a Windows FILETIME: 100ns intervals since 1601.
func filetime(t time.Time) []byte {
	ft := uint64(t.UnixNano())/100 + 116444736000000000 // #nosec G115
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ft)
	return buf
}

func avPair(id uint16, value []byte) []byte {
	buf := make([]byte, 4, 4+len(value))
	binary.LittleEndian.PutUint16(buf, id)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(value))) // #nosec G115
	return append(buf, value...)
}

// findAVPair returns the value of the first pair with id.
func findAVPair(targetInfo []byte, id uint16) []byte {
	offset := 0
	for offset+4 <= len(targetInfo) {
		avID := binary.LittleEndian.Uint16(targetInfo[offset:])
		avLen := int(binary.LittleEndian.Uint16(targetInfo[offset+2:]))
		offset += 4

		if avID == MsvAvEOL || offset+avLen > len(targetInfo) {
			return nil
		}
		if avID == id {
			return targetInfo[offset : offset+avLen]
		}
		offset += avLen
	}
	return nil
}

// withMICProvided sets MIC_PROVIDED in MsvAvFlags, inserting the pair before
// MsvAvEOL when absent (MS-NLMP 3.1.5.1.2).
func withMICProvided(targetInfo []byte) []byte {
	if len(targetInfo) == 0 {
		return targetInfo
	}

	flagsOffset, eolOffset := -1, -1
	offset := 0

	for offset+4 <= len(targetInfo) {
		avID := binary.LittleEndian.Uint16(targetInfo[offset:])
		avLen := int(binary.LittleEndian.Uint16(targetInfo[offset+2:]))

		if avID == MsvAvFlags && avLen == 4 {
			flagsOffset = offset
		}
		if avID == MsvAvEOL {
			eolOffset = offset
			break
		}
		offset += 4 + avLen
	}

	result := bytes.Clone(targetInfo)

	switch {
	case flagsOffset >= 0 && flagsOffset+8 <= len(result):
		flags := binary.LittleEndian.Uint32(result[flagsOffset+4:])
		binary.LittleEndian.PutUint32(result[flagsOffset+4:], flags|msvAvFlagMICProvided)
	case eolOffset >= 0:
		value := make([]byte, 4)
		binary.LittleEndian.PutUint32(value, msvAvFlagMICProvided)

		out := append([]byte(nil), result[:eolOffset]...)
		out = append(out, avPair(MsvAvFlags, value)...)
		result = append(out, result[eolOffset:]...)
	}

	return result
}

// splitResponse separates an NTLMv2 response into NTProofStr and the client blob.
func splitResponse(ntResponse []byte) (proof, blob []byte, err error) {
	if len(ntResponse) <= 24 {
		return nil, nil, ErrUnsupportedResponse
	}
	return ntResponse[:16], ntResponse[16:], nil
}
