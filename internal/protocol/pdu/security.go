package pdu

import (
	"bytes"
	"fmt"
)

// Security header flags (MS-RDPBCGR 2.2.8.1.1.2.1).
const (
	SecExchangePkt       uint16 = 0x0001 // SEC_EXCHANGE_PKT
	SecTransportReq      uint16 = 0x0002 // SEC_TRANSPORT_REQ
	SecTransportRsp      uint16 = 0x0004 // SEC_TRANSPORT_RSP
	SecEncrypt           uint16 = 0x0008 // SEC_ENCRYPT
	SecResetSeqno        uint16 = 0x0010 // SEC_RESET_SEQNO
	SecIgnoreSeqno       uint16 = 0x0020 // SEC_IGNORE_SEQNO
	SecInfoPkt           uint16 = 0x0040 // SEC_INFO_PKT
	SecLicensePkt        uint16 = 0x0080 // SEC_LICENSE_PKT
	SecLicenseEncryptCS  uint16 = 0x0200 // SEC_LICENSE_ENCRYPT_CS
	SecLicenseEncryptSC  uint16 = 0x0200 // SEC_LICENSE_ENCRYPT_SC
	SecRedirectionPkt    uint16 = 0x0400 // SEC_REDIRECTION_PKT
	SecSecureChecksum    uint16 = 0x0800 // SEC_SECURE_CHECKSUM
	SecAutodetectReq     uint16 = 0x1000 // SEC_AUTODETECT_REQ
	SecAutodetectRsp     uint16 = 0x2000 // SEC_AUTODETECT_RSP
	SecHeartbeat         uint16 = 0x4000 // SEC_HEARTBEAT
	SecFlagsHiValid      uint16 = 0x8000 // SEC_FLAGSHI_VALID
)

const (
	BasicSecurityHeaderLen = 4
	SignatureLen           = 8
)

// SecurityHeader is the basic security header (TS_SECURITY_HEADER). When
// SEC_ENCRYPT is set the header is followed by an 8-byte MAC signature.
type SecurityHeader struct {
	Flags   uint16
	FlagsHi uint16
}

// Has reports whether flag is set.
func (h SecurityHeader) Has(flag uint16) bool {
	return h.Flags&flag == flag
}

// Serialize encodes the header to wire format.
func (h SecurityHeader) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, BasicSecurityHeaderLen))
	writeFields(buf, h.Flags, h.FlagsHi)

	return buf.Bytes()
}

// Deserialize decodes the header from the first four bytes of wire.
func (h *SecurityHeader) Deserialize(wire []byte) error {
	if len(wire) < BasicSecurityHeaderLen {
		return ErrShortData
	}

	return readFields(bytes.NewReader(wire[:BasicSecurityHeaderLen]), &h.Flags, &h.FlagsHi)
}

// SecurityExchange is the Security Exchange PDU body (TS_SECURITY_PACKET)
// sent after a SEC_EXCHANGE_PKT header. EncryptedClientRandom is little-endian
// and includes the 8 bytes of zero padding.
type SecurityExchange struct {
	EncryptedClientRandom []byte
}

// Serialize encodes the body.
func (p *SecurityExchange) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(p.EncryptedClientRandom)))
	writeFields(buf, uint32(len(p.EncryptedClientRandom)))
	buf.Write(p.EncryptedClientRandom)

	return buf.Bytes()
}

// Deserialize decodes the body.
func (p *SecurityExchange) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)

	var length uint32
	if err := readFields(r, &length); err != nil {
		return err
	}

	if int(length) != r.Len() {
		return fmt.Errorf("%w: encrypted random %d with %d bytes", ErrInvalidLength, length, r.Len())
	}

	var err error
	p.EncryptedClientRandom, err = readBytes(r, int(length))

	return err
}
