// Package pdu implements the RDP Protocol Data Units of the connection sequence
// (MS-RDPBCGR 2.2.1) and the slow-path share PDUs relayed after it. Every
// structure decodes and encodes in both directions so that a relay can read a
// PDU from one peer and re-emit it, possibly rewritten, to the other.
package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// NegotiationType represents the type field in RDP negotiation structures (MS-RDPBCGR 2.2.1.1).
type NegotiationType uint8

const (
	// NegotiationTypeRequest TYPE_RDP_NEG_REQ
	NegotiationTypeRequest NegotiationType = 0x01

	// NegotiationTypeResponse TYPE_RDP_NEG_RSP
	NegotiationTypeResponse NegotiationType = 0x02

	// NegotiationTypeFailure TYPE_RDP_NEG_FAILURE
	NegotiationTypeFailure NegotiationType = 0x03

	negotiationTypeCorrelationInfo = 0x06
)

// IsRequest returns true if the type is a negotiation request.
func (t NegotiationType) IsRequest() bool {
	return t == NegotiationTypeRequest
}

// IsResponse returns true if the type is a negotiation response.
func (t NegotiationType) IsResponse() bool {
	return t == NegotiationTypeResponse
}

// IsFailure returns true if the type is a negotiation failure.
func (t NegotiationType) IsFailure() bool {
	return t == NegotiationTypeFailure
}

// NegotiationRequestFlag Protocol flags.
type NegotiationRequestFlag uint8

const (
	// NegReqFlagRestrictedAdminModeRequired RESTRICTED_ADMIN_MODE_REQUIRED
	NegReqFlagRestrictedAdminModeRequired NegotiationRequestFlag = 0x01

	// NegReqFlagRedirectedAuthenticationModeRequired REDIRECTED_AUTHENTICATION_MODE_REQUIRED
	NegReqFlagRedirectedAuthenticationModeRequired NegotiationRequestFlag = 0x02

	// NegReqFlagCorrelationInfoPresent CORRELATION_INFO_PRESENT
	NegReqFlagCorrelationInfoPresent NegotiationRequestFlag = 0x08
)

// IsRestrictedAdminModeRequired returns true if restricted admin mode is required.
func (f NegotiationRequestFlag) IsRestrictedAdminModeRequired() bool {
	return f&NegReqFlagRestrictedAdminModeRequired == NegReqFlagRestrictedAdminModeRequired
}

// IsCorrelationInfoPresent returns true if correlation info is present.
func (f NegotiationRequestFlag) IsCorrelationInfoPresent() bool {
	return f&NegReqFlagCorrelationInfoPresent == NegReqFlagCorrelationInfoPresent
}

// NegotiationProtocol is a set of security protocols. A request carries a
// bitmask of offered protocols, a response exactly one selected value.
type NegotiationProtocol uint32

const (
	// NegotiationProtocolRDP PROTOCOL_RDP
	NegotiationProtocolRDP NegotiationProtocol = 0x00000000

	// NegotiationProtocolSSL PROTOCOL_SSL
	NegotiationProtocolSSL NegotiationProtocol = 0x00000001

	// NegotiationProtocolHybrid PROTOCOL_HYBRID
	NegotiationProtocolHybrid NegotiationProtocol = 0x00000002

	// NegotiationProtocolRDSTLS PROTOCOL_RDSTLS
	NegotiationProtocolRDSTLS NegotiationProtocol = 0x00000004

	// NegotiationProtocolHybridEx PROTOCOL_HYBRID_EX
	NegotiationProtocolHybridEx NegotiationProtocol = 0x00000008
)

// IsRDP returns true if the protocol is standard RDP security.
func (p NegotiationProtocol) IsRDP() bool {
	return p == NegotiationProtocolRDP
}

// IsSSL returns true if the protocol is TLS security.
func (p NegotiationProtocol) IsSSL() bool {
	return p == NegotiationProtocolSSL
}

// IsHybrid returns true if the protocol is CredSSP (TLS + NLA).
func (p NegotiationProtocol) IsHybrid() bool {
	return p == NegotiationProtocolHybrid || p == NegotiationProtocolHybridEx
}

// Has reports whether every bit of other is offered by p.
func (p NegotiationProtocol) Has(other NegotiationProtocol) bool {
	return other != 0 && p&other == other
}

// UsesTLS reports whether a selected protocol wraps the stream in TLS.
func (p NegotiationProtocol) UsesTLS() bool {
	return p != NegotiationProtocolRDP
}

// String returns the protocol names joined by "|".
func (p NegotiationProtocol) String() string {
	if p == NegotiationProtocolRDP {
		return "RDP"
	}

	names := []struct {
		bit  NegotiationProtocol
		name string
	}{
		{NegotiationProtocolSSL, "SSL"},
		{NegotiationProtocolHybrid, "HYBRID"},
		{NegotiationProtocolRDSTLS, "RDSTLS"},
		{NegotiationProtocolHybridEx, "HYBRID_EX"},
	}

	var parts []string
	rest := p
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}

	return strings.Join(parts, "|")
}

const negotiationStructLen = 8

// NegotiationRequest RDP Negotiation Request (RDP_NEG_REQ).
type NegotiationRequest struct {
	Flags              NegotiationRequestFlag // Protocol flags
	RequestedProtocols NegotiationProtocol    // supported security protocols
}

// Serialize encodes the negotiation request to wire format.
func (r NegotiationRequest) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, negotiationStructLen))

	buf.Write([]byte{
		byte(NegotiationTypeRequest), // type TYPE_RDP_NEG_REQ
		byte(r.Flags),                // flags
	})

	// length (always 8 bytes)
	_ = binary.Write(buf, binary.LittleEndian, uint16(negotiationStructLen))

	// requestedProtocols
	_ = binary.Write(buf, binary.LittleEndian, r.RequestedProtocols)

	return buf.Bytes()
}

// Deserialize decodes an 8-byte RDP_NEG_REQ.
func (r *NegotiationRequest) Deserialize(wire []byte) error {
	if len(wire) < negotiationStructLen {
		return ErrShortData
	}

	if NegotiationType(wire[0]) != NegotiationTypeRequest {
		return fmt.Errorf("%w: negotiation request type %d", ErrUnexpectedType, wire[0])
	}

	if binary.LittleEndian.Uint16(wire[2:4]) != negotiationStructLen {
		return ErrInvalidLength
	}

	r.Flags = NegotiationRequestFlag(wire[1])
	r.RequestedProtocols = NegotiationProtocol(binary.LittleEndian.Uint32(wire[4:8]))

	return nil
}

const correlationInfoLen = 36

// CorrelationInfo RDP Correlation Info (RDP_NEG_CORRELATION_INFO).
type CorrelationInfo struct {
	CorrelationID [16]byte
}

// Validate checks the correlation ID per MS-RDPBCGR 2.2.1.1.2.
func (i CorrelationInfo) Validate() error {
	// The first byte in the array SHOULD NOT have a value of 0x00 or 0xF4
	if i.CorrelationID[0] == 0x00 || i.CorrelationID[0] == 0xF4 {
		return ErrInvalidCorrelationID
	}

	// value 0x0D SHOULD NOT be contained in any of the bytes
	if bytes.IndexByte(i.CorrelationID[:], 0x0D) >= 0 {
		return ErrInvalidCorrelationID
	}

	return nil
}

// Serialize encodes the correlation info to wire format.
func (i CorrelationInfo) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, correlationInfoLen))

	buf.Write([]byte{
		negotiationTypeCorrelationInfo, // type TYPE_RDP_CORRELATION_INFO
		0x00,                           // flags
	})

	// length (always 36 bytes)
	_ = binary.Write(buf, binary.LittleEndian, uint16(correlationInfoLen))

	buf.Write(i.CorrelationID[:])

	// reserved
	buf.Write(make([]byte, 16))

	return buf.Bytes()
}

// Deserialize decodes a 36-byte RDP_NEG_CORRELATION_INFO.
func (i *CorrelationInfo) Deserialize(wire []byte) error {
	if len(wire) < correlationInfoLen {
		return ErrShortData
	}

	if wire[0] != negotiationTypeCorrelationInfo {
		return fmt.Errorf("%w: correlation info type %d", ErrUnexpectedType, wire[0])
	}

	if binary.LittleEndian.Uint16(wire[2:4]) != correlationInfoLen {
		return ErrInvalidLength
	}

	copy(i.CorrelationID[:], wire[4:20])

	return nil
}

// NegotiationResponseFlag RDP Negotiation Response flags
type NegotiationResponseFlag uint8

const (
	// NegotiationResponseFlagECDBSupported EXTENDED_CLIENT_DATA_SUPPORTED
	NegotiationResponseFlagECDBSupported NegotiationResponseFlag = 0x01

	// NegotiationResponseFlagGFXSupported DYNVC_GFX_PROTOCOL_SUPPORTED
	NegotiationResponseFlagGFXSupported NegotiationResponseFlag = 0x02

	// NegotiationResponseFlagAdminModeSupported RESTRICTED_ADMIN_MODE_SUPPORTED
	NegotiationResponseFlagAdminModeSupported NegotiationResponseFlag = 0x08

	// NegotiationResponseFlagAuthModeSupported REDIRECTED_AUTHENTICATION_MODE_SUPPORTED
	NegotiationResponseFlagAuthModeSupported NegotiationResponseFlag = 0x10
)

// String returns a human-readable representation of the response flags.
func (f NegotiationResponseFlag) String() string {
	var features []string

	if f&NegotiationResponseFlagECDBSupported != 0 {
		features = append(features, "EXTENDED_CLIENT_DATA_SUPPORTED")
	}
	if f&NegotiationResponseFlagGFXSupported != 0 {
		features = append(features, "DYNVC_GFX_PROTOCOL_SUPPORTED")
	}
	if f&NegotiationResponseFlagAdminModeSupported != 0 {
		features = append(features, "RESTRICTED_ADMIN_MODE_SUPPORTED")
	}
	if f&NegotiationResponseFlagAuthModeSupported != 0 {
		features = append(features, "REDIRECTED_AUTHENTICATION_MODE_SUPPORTED")
	}

	return strings.Join(features, ", ")
}

// NegotiationFailureCode RDP Negotiation Failure failureCode
type NegotiationFailureCode uint32

const (
	// NegotiationFailureCodeSSLRequired SSL_REQUIRED_BY_SERVER
	NegotiationFailureCodeSSLRequired NegotiationFailureCode = 0x00000001

	// NegotiationFailureCodeSSLNotAllowed SSL_NOT_ALLOWED_BY_SERVER
	NegotiationFailureCodeSSLNotAllowed NegotiationFailureCode = 0x00000002

	// NegotiationFailureCodeSSLCertNotOnServer SSL_CERT_NOT_ON_SERVER
	NegotiationFailureCodeSSLCertNotOnServer NegotiationFailureCode = 0x00000003

	// NegotiationFailureCodeInconsistentFlags INCONSISTENT_FLAGS
	NegotiationFailureCodeInconsistentFlags NegotiationFailureCode = 0x00000004

	// NegotiationFailureCodeHybridRequired HYBRID_REQUIRED_BY_SERVER
	NegotiationFailureCodeHybridRequired NegotiationFailureCode = 0x00000005

	// NegotiationFailureCodeSSLWithUserAuthRequired SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER
	NegotiationFailureCodeSSLWithUserAuthRequired NegotiationFailureCode = 0x00000006
)

// NegotiationFailureCodeMap maps failure codes to their string representations.
var NegotiationFailureCodeMap = map[NegotiationFailureCode]string{
	NegotiationFailureCodeSSLRequired:             "SSL_REQUIRED_BY_SERVER",
	NegotiationFailureCodeSSLNotAllowed:           "SSL_NOT_ALLOWED_BY_SERVER",
	NegotiationFailureCodeSSLCertNotOnServer:      "SSL_CERT_NOT_ON_SERVER",
	NegotiationFailureCodeInconsistentFlags:       "INCONSISTENT_FLAGS",
	NegotiationFailureCodeHybridRequired:          "HYBRID_REQUIRED_BY_SERVER",
	NegotiationFailureCodeSSLWithUserAuthRequired: "SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER",
}

// String returns the string representation of the failure code.
func (c NegotiationFailureCode) String() string {
	if s, ok := NegotiationFailureCodeMap[c]; ok {
		return s
	}

	return fmt.Sprintf("UNKNOWN_FAILURE_0x%x", uint32(c))
}

const (
	crlf         = "\r\n"
	cookieHeader = "Cookie: mstshash="
)

// ClientConnectionRequest Client X.224 Connection Request PDU
type ClientConnectionRequest struct {
	RoutingToken       string // one of RoutingToken or Cookie ending CR+LF
	Cookie             string
	NegotiationRequest *NegotiationRequest // RDP Negotiation Request, nil for legacy clients
	CorrelationInfo    *CorrelationInfo    // present when the request flags say so
}

// RequestedProtocols returns the offered protocols, PROTOCOL_RDP when no
// negotiation request is present.
func (pdu *ClientConnectionRequest) RequestedProtocols() NegotiationProtocol {
	if pdu.NegotiationRequest == nil {
		return NegotiationProtocolRDP
	}

	return pdu.NegotiationRequest.RequestedProtocols
}

// Serialize encodes the connection request to wire format.
func (pdu *ClientConnectionRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	// routingToken or cookie
	if pdu.RoutingToken != "" {
		buf.WriteString(strings.Trim(pdu.RoutingToken, crlf) + crlf)
	} else if pdu.Cookie != "" {
		buf.WriteString(cookieHeader + strings.Trim(pdu.Cookie, crlf) + crlf)
	}

	// rdpNegReq
	if pdu.NegotiationRequest != nil {
		buf.Write(pdu.NegotiationRequest.Serialize())

		// rdpCorrelationInfo
		if pdu.NegotiationRequest.Flags.IsCorrelationInfoPresent() && pdu.CorrelationInfo != nil {
			buf.Write(pdu.CorrelationInfo.Serialize())
		}
	}

	return buf.Bytes()
}

// Deserialize decodes the X.224 Connection Request user data.
func (pdu *ClientConnectionRequest) Deserialize(wire []byte) error {
	*pdu = ClientConnectionRequest{}

	if len(wire) > 0 && NegotiationType(wire[0]) != NegotiationTypeRequest {
		end := bytes.Index(wire, []byte(crlf))
		if end < 0 {
			return fmt.Errorf("%w: routing token without CR+LF", ErrShortData)
		}

		line := string(wire[:end])
		if strings.HasPrefix(line, cookieHeader) {
			pdu.Cookie = strings.TrimPrefix(line, cookieHeader)
		} else {
			pdu.RoutingToken = line
		}

		wire = wire[end+len(crlf):]
	}

	if len(wire) == 0 {
		return nil
	}

	pdu.NegotiationRequest = &NegotiationRequest{}
	if err := pdu.NegotiationRequest.Deserialize(wire); err != nil {
		return err
	}
	wire = wire[negotiationStructLen:]

	if pdu.NegotiationRequest.Flags.IsCorrelationInfoPresent() && len(wire) > 0 {
		pdu.CorrelationInfo = &CorrelationInfo{}
		if err := pdu.CorrelationInfo.Deserialize(wire); err != nil {
			return err
		}
		wire = wire[correlationInfoLen:]
	}

	if len(wire) != 0 {
		return ErrTrailingData
	}

	return nil
}

// ServerConnectionConfirm represents the Server X.224 Connection Confirm PDU
// user data (MS-RDPBCGR 2.2.1.2). A zero Type means the server sent no
// negotiation structure, which legacy servers answer with standard security.
type ServerConnectionConfirm struct {
	Type  NegotiationType
	Flags NegotiationResponseFlag // RDP Negotiation Response flags
	data  uint32                  // selectedProtocol or failureCode
}

// NewNegotiationResponse builds a successful confirm that selects protocol.
func NewNegotiationResponse(flags NegotiationResponseFlag, protocol NegotiationProtocol) *ServerConnectionConfirm {
	return &ServerConnectionConfirm{
		Type:  NegotiationTypeResponse,
		Flags: flags,
		data:  uint32(protocol),
	}
}

// NewNegotiationFailure builds a failed confirm carrying code.
func NewNegotiationFailure(code NegotiationFailureCode) *ServerConnectionConfirm {
	return &ServerConnectionConfirm{
		Type: NegotiationTypeFailure,
		data: uint32(code),
	}
}

// SelectedProtocol returns the selected security protocol from the response.
func (pdu *ServerConnectionConfirm) SelectedProtocol() NegotiationProtocol {
	if !pdu.Type.IsResponse() {
		return NegotiationProtocolRDP
	}

	return NegotiationProtocol(pdu.data)
}

// FailureCode returns the failure code if the negotiation failed.
func (pdu *ServerConnectionConfirm) FailureCode() NegotiationFailureCode {
	if !pdu.Type.IsFailure() {
		return 0
	}

	return NegotiationFailureCode(pdu.data)
}

// Serialize encodes the confirm user data; absent negotiation yields no bytes.
func (pdu *ServerConnectionConfirm) Serialize() []byte {
	if pdu.Type == 0 {
		return nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, negotiationStructLen))

	buf.WriteByte(byte(pdu.Type))
	buf.WriteByte(byte(pdu.Flags))
	_ = binary.Write(buf, binary.LittleEndian, uint16(negotiationStructLen))
	_ = binary.Write(buf, binary.LittleEndian, pdu.data)

	return buf.Bytes()
}

// Deserialize decodes the connection confirm from wire format.
func (pdu *ServerConnectionConfirm) Deserialize(wire []byte) error {
	*pdu = ServerConnectionConfirm{}

	if len(wire) == 0 {
		return nil
	}

	if len(wire) < negotiationStructLen {
		return ErrShortData
	}

	pdu.Type = NegotiationType(wire[0])
	if !pdu.Type.IsResponse() && !pdu.Type.IsFailure() {
		return fmt.Errorf("%w: negotiation confirm type %d", ErrUnexpectedType, wire[0])
	}

	if binary.LittleEndian.Uint16(wire[2:4]) != negotiationStructLen {
		return ErrInvalidLength
	}

	pdu.Flags = NegotiationResponseFlag(wire[1])
	pdu.data = binary.LittleEndian.Uint32(wire[4:8])

	if len(wire) != negotiationStructLen {
		return ErrTrailingData
	}

	return nil
}
