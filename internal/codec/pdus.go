package codec

import (
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/fastpath"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/mcs"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
)

// PDU is a decoded protocol unit. The set of implementations is closed; use a
// type switch over the variants below.
type PDU interface {
	pdu()
}

// Route is the MCS send data addressing of a PDU.
type Route struct {
	Initiator uint16
	ChannelID uint16
}

// ShareData is the share control and share data header state kept for relay.
// Lengths are recomputed on encode.
type ShareData struct {
	Source   uint16
	ShareID  uint32
	StreamID uint8
}

// NegotiationRequest is the X.224 Connection Request with its RDP payload.
type NegotiationRequest struct {
	Request pdu.ClientConnectionRequest
}

// NegotiationResponse is the X.224 Connection Confirm with its RDP payload.
type NegotiationResponse struct {
	Confirm pdu.ServerConnectionConfirm
}

// MCSConnectInitial carries the client basic settings. Params.UserData is
// ignored on encode; UserData is authoritative.
type MCSConnectInitial struct {
	Params   mcs.ConnectInitial
	UserData pdu.ClientUserData
}

// MCSConnectResponse carries the server basic settings.
type MCSConnectResponse struct {
	Params   mcs.ConnectResponse
	UserData pdu.ServerUserData
}

// MCSDomain is any MCS domain PDU other than send data: erect domain, attach
// user, channel join and disconnect provider ultimatum.
type MCSDomain struct {
	Domain mcs.DomainPDU
}

// SecurityExchange carries the encrypted client random.
type SecurityExchange struct {
	Route
	Exchange pdu.SecurityExchange
}

// ClientInfo carries the client credentials.
type ClientInfo struct {
	Route
	Info pdu.ClientInfo
}

// Licensing is one licensing PDU.
type Licensing struct {
	Route
	License pdu.Licensing
}

// DemandActive is the server capability announcement.
type DemandActive struct {
	Route
	Source uint16
	Demand pdu.DemandActive
}

// ConfirmActive is the client capability answer.
type ConfirmActive struct {
	Route
	Source  uint16
	Confirm pdu.ConfirmActive
}

// VirtualChannelData is one static virtual channel chunk.
type VirtualChannelData struct {
	Route
	Chunk pdu.VirtualChannelPDU
}

// InputEvents is a slow-path input PDU.
type InputEvents struct {
	Route
	Share ShareData
	Input pdu.InputEvents
}

// SlowPathUpdate is a slow-path graphics update.
type SlowPathUpdate struct {
	Route
	Share  ShareData
	Update pdu.SlowPathUpdate
}

// FastPathInput is a client fast-path input frame.
type FastPathInput struct {
	Input fastpath.InputEvents
}

// FastPathUpdate is a server fast-path output frame.
type FastPathUpdate struct {
	Updates fastpath.Updates
}

// Opaque is relayed without interpretation. With a zero ChannelID, Data is a
// whole X.224 TPDU; otherwise it is the plaintext payload of an MCS send data
// PDU, and SecurityFlags are the flags of the basic security header that
// preceded it when one was present.
type Opaque struct {
	Route
	SecurityFlags uint16
	Data          []byte
}

func (*NegotiationRequest) pdu()  {}
func (*NegotiationResponse) pdu() {}
func (*MCSConnectInitial) pdu()   {}
func (*MCSConnectResponse) pdu()  {}
func (*MCSDomain) pdu()           {}
func (*SecurityExchange) pdu()    {}
func (*ClientInfo) pdu()          {}
func (*Licensing) pdu()           {}
func (*DemandActive) pdu()        {}
func (*ConfirmActive) pdu()       {}
func (*VirtualChannelData) pdu()  {}
func (*InputEvents) pdu()         {}
func (*SlowPathUpdate) pdu()      {}
func (*FastPathInput) pdu()       {}
func (*FastPathUpdate) pdu()      {}
func (*Opaque) pdu()              {}

// Name returns a short label for logs and metrics.
func Name(p PDU) string {
	switch p.(type) {
	case *NegotiationRequest:
		return "negotiation_request"
	case *NegotiationResponse:
		return "negotiation_response"
	case *MCSConnectInitial:
		return "mcs_connect_initial"
	case *MCSConnectResponse:
		return "mcs_connect_response"
	case *MCSDomain:
		return "mcs_domain"
	case *SecurityExchange:
		return "security_exchange"
	case *ClientInfo:
		return "client_info"
	case *Licensing:
		return "licensing"
	case *DemandActive:
		return "demand_active"
	case *ConfirmActive:
		return "confirm_active"
	case *VirtualChannelData:
		return "virtual_channel"
	case *InputEvents:
		return "input"
	case *SlowPathUpdate:
		return "slow_path_update"
	case *FastPathInput:
		return "fast_path_input"
	case *FastPathUpdate:
		return "fast_path_update"
	case *Opaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// ChannelOf returns the MCS channel a PDU travels on, or false for PDUs outside
// MCS send data.
func ChannelOf(p PDU) (uint16, bool) {
	switch v := p.(type) {
	case *SecurityExchange:
		return v.ChannelID, true
	case *ClientInfo:
		return v.ChannelID, true
	case *Licensing:
		return v.ChannelID, true
	case *DemandActive:
		return v.ChannelID, true
	case *ConfirmActive:
		return v.ChannelID, true
	case *VirtualChannelData:
		return v.ChannelID, true
	case *InputEvents:
		return v.ChannelID, true
	case *SlowPathUpdate:
		return v.ChannelID, true
	case *Opaque:
		return v.ChannelID, v.ChannelID != 0
	default:
		return 0, false
	}
}
