package mitm

import (
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
)

// Policy chooses the security protocol of each leg. Configured flags win over
// what the client advertises.
type Policy struct {
	// NLA makes the proxy terminate CredSSP toward clients that offer it and
	// request it from the target.
	NLA bool

	// StandardSecurity makes the proxy request standard RDP security from the
	// target.
	StandardSecurity bool
}

// ServerRequest returns the protocols requested from the target.
func (p Policy) ServerRequest() pdu.NegotiationProtocol {
	switch {
	case p.NLA:
		return pdu.NegotiationProtocolSSL | pdu.NegotiationProtocolHybrid
	case p.StandardSecurity:
		return pdu.NegotiationProtocolRDP
	default:
		return pdu.NegotiationProtocolSSL
	}
}

// Accepts reports whether the target's selection is one the proxy can speak on
// the server leg.
func (p Policy) Accepts(selected pdu.NegotiationProtocol) bool {
	requested := p.ServerRequest()

	switch selected {
	case pdu.NegotiationProtocolRDP:
		return true
	case pdu.NegotiationProtocolSSL, pdu.NegotiationProtocolHybrid:
		return requested.Has(selected)
	default:
		return false
	}
}

// ClientSelection picks the protocol answered to a client that requested
// the given protocols. HYBRID is chosen when the proxy intercepts NLA or the
// client cannot do plain TLS; standard security is the fallback.
func (p Policy) ClientSelection(requested pdu.NegotiationProtocol) pdu.NegotiationProtocol {
	switch {
	case requested.Has(pdu.NegotiationProtocolHybrid) && (p.NLA || !requested.Has(pdu.NegotiationProtocolSSL)):
		return pdu.NegotiationProtocolHybrid
	case requested.Has(pdu.NegotiationProtocolSSL):
		return pdu.NegotiationProtocolSSL
	default:
		return pdu.NegotiationProtocolRDP
	}
}
