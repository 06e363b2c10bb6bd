// Package leg tracks the connection sequence of one side of a session. A Leg
// observes the PDUs it receives and sends and rejects anything out of order.
//
// Both legs walk the same states. The client-facing leg receives requests and
// sends responses; the server-facing leg sends requests and receives responses.
package leg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/mcs"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
)

var (
	// ErrReject wraps every ordering or consistency violation.
	ErrReject = errors.New("leg: PDU rejected")

	// ErrClosed is returned for PDUs observed after the leg closed.
	ErrClosed = errors.New("leg: closed")

	// ErrMismatch is returned by Compare when the legs disagree.
	ErrMismatch = errors.New("leg: negotiated parameters differ")
)

// State is a connection sequence state.
type State uint8

const (
	AwaitingNegotiation State = iota
	AwaitingMCSConnect
	AwaitingSecurityExchange
	AwaitingClientInfo
	AwaitingLicensing
	AwaitingDemandActive
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingNegotiation:
		return "AwaitingNegotiation"
	case AwaitingMCSConnect:
		return "AwaitingMCSConnect"
	case AwaitingSecurityExchange:
		return "AwaitingSecurityExchange"
	case AwaitingClientInfo:
		return "AwaitingClientInfo"
	case AwaitingLicensing:
		return "AwaitingLicensing"
	case AwaitingDemandActive:
		return "AwaitingDemandActive"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Role says which endpoint the leg faces.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Channel is a negotiated static virtual channel.
type Channel struct {
	Name string
	ID   uint16
}

// Leg is the state machine of one side. It is safe for concurrent use.
type Leg struct {
	role Role

	mu    sync.Mutex
	state State

	requestSeen bool
	initialSeen bool
	demandSeen  bool
	ready       bool

	requested pdu.NegotiationProtocol
	selected  pdu.NegotiationProtocol
	encrypted bool

	names    []string
	channels []Channel
	io       uint16
	user     uint16
	message  uint16

	serverCaps pdu.CapabilitySummary
	clientCaps pdu.CapabilitySummary

	reason string
}

// New returns a leg in AwaitingNegotiation.
func New(role Role) *Leg {
	return &Leg{role: role, io: mcs.GlobalChannelID}
}

// Role returns the endpoint the leg faces.
func (l *Leg) Role() Role {
	return l.role
}

// State returns the current state.
func (l *Leg) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Received observes a PDU that arrived from the leg's endpoint.
func (l *Leg) Received(p codec.PDU) error {
	return l.observe(l.role == RoleClient, p)
}

// Sent observes a PDU written to the leg's endpoint.
func (l *Leg) Sent(p codec.PDU) error {
	return l.observe(l.role == RoleServer, p)
}

// Close moves the leg to Closed. The first reason is kept.
func (l *Leg) Close(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Closed {
		l.state = Closed
		l.reason = reason
	}
}

// Reason returns why the leg closed.
func (l *Leg) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// observe advances the machine. fromClient is true for PDUs that originate on
// the RDP client side of the connection.
func (l *Leg) observe(fromClient bool, p codec.PDU) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Closed {
		return ErrClosed
	}

	if d, ok := p.(*codec.MCSDomain); ok && d.Domain.Application == mcs.DisconnectProviderUltimatum {
		l.state = Closed
		l.reason = "disconnect provider ultimatum from " + origin(fromClient)
		return nil
	}

	if l.state == Connected {
		return l.active(p)
	}

	return l.connecting(fromClient, p)
}

func (l *Leg) connecting(fromClient bool, p codec.PDU) error {
	switch v := p.(type) {
	case *codec.NegotiationRequest:
		if !fromClient || l.state != AwaitingNegotiation || l.requestSeen {
			return l.reject(fromClient, p)
		}
		l.requestSeen = true
		l.requested = v.Request.RequestedProtocols()

	case *codec.NegotiationResponse:
		if fromClient || l.state != AwaitingNegotiation || !l.requestSeen {
			return l.reject(fromClient, p)
		}
		if code := v.Confirm.FailureCode(); code != 0 {
			l.state = Closed
			l.reason = "negotiation failure " + code.String()
			return nil
		}
		l.selected = v.Confirm.SelectedProtocol()
		l.state = AwaitingMCSConnect

	case *codec.MCSConnectInitial:
		if !fromClient || l.state != AwaitingMCSConnect || l.initialSeen {
			return l.reject(fromClient, p)
		}
		l.initialSeen = true
		l.names = v.UserData.ChannelNames()

	case *codec.MCSConnectResponse:
		if fromClient || l.state != AwaitingMCSConnect || !l.initialSeen {
			return l.reject(fromClient, p)
		}
		return l.connectResponse(v)

	case *codec.MCSDomain:
		if l.state < AwaitingSecurityExchange {
			return l.reject(fromClient, p)
		}
		if au := v.Domain.AttachUser; v.Domain.Application == mcs.AttachUserConfirm && au != nil && au.HasInitiator {
			l.user = au.Initiator
		}

	case *codec.SecurityExchange:
		if !fromClient || l.state != AwaitingSecurityExchange {
			return l.reject(fromClient, p)
		}
		l.state = AwaitingClientInfo

	case *codec.ClientInfo:
		if !fromClient || l.state != AwaitingClientInfo {
			return l.reject(fromClient, p)
		}
		l.state = AwaitingLicensing

	case *codec.Licensing:
		if l.state != AwaitingLicensing {
			return l.reject(fromClient, p)
		}
		if !fromClient && v.License.IsTerminal() {
			l.state = AwaitingDemandActive
		}

	case *codec.DemandActive:
		if fromClient || (l.state != AwaitingLicensing && l.state != AwaitingDemandActive) {
			return l.reject(fromClient, p)
		}
		summary, err := pdu.Summarize(v.Demand.CapabilitySets)
		if err != nil {
			return fmt.Errorf("%w: demand active: %w", ErrReject, err)
		}
		l.state = AwaitingDemandActive
		l.demandSeen = true
		l.serverCaps = summary

	case *codec.ConfirmActive:
		if !fromClient || l.state != AwaitingDemandActive || !l.demandSeen || l.ready {
			return l.reject(fromClient, p)
		}
		summary, err := pdu.Summarize(v.Confirm.CapabilitySets)
		if err != nil {
			return fmt.Errorf("%w: confirm active: %w", ErrReject, err)
		}
		l.clientCaps = summary
		l.ready = true

	case *codec.Opaque:
		if v.ChannelID != 0 && l.state < AwaitingSecurityExchange {
			return l.reject(fromClient, p)
		}

	default:
		return l.reject(fromClient, p)
	}

	return nil
}

func (l *Leg) connectResponse(v *codec.MCSConnectResponse) error {
	network := v.UserData.Network
	if network == nil {
		return fmt.Errorf("%w: connect response without network data", ErrReject)
	}

	if len(network.ChannelIDs) != len(l.names) {
		return fmt.Errorf("%w: %d channels requested, %d assigned", ErrReject, len(l.names), len(network.ChannelIDs))
	}

	seen := make(map[uint16]struct{}, len(network.ChannelIDs)+1)
	seen[network.MCSChannelID] = struct{}{}

	channels := make([]Channel, len(l.names))
	for i, name := range l.names {
		id := network.ChannelIDs[i]
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: channel id %d assigned twice", ErrReject, id)
		}
		seen[id] = struct{}{}
		channels[i] = Channel{Name: name, ID: id}
	}

	l.channels = channels
	if network.MCSChannelID != 0 {
		l.io = network.MCSChannelID
	}

	for _, block := range v.UserData.Extra {
		if block.Type == pdu.UserDataServerMessageChannel && len(block.Data) >= 2 {
			l.message = uint16(block.Data[0]) | uint16(block.Data[1])<<8
		}
	}

	sec := v.UserData.Security
	l.encrypted = !l.selected.UsesTLS() && sec != nil && sec.EncryptionMethod != pdu.EncryptionMethodNone

	if l.encrypted {
		l.state = AwaitingSecurityExchange
	} else {
		l.state = AwaitingClientInfo
	}

	return nil
}

// active checks application data against the negotiated channels. Server
// deactivation-reactivation repeats the capability exchange.
func (l *Leg) active(p codec.PDU) error {
	switch p.(type) {
	case *codec.NegotiationRequest, *codec.NegotiationResponse,
		*codec.MCSConnectInitial, *codec.MCSConnectResponse,
		*codec.SecurityExchange, *codec.ClientInfo:
		return fmt.Errorf("%w: %s after connection", ErrReject, codec.Name(p))
	}

	id, ok := codec.ChannelOf(p)
	if !ok {
		return nil
	}

	if !l.knownChannel(id) {
		return fmt.Errorf("%w: %s on unknown channel %d", ErrReject, codec.Name(p), id)
	}

	return nil
}

func (l *Leg) knownChannel(id uint16) bool {
	if id == l.io || (l.user != 0 && id == l.user) || (l.message != 0 && id == l.message) {
		return true
	}
	for _, c := range l.channels {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (l *Leg) reject(fromClient bool, p codec.PDU) error {
	return fmt.Errorf("%w: %s from %s in %s", ErrReject, codec.Name(p), origin(fromClient), l.state)
}

func origin(fromClient bool) string {
	if fromClient {
		return "client"
	}
	return "server"
}

// Ready reports whether the capability exchange completed and the leg waits
// for Promote.
func (l *Leg) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready && l.state == AwaitingDemandActive
}

// Promote moves a ready leg to Connected.
func (l *Leg) Promote() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Closed {
		return ErrClosed
	}
	if !l.ready || l.state != AwaitingDemandActive {
		return fmt.Errorf("%w: promote in %s", ErrReject, l.state)
	}

	l.state = Connected
	return nil
}

// Negotiated is a snapshot of what the leg recorded.
type Negotiated struct {
	Requested  pdu.NegotiationProtocol
	Selected   pdu.NegotiationProtocol
	Encrypted  bool
	Channels   []Channel
	IO         uint16
	User       uint16
	Message    uint16
	ServerCaps pdu.CapabilitySummary
	ClientCaps pdu.CapabilitySummary
}

// Negotiated returns a copy of the recorded parameters.
func (l *Leg) Negotiated() Negotiated {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Negotiated{
		Requested:  l.requested,
		Selected:   l.selected,
		Encrypted:  l.encrypted,
		Channels:   append([]Channel(nil), l.channels...),
		IO:         l.io,
		User:       l.user,
		Message:    l.message,
		ServerCaps: l.serverCaps,
		ClientCaps: l.clientCaps,
	}
}

// ChannelName resolves a negotiated channel id.
func (l *Leg) ChannelName(id uint16) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range l.channels {
		if c.ID == id {
			return c.Name, true
		}
	}
	return "", false
}

// Compare checks that two legs negotiated the same channel map and capability
// sets.
func Compare(a, b *Leg) error {
	na, nb := a.Negotiated(), b.Negotiated()

	if len(na.Channels) != len(nb.Channels) {
		return fmt.Errorf("%w: %s leg has %d channels, %s leg has %d", ErrMismatch, a.role, len(na.Channels), b.role, len(nb.Channels))
	}

	for i := range na.Channels {
		if na.Channels[i] != nb.Channels[i] {
			return fmt.Errorf("%w: channel %d is %s=%d on the %s leg and %s=%d on the %s leg", ErrMismatch, i,
				na.Channels[i].Name, na.Channels[i].ID, a.role, nb.Channels[i].Name, nb.Channels[i].ID, b.role)
		}
	}

	if na.IO != nb.IO {
		return fmt.Errorf("%w: I/O channel %d vs %d", ErrMismatch, na.IO, nb.IO)
	}

	if !sameSummary(na.ServerCaps, nb.ServerCaps) {
		return fmt.Errorf("%w: server capability sets", ErrMismatch)
	}

	if !sameSummary(na.ClientCaps, nb.ClientCaps) {
		return fmt.Errorf("%w: client capability sets", ErrMismatch)
	}

	return nil
}

func sameSummary(a, b pdu.CapabilitySummary) bool {
	if a.ColorDepth != b.ColorDepth || a.DesktopWidth != b.DesktopWidth ||
		a.DesktopHeight != b.DesktopHeight || a.ExtraFlags != b.ExtraFlags ||
		len(a.SetTypes) != len(b.SetTypes) {
		return false
	}
	for i := range a.SetTypes {
		if a.SetTypes[i] != b.SetTypes[i] {
			return false
		}
	}
	return true
}
