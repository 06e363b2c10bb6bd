// Package event defines the decoded session events handed to the interception
// pipeline, the recording sink and the live stream.
package event

import (
	"fmt"
	"time"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
)

// Kind identifies the payload of an event. The values are part of the
// recording format.
type Kind uint16

const (
	KindSessionStart Kind = 1
	KindCredentials  Kind = 2
	KindNTLMHash     Kind = 3
	KindPDU          Kind = 4
	KindSessionEnd   Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindSessionStart:
		return "session_start"
	case KindCredentials:
		return "credentials"
	case KindNTLMHash:
		return "ntlm_hash"
	case KindPDU:
		return "pdu"
	case KindSessionEnd:
		return "session_end"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// Origin is the endpoint an event came from.
type Origin uint8

const (
	OriginProxy Origin = iota
	OriginClient
	OriginServer
)

func (o Origin) String() string {
	switch o {
	case OriginClient:
		return "client"
	case OriginServer:
		return "server"
	default:
		return "proxy"
	}
}

// OriginOf maps the peer a PDU was received from to an origin.
func OriginOf(p codec.Peer) Origin {
	if p == codec.PeerClient {
		return OriginClient
	}
	return OriginServer
}

// Event is one decoded occurrence in a session. Exactly one payload field
// matches Kind.
type Event struct {
	Session string
	Kind    Kind
	Origin  Origin
	Time    time.Time

	// KindPDU
	PDU   codec.PDU
	Phase codec.Phase

	Start       *SessionStart
	Credentials *Credentials
	Hash        *NTLMHash
	End         *SessionEnd
}

// SessionStart describes a new session.
type SessionStart struct {
	ID         string    `json:"id"`
	ClientAddr string    `json:"client"`
	TargetAddr string    `json:"target"`
	StartedAt  time.Time `json:"started_at"`
}

// Credential sources.
const (
	SourceClientInfo = "client-info"
	SourceNLA        = "nla"
)

// Credentials are the credentials a client presented. They are never the
// substituted pair.
type Credentials struct {
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Password string `json:"password"`
	Source   string `json:"source"`
}

// NTLMHash is a NetNTLMv2 response captured from a client.
type NTLMHash struct {
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Hashcat  string `json:"hashcat"`
}

// SessionEnd carries the termination reason.
type SessionEnd struct {
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
	Leg    string `json:"leg,omitempty"`
}

// NewPDU returns a PDU event.
func NewPDU(session string, origin Origin, phase codec.Phase, p codec.PDU) *Event {
	return &Event{Session: session, Kind: KindPDU, Origin: origin, Time: time.Now(), PDU: p, Phase: phase}
}

// NewSessionStart returns a session start event.
func NewSessionStart(start SessionStart) *Event {
	return &Event{Session: start.ID, Kind: KindSessionStart, Time: start.StartedAt, Start: &start}
}

// NewCredentials returns a credentials event.
func NewCredentials(session string, creds Credentials) *Event {
	return &Event{Session: session, Kind: KindCredentials, Origin: OriginClient, Time: time.Now(), Credentials: &creds}
}

// NewNTLMHash returns a captured hash event.
func NewNTLMHash(session string, hash NTLMHash) *Event {
	return &Event{Session: session, Kind: KindNTLMHash, Origin: OriginClient, Time: time.Now(), Hash: &hash}
}

// NewSessionEnd returns a session end event.
func NewSessionEnd(session string, end SessionEnd) *Event {
	return &Event{Session: session, Kind: KindSessionEnd, Time: time.Now(), End: &end}
}

// Label is a short description for logs.
func (e *Event) Label() string {
	if e.Kind == KindPDU && e.PDU != nil {
		return e.Origin.String() + ":" + codec.Name(e.PDU)
	}
	return e.Kind.String()
}
