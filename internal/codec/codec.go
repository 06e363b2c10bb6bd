// Package codec turns the byte stream of one RDP connection leg into decoded
// PDUs and back. It handles every framing layer a relay needs to see through:
// TPKT, X.224, MCS, the RDP security header, share control and fast-path.
//
// A Codec is bound to one peer. Decode parses bytes sent by that peer and Encode
// produces bytes to send to it, so the codec of the client-facing leg decodes
// client requests and encodes server responses.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/mcs"
)

var (
	// ErrNeedMoreData means the buffer holds only a prefix of a frame.
	// Nothing is consumed; call Decode again with more bytes appended.
	ErrNeedMoreData = errors.New("codec: need more data")

	// ErrMalformed wraps every parse failure.
	ErrMalformed = errors.New("codec: malformed PDU")

	// ErrUnencodable is returned when a PDU cannot travel toward the codec's peer.
	ErrUnencodable = errors.New("codec: PDU cannot be encoded for this peer")
)

// Peer identifies which endpoint a codec talks to.
type Peer uint8

const (
	PeerClient Peer = iota
	PeerServer
)

func (p Peer) String() string {
	switch p {
	case PeerClient:
		return "client"
	case PeerServer:
		return "server"
	default:
		return fmt.Sprintf("Peer(%d)", uint8(p))
	}
}

// Opposite returns the other endpoint.
func (p Peer) Opposite() Peer {
	if p == PeerClient {
		return PeerServer
	}
	return PeerClient
}

// Phase selects how MCS send data payloads are interpreted.
type Phase uint8

const (
	// PhaseConnect is the connection sequence up to the end of licensing. Every
	// payload on the I/O channel starts with a security header.
	PhaseConnect Phase = iota

	// PhaseActive carries share control PDUs, virtual channel chunks and fast-path
	// frames. Security headers are present only under standard RDP security.
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseActive:
		return "active"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Cipher is the standard RDP security state of one leg. Encrypt and Decrypt keep
// separate key streams and may be called from different goroutines.
type Cipher interface {
	// Encrypting reports whether traffic toward the peer is encrypted.
	Encrypting() bool

	// Encrypt returns the MAC signature and ciphertext of plain.
	Encrypt(plain []byte) (signature, ciphertext []byte)

	// Decrypt verifies and decrypts data received from the peer.
	Decrypt(signature, ciphertext []byte, salted bool) ([]byte, error)
}

// Channels names the MCS channels that do not carry virtual channel chunks.
type Channels struct {
	IO      uint16
	User    uint16
	Message uint16
}

// Config holds the initial codec state.
type Config struct {
	Peer  Peer
	Phase Phase
}

// Codec decodes frames received from a peer and encodes frames sent to it.
type Codec struct {
	peer Peer

	mu       sync.RWMutex
	phase    Phase
	channels Channels
	cipher   Cipher
}

// New returns a codec for the given peer with the conventional I/O channel.
func New(cfg Config) *Codec {
	return &Codec{
		peer:     cfg.Peer,
		phase:    cfg.Phase,
		channels: Channels{IO: mcs.GlobalChannelID},
	}
}

// Peer returns the endpoint the codec talks to.
func (c *Codec) Peer() Peer {
	return c.peer
}

// Phase returns the current phase.
func (c *Codec) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// SetPhase switches the payload interpretation.
func (c *Codec) SetPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Channels returns the reserved channel ids.
func (c *Codec) Channels() Channels {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels
}

// SetChannels records the channel ids announced by the server.
func (c *Codec) SetChannels(ch Channels) {
	c.mu.Lock()
	c.channels = ch
	c.mu.Unlock()
}

// SetCipher enables standard RDP security. A nil cipher disables it.
func (c *Codec) SetCipher(cipher Cipher) {
	c.mu.Lock()
	c.cipher = cipher
	c.mu.Unlock()
}

// Secured reports whether standard RDP security headers are in use.
func (c *Codec) Secured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cipher != nil
}

type state struct {
	phase    Phase
	channels Channels
	cipher   Cipher
}

func (c *Codec) snapshot() state {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return state{phase: c.phase, channels: c.channels, cipher: c.cipher}
}

// sendDataApplication is the MCS application used toward the peer.
func (c *Codec) sendDataApplication() mcs.DomainApplication {
	if c.peer == PeerServer {
		return mcs.SendDataRequest
	}
	return mcs.SendDataIndication
}

// inboundApplication is the MCS application the peer uses toward the proxy.
func (c *Codec) inboundApplication() mcs.DomainApplication {
	if c.peer == PeerClient {
		return mcs.SendDataRequest
	}
	return mcs.SendDataIndication
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func wrapMalformed(layer string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformed, layer, err)
}
