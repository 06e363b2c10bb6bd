package mitm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
	"github.com/rcarmo/go-rdp-mitm/internal/leg"
	"github.com/rcarmo/go-rdp-mitm/internal/transport"
)

// Kind classifies why a session failed.
type Kind uint8

const (
	KindNone Kind = iota
	Malformed
	Reject
	NegotiationFailed
	NegotiationMismatch
	NegotiationTimeout
	TransportError
	SinkFailure
)

var kindNames = map[Kind]string{
	KindNone:            "None",
	Malformed:           "Malformed",
	Reject:              "Reject",
	NegotiationFailed:   "NegotiationFailed",
	NegotiationMismatch: "NegotiationMismatch",
	NegotiationTimeout:  "NegotiationTimeout",
	TransportError:      "TransportError",
	SinkFailure:         "SinkFailure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Sentinels matched by errors.Is against a *SessionError of the same kind.
var (
	ErrMalformed           = errors.New("mitm: malformed PDU")
	ErrReject              = errors.New("mitm: PDU rejected")
	ErrNegotiationFailed   = errors.New("mitm: negotiation failed")
	ErrNegotiationMismatch = errors.New("mitm: legs negotiated different parameters")
	ErrNegotiationTimeout  = errors.New("mitm: negotiation timed out")
	ErrTransport           = errors.New("mitm: transport error")
	ErrSinkFailure         = errors.New("mitm: sink failure")
)

var sentinels = map[Kind]error{
	Malformed:           ErrMalformed,
	Reject:              ErrReject,
	NegotiationFailed:   ErrNegotiationFailed,
	NegotiationMismatch: ErrNegotiationMismatch,
	NegotiationTimeout:  ErrNegotiationTimeout,
	TransportError:      ErrTransport,
	SinkFailure:         ErrSinkFailure,
}

// SessionError is a classified session failure with the leg it occurred on.
type SessionError struct {
	Kind Kind
	Leg  leg.Role
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s on %s leg: %v", e.Kind, e.Leg, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && target == s
}

func newError(kind Kind, side leg.Role, format string, args ...any) *SessionError {
	return &SessionError{Kind: kind, Leg: side, Err: fmt.Errorf(format, args...)}
}

// Classify maps an error from a lower layer to the session taxonomy. An error
// that is already a *SessionError is returned unchanged.
func Classify(err error, side leg.Role) *SessionError {
	if err == nil {
		return nil
	}

	var se *SessionError
	if errors.As(err, &se) {
		return se
	}

	kind := TransportError

	var netErr net.Error
	switch {
	case errors.Is(err, intercept.ErrSinkFailure):
		kind = SinkFailure
	case errors.Is(err, codec.ErrMalformed), errors.Is(err, errBufferOverflow):
		kind = Malformed
	case errors.Is(err, leg.ErrMismatch):
		kind = NegotiationMismatch
	case errors.Is(err, leg.ErrReject), errors.Is(err, leg.ErrClosed), errors.Is(err, codec.ErrUnencodable):
		kind = Reject
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		kind = NegotiationTimeout
	case errors.Is(err, transport.ErrNegotiationFailed):
		kind = NegotiationFailed
	}

	return &SessionError{Kind: kind, Leg: side, Err: err}
}
