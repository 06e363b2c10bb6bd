package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
)

// ErrNoPayload is returned for events whose payload does not match the kind.
var ErrNoPayload = errors.New("event: payload missing for kind")

// Body serializes the payload of the event. PDU events are the plaintext frame
// as sent toward the opposite endpoint, prefixed by the codec phase.
func (e *Event) Body() ([]byte, error) {
	switch e.Kind {
	case KindSessionStart:
		return marshal(e.Start, e.Start != nil)
	case KindCredentials:
		return marshal(e.Credentials, e.Credentials != nil)
	case KindNTLMHash:
		return marshal(e.Hash, e.Hash != nil)
	case KindSessionEnd:
		return marshal(e.End, e.End != nil)
	case KindPDU:
		if e.PDU == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoPayload, e.Kind)
		}
		return encodePDU(e.Origin, e.Phase, e.PDU)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoPayload, e.Kind)
	}
}

func marshal(v any, ok bool) ([]byte, error) {
	if !ok {
		return nil, ErrNoPayload
	}
	return json.Marshal(v)
}

func encodePDU(origin Origin, phase codec.Phase, p codec.PDU) ([]byte, error) {
	toward := codec.PeerServer
	if origin == OriginServer {
		toward = codec.PeerClient
	}

	frame, err := codec.New(codec.Config{Peer: toward, Phase: phase}).Encode(p)
	if err != nil {
		return nil, err
	}

	return append([]byte{byte(phase)}, frame...), nil
}

// DecodePDU parses a PDU body produced by Body.
func DecodePDU(origin Origin, body []byte) (codec.PDU, codec.Phase, error) {
	if len(body) < 1 {
		return nil, 0, fmt.Errorf("%w: empty PDU body", codec.ErrMalformed)
	}

	from := codec.PeerClient
	if origin == OriginServer {
		from = codec.PeerServer
	}

	phase := codec.Phase(body[0])
	p, _, err := codec.New(codec.Config{Peer: from, Phase: phase}).Decode(body[1:])
	if err != nil {
		return nil, 0, err
	}

	return p, phase, nil
}
