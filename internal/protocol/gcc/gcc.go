// Package gcc implements the T.124 Generic Conference Control Conference
// Create Request and Response that carry the RDP basic settings user data.
package gcc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/encoding"
)

var t124_02_98_oid = [6]byte{0, 0, 20, 124, 0, 1}

const (
	h221CSKey = "Duca" // client to server H.221 non-standard key
	h221SCKey = "McDn" // server to client H.221 non-standard key

	choiceConferenceCreateRequest  uint8 = 0x00
	choiceConferenceCreateResponse uint8 = 0x14
	choiceH221NonStandard          uint8 = 0xc0
	selectionUserData              uint8 = 0x08
	responseNodeID                 uint16 = 0x79F3
)

var (
	ErrInvalidObjectIdentifier = errors.New("gcc: invalid T.124 object identifier")
	ErrInvalidH221Key          = errors.New("gcc: invalid H.221 key")
	ErrUnexpectedChoice        = errors.New("gcc: unexpected choice")
	ErrTrailingData            = errors.New("gcc: trailing data")
)

// ConferenceCreateRequest is the client to server ConnectData.
type ConferenceCreateRequest struct {
	UserData []byte
}

func NewConferenceCreateRequest(userData []byte) *ConferenceCreateRequest {
	return &ConferenceCreateRequest{UserData: userData}
}

func (r *ConferenceCreateRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteChoice(0, buf)
	encoding.PerWriteObjectIdentifier(t124_02_98_oid, buf)
	encoding.PerWriteLength(uint16(14+len(r.UserData)), buf) // #nosec G115

	encoding.PerWriteChoice(choiceConferenceCreateRequest, buf)
	encoding.PerWriteSelection(selectionUserData, buf)

	encoding.PerWriteNumericString("1", 1, buf)
	encoding.PerWritePadding(1, buf)
	encoding.PerWriteNumberOfSet(1, buf)
	encoding.PerWriteChoice(choiceH221NonStandard, buf)

	encoding.PerWriteOctetStream(h221CSKey, 4, buf)
	encoding.PerWriteOctetString(r.UserData, 0, buf)

	return buf.Bytes()
}

func (r *ConferenceCreateRequest) Deserialize(data []byte) error {
	wire := bytes.NewReader(data)

	if err := readConnectDataHeader(wire); err != nil {
		return err
	}

	choice, err := encoding.PerReadChoice(wire)
	if err != nil {
		return err
	}
	if choice != choiceConferenceCreateRequest {
		return fmt.Errorf("%w: 0x%02x", ErrUnexpectedChoice, choice)
	}

	if _, err = encoding.PerReadChoice(wire); err != nil { // selection
		return err
	}

	if _, err = encoding.PerReadNumericString(1, wire); err != nil { // conference name
		return err
	}

	if err = encoding.PerReadPadding(1, wire); err != nil {
		return err
	}

	if r.UserData, err = readUserDataSet(wire, h221CSKey); err != nil {
		return err
	}

	if wire.Len() != 0 {
		return ErrTrailingData
	}

	return nil
}

// ConferenceCreateResponse is the server to client ConnectData.
type ConferenceCreateResponse struct {
	NodeID   uint16
	Tag      int
	Result   uint8
	UserData []byte
}

func NewConferenceCreateResponse(userData []byte) *ConferenceCreateResponse {
	return &ConferenceCreateResponse{NodeID: responseNodeID, Tag: 1, UserData: userData}
}

func (r *ConferenceCreateResponse) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteChoice(0, buf)
	encoding.PerWriteObjectIdentifier(t124_02_98_oid, buf)
	encoding.PerWriteLength(uint16(14+len(r.UserData)), buf) // #nosec G115

	encoding.PerWriteChoice(choiceConferenceCreateResponse, buf)
	encoding.PerWriteInteger16(r.NodeID, 1001, buf)
	encoding.PerWriteInteger(r.Tag, buf)
	encoding.PerWriteEnumerated(r.Result, buf)
	encoding.PerWriteNumberOfSet(1, buf)
	encoding.PerWriteChoice(choiceH221NonStandard, buf)

	encoding.PerWriteOctetStream(h221SCKey, 4, buf)
	encoding.PerWriteOctetString(r.UserData, 0, buf)

	return buf.Bytes()
}

func (r *ConferenceCreateResponse) Deserialize(data []byte) error {
	wire := bytes.NewReader(data)

	if err := readConnectDataHeader(wire); err != nil {
		return err
	}

	choice, err := encoding.PerReadChoice(wire)
	if err != nil {
		return err
	}
	if choice != choiceConferenceCreateResponse {
		return fmt.Errorf("%w: 0x%02x", ErrUnexpectedChoice, choice)
	}

	if r.NodeID, err = encoding.PerReadInteger16(1001, wire); err != nil {
		return err
	}

	if r.Tag, err = encoding.PerReadInteger(wire); err != nil {
		return err
	}

	if r.Result, err = encoding.PerReadEnumerates(wire); err != nil {
		return err
	}

	if r.UserData, err = readUserDataSet(wire, h221SCKey); err != nil {
		return err
	}

	if wire.Len() != 0 {
		return ErrTrailingData
	}

	return nil
}

func readConnectDataHeader(wire *bytes.Reader) error {
	if _, err := encoding.PerReadChoice(wire); err != nil {
		return err
	}

	ok, err := encoding.PerReadObjectIdentifier(t124_02_98_oid, wire)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidObjectIdentifier
	}

	// ConnectPDU length; senders disagree on what it covers, so it is not checked
	_, err = encoding.PerReadLength(wire)

	return err
}

func readUserDataSet(wire *bytes.Reader, key string) ([]byte, error) {
	if _, err := encoding.PerReadNumberOfSet(wire); err != nil {
		return nil, err
	}

	choice, err := encoding.PerReadChoice(wire)
	if err != nil {
		return nil, err
	}
	if choice != choiceH221NonStandard {
		return nil, fmt.Errorf("%w: user data 0x%02x", ErrUnexpectedChoice, choice)
	}

	ok, err := encoding.PerReadOctetStream([]byte(key), 4, wire)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidH221Key
	}

	return encoding.PerReadOctetString(0, wire)
}
