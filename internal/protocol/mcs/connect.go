package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/encoding"
)

type ConnectPDUApplication uint8

const (
	connectInitial    ConnectPDUApplication = 101
	connectResponse   ConnectPDUApplication = 102
	connectAdditional ConnectPDUApplication = 103
	connectResult     ConnectPDUApplication = 104
)

// DomainParameters is the T.125 DomainParameters sequence.
type DomainParameters struct {
	MaxChannelIds   int
	MaxUserIds      int
	MaxTokenIds     int
	NumPriorities   int
	MinThroughput   int
	MaxHeight       int
	MaxMCSPDUsize   int
	ProtocolVersion int
}

func (params *DomainParameters) Serialize() []byte {
	buf := new(bytes.Buffer)

	for _, v := range params.fields() {
		encoding.BerWriteInteger(*v, buf)
	}

	return buf.Bytes()
}

func (params *DomainParameters) Deserialize(wire io.Reader) error {
	length, err := encoding.BerReadSequence(wire)
	if err != nil {
		return fmt.Errorf("domain parameters: %w", err)
	}

	body := make([]byte, length)
	if _, err = io.ReadFull(wire, body); err != nil {
		return err
	}

	r := bytes.NewReader(body)
	for _, v := range params.fields() {
		if *v, err = encoding.BerReadInteger(r); err != nil {
			return fmt.Errorf("domain parameters: %w", err)
		}
	}

	if r.Len() != 0 {
		return fmt.Errorf("domain parameters: %w", ErrTrailingData)
	}

	return nil
}

func (params *DomainParameters) fields() []*int {
	return []*int{
		&params.MaxChannelIds, &params.MaxUserIds, &params.MaxTokenIds, &params.NumPriorities,
		&params.MinThroughput, &params.MaxHeight, &params.MaxMCSPDUsize, &params.ProtocolVersion,
	}
}

// ConnectInitial is the MCS Connect-Initial PDU (T.125 section 7, part 1).
// UserData carries the GCC Conference Create Request.
type ConnectInitial struct {
	CallingDomainSelector []byte
	CalledDomainSelector  []byte
	UpwardFlag            bool
	TargetParameters      DomainParameters
	MinimumParameters     DomainParameters
	MaximumParameters     DomainParameters
	UserData              []byte
}

// NewConnectInitial returns a Connect-Initial with the parameters mstsc sends.
func NewConnectInitial(userData []byte) *ConnectInitial {
	return &ConnectInitial{
		CallingDomainSelector: []byte{0x01},
		CalledDomainSelector:  []byte{0x01},
		UpwardFlag:            true,
		TargetParameters: DomainParameters{
			MaxChannelIds: 34, MaxUserIds: 2, MaxTokenIds: 0, NumPriorities: 1,
			MinThroughput: 0, MaxHeight: 1, MaxMCSPDUsize: 0xffff, ProtocolVersion: 2,
		},
		MinimumParameters: DomainParameters{
			MaxChannelIds: 1, MaxUserIds: 1, MaxTokenIds: 1, NumPriorities: 1,
			MinThroughput: 0, MaxHeight: 1, MaxMCSPDUsize: 0x420, ProtocolVersion: 2,
		},
		MaximumParameters: DomainParameters{
			MaxChannelIds: 0xffff, MaxUserIds: 0xfc17, MaxTokenIds: 0xffff, NumPriorities: 1,
			MinThroughput: 0, MaxHeight: 1, MaxMCSPDUsize: 0xffff, ProtocolVersion: 2,
		},
		UserData: userData,
	}
}

func (pdu *ConnectInitial) body() []byte {
	buf := new(bytes.Buffer)

	encoding.BerWriteOctetString(pdu.CallingDomainSelector, buf)
	encoding.BerWriteOctetString(pdu.CalledDomainSelector, buf)
	encoding.BerWriteBoolean(pdu.UpwardFlag, buf)
	encoding.BerWriteSequence(pdu.TargetParameters.Serialize(), buf)
	encoding.BerWriteSequence(pdu.MinimumParameters.Serialize(), buf)
	encoding.BerWriteSequence(pdu.MaximumParameters.Serialize(), buf)
	encoding.BerWriteOctetString(pdu.UserData, buf)

	return buf.Bytes()
}

func (pdu *ConnectInitial) deserialize(r io.Reader) error {
	var err error

	if pdu.CallingDomainSelector, err = encoding.BerReadOctetString(r); err != nil {
		return fmt.Errorf("calling domain selector: %w", err)
	}

	if pdu.CalledDomainSelector, err = encoding.BerReadOctetString(r); err != nil {
		return fmt.Errorf("called domain selector: %w", err)
	}

	if pdu.UpwardFlag, err = encoding.BerReadBoolean(r); err != nil {
		return fmt.Errorf("upward flag: %w", err)
	}

	if err = pdu.TargetParameters.Deserialize(r); err != nil {
		return err
	}

	if err = pdu.MinimumParameters.Deserialize(r); err != nil {
		return err
	}

	if err = pdu.MaximumParameters.Deserialize(r); err != nil {
		return err
	}

	if pdu.UserData, err = encoding.BerReadOctetString(r); err != nil {
		return fmt.Errorf("user data: %w", err)
	}

	return nil
}

// ConnectResponse is the MCS Connect-Response PDU. UserData carries the GCC
// Conference Create Response.
type ConnectResponse struct {
	Result           uint8
	CalledConnectID  int
	DomainParameters DomainParameters
	UserData         []byte
}

func (pdu *ConnectResponse) body() []byte {
	buf := new(bytes.Buffer)

	encoding.BerWriteEnumerated(pdu.Result, buf)
	encoding.BerWriteInteger(pdu.CalledConnectID, buf)
	encoding.BerWriteSequence(pdu.DomainParameters.Serialize(), buf)
	encoding.BerWriteOctetString(pdu.UserData, buf)

	return buf.Bytes()
}

func (pdu *ConnectResponse) deserialize(r io.Reader) error {
	var err error

	if pdu.Result, err = encoding.BerReadEnumerated(r); err != nil {
		return fmt.Errorf("result: %w", err)
	}

	if pdu.CalledConnectID, err = encoding.BerReadInteger(r); err != nil {
		return fmt.Errorf("called connect id: %w", err)
	}

	if err = pdu.DomainParameters.Deserialize(r); err != nil {
		return err
	}

	if pdu.UserData, err = encoding.BerReadOctetString(r); err != nil {
		return fmt.Errorf("user data: %w", err)
	}

	return nil
}

// ConnectPDU is one of the BER encoded connect PDUs.
type ConnectPDU struct {
	Application     ConnectPDUApplication
	ConnectInitial  *ConnectInitial
	ConnectResponse *ConnectResponse
}

// IsConnectPDU reports whether data starts with a connect application tag.
func IsConnectPDU(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x7f &&
		ConnectPDUApplication(data[1]) >= connectInitial && ConnectPDUApplication(data[1]) <= connectResult
}

func (pdu *ConnectPDU) Serialize() []byte {
	var body []byte

	switch pdu.Application {
	case connectInitial:
		body = pdu.ConnectInitial.body()
	case connectResponse:
		body = pdu.ConnectResponse.body()
	}

	buf := new(bytes.Buffer)
	encoding.BerWriteApplicationTag(uint8(pdu.Application), len(body), buf)
	buf.Write(body)

	return buf.Bytes()
}

// Deserialize parses a complete connect PDU. The declared BER length must
// cover exactly the remaining bytes.
func (pdu *ConnectPDU) Deserialize(wire io.Reader) error {
	application, err := encoding.BerReadApplicationTag(wire)
	if err != nil {
		return err
	}

	pdu.Application = ConnectPDUApplication(application)

	length, err := encoding.BerReadLength(wire)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(wire)
	if err != nil {
		return err
	}

	if len(body) != length {
		return fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, length, len(body))
	}

	r := bytes.NewReader(body)

	switch pdu.Application {
	case connectInitial:
		pdu.ConnectInitial = &ConnectInitial{}
		err = pdu.ConnectInitial.deserialize(r)
	case connectResponse:
		pdu.ConnectResponse = &ConnectResponse{}
		err = pdu.ConnectResponse.deserialize(r)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownConnectApplication, application)
	}

	if err != nil {
		return err
	}

	if r.Len() != 0 {
		return ErrTrailingData
	}

	return nil
}

// NewConnectInitialPDU wraps a Connect-Initial.
func NewConnectInitialPDU(ci *ConnectInitial) *ConnectPDU {
	return &ConnectPDU{Application: connectInitial, ConnectInitial: ci}
}

// NewConnectResponsePDU wraps a Connect-Response.
func NewConnectResponsePDU(cr *ConnectResponse) *ConnectPDU {
	return &ConnectPDU{Application: connectResponse, ConnectResponse: cr}
}
