package pdu

import (
	"bytes"
	"fmt"
)

// Type represents the PDU type field in share control headers (MS-RDPBCGR 2.2.8.1.1.1.1).
// Only the low four bits carry the type; the rest is the protocol version.
type Type uint16

const (
	// TypeDemandActive PDUTYPE_DEMANDACTIVEPDU
	TypeDemandActive Type = 0x1

	// TypeConfirmActive PDUTYPE_CONFIRMACTIVEPDU
	TypeConfirmActive Type = 0x3

	// TypeDeactivateAll PDUTYPE_DEACTIVATEALLPDU
	TypeDeactivateAll Type = 0x6

	// TypeData PDUTYPE_DATAPDU
	TypeData Type = 0x7

	// TypeServerRedirect PDUTYPE_SERVER_REDIR_PKT
	TypeServerRedirect Type = 0xA

	typeVersion1 Type = 0x10

	// FlowPDUMarker in totalLength identifies a flow control PDU.
	FlowPDUMarker uint16 = 0x8000

	ShareControlHeaderLen = 6
)

// Base strips the protocol version bits.
func (t Type) Base() Type {
	return t & 0x0F
}

// IsDemandActive returns true if the PDU type is Demand Active.
func (t Type) IsDemandActive() bool {
	return t.Base() == TypeDemandActive
}

// IsConfirmActive returns true if the PDU type is Confirm Active.
func (t Type) IsConfirmActive() bool {
	return t.Base() == TypeConfirmActive
}

// IsDeactivateAll returns true if the PDU type is Deactivate All.
func (t Type) IsDeactivateAll() bool {
	return t.Base() == TypeDeactivateAll
}

// IsData returns true if the PDU type is Data.
func (t Type) IsData() bool {
	return t.Base() == TypeData
}

// ShareControlHeader represents the TS_SHARECONTROLHEADER structure (MS-RDPBCGR 2.2.8.1.1.1.1).
type ShareControlHeader struct {
	TotalLength uint16
	PDUType     Type
	PDUSource   uint16
}

// Serialize encodes the header to wire format.
func (header *ShareControlHeader) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, ShareControlHeaderLen))
	writeFields(buf, header.TotalLength, uint16(header.PDUType), header.PDUSource)

	return buf.Bytes()
}

// Deserialize decodes the header from the start of wire.
func (header *ShareControlHeader) Deserialize(wire []byte) error {
	if len(wire) < ShareControlHeaderLen {
		return ErrShortData
	}

	return readFields(bytes.NewReader(wire), &header.TotalLength, &header.PDUType, &header.PDUSource)
}

// PeekShareControl reports whether wire starts with a share control header
// whose totalLength covers exactly the whole buffer, returning the header.
func PeekShareControl(wire []byte) (ShareControlHeader, bool) {
	var h ShareControlHeader
	if err := h.Deserialize(wire); err != nil {
		return h, false
	}

	return h, int(h.TotalLength) == len(wire)
}

// Capability set types (MS-RDPBCGR 2.2.1.13.1.1.1).
const (
	CapabilitySetTypeGeneral    uint16 = 0x0001
	CapabilitySetTypeBitmap     uint16 = 0x0002
	CapabilitySetTypeOrder      uint16 = 0x0003
	CapabilitySetTypeInput      uint16 = 0x000D
	CapabilitySetTypeVirtualCh  uint16 = 0x0014
	CapabilitySetTypeMultiFrag  uint16 = 0x001A
	CapabilitySetTypeLargePtr   uint16 = 0x001B
	CapabilitySetTypeSurfaceCmd uint16 = 0x001C
	capabilitySetHeaderLen             = 4
)

// CapabilitySet is a capability set relayed as raw data; General and Bitmap
// decode the sets the relay inspects.
type CapabilitySet struct {
	Type uint16
	Data []byte
}

func serializeCapabilities(buf *bytes.Buffer, sets []CapabilitySet) {
	for _, s := range sets {
		writeFields(buf, s.Type, uint16(capabilitySetHeaderLen+len(s.Data)))
		buf.Write(s.Data)
	}
}

func capabilitiesLen(sets []CapabilitySet) int {
	n := 4 // numberCapabilities + pad2Octets
	for _, s := range sets {
		n += capabilitySetHeaderLen + len(s.Data)
	}

	return n
}

func deserializeCapabilities(wire []byte) ([]CapabilitySet, error) {
	r := bytes.NewReader(wire)

	var count, pad uint16
	if err := readFields(r, &count, &pad); err != nil {
		return nil, err
	}

	sets := make([]CapabilitySet, 0, count)
	for i := uint16(0); i < count; i++ {
		var t, length uint16
		if err := readFields(r, &t, &length); err != nil {
			return nil, err
		}

		if length < capabilitySetHeaderLen {
			return nil, fmt.Errorf("%w: capability set 0x%04x length %d", ErrInvalidLength, t, length)
		}

		data, err := readBytes(r, int(length)-capabilitySetHeaderLen)
		if err != nil {
			return nil, err
		}

		sets = append(sets, CapabilitySet{Type: t, Data: data})
	}

	if r.Len() != 0 {
		return nil, ErrTrailingData
	}

	return sets, nil
}

// FindCapability returns the first set of type t.
func FindCapability(sets []CapabilitySet, t uint16) (CapabilitySet, bool) {
	for _, s := range sets {
		if s.Type == t {
			return s, true
		}
	}

	return CapabilitySet{}, false
}

// DemandActive is the Server Demand Active PDU body (TS_DEMAND_ACTIVE_PDU)
// following its share control header.
type DemandActive struct {
	ShareID          uint32
	SourceDescriptor []byte
	CapabilitySets   []CapabilitySet
	SessionID        uint32
}

// Serialize encodes the body.
func (p *DemandActive) Serialize() []byte {
	buf := new(bytes.Buffer)
	writeFields(buf, p.ShareID, uint16(len(p.SourceDescriptor)), uint16(capabilitiesLen(p.CapabilitySets)))
	buf.Write(p.SourceDescriptor)
	writeFields(buf, uint16(len(p.CapabilitySets)), uint16(0))
	serializeCapabilities(buf, p.CapabilitySets)
	writeFields(buf, p.SessionID)

	return buf.Bytes()
}

// Deserialize decodes the body.
func (p *DemandActive) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)
	*p = DemandActive{}

	var sourceLen, capsLen uint16
	if err := readFields(r, &p.ShareID, &sourceLen, &capsLen); err != nil {
		return err
	}

	var err error
	if p.SourceDescriptor, err = readBytes(r, int(sourceLen)); err != nil {
		return err
	}

	caps, err := readBytes(r, int(capsLen))
	if err != nil {
		return err
	}

	if p.CapabilitySets, err = deserializeCapabilities(caps); err != nil {
		return err
	}

	// sessionId is absent from some older servers
	if r.Len() >= 4 {
		if err = readFields(r, &p.SessionID); err != nil {
			return err
		}
	}

	if r.Len() != 0 {
		return ErrTrailingData
	}

	return nil
}

// ConfirmActive is the Client Confirm Active PDU body (TS_CONFIRM_ACTIVE_PDU)
// following its share control header.
type ConfirmActive struct {
	ShareID          uint32
	OriginatorID     uint16
	SourceDescriptor []byte
	CapabilitySets   []CapabilitySet
}

// Serialize encodes the body.
func (p *ConfirmActive) Serialize() []byte {
	buf := new(bytes.Buffer)
	writeFields(buf, p.ShareID, p.OriginatorID, uint16(len(p.SourceDescriptor)), uint16(capabilitiesLen(p.CapabilitySets)))
	buf.Write(p.SourceDescriptor)
	writeFields(buf, uint16(len(p.CapabilitySets)), uint16(0))
	serializeCapabilities(buf, p.CapabilitySets)

	return buf.Bytes()
}

// Deserialize decodes the body.
func (p *ConfirmActive) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)
	*p = ConfirmActive{}

	var sourceLen, capsLen uint16
	if err := readFields(r, &p.ShareID, &p.OriginatorID, &sourceLen, &capsLen); err != nil {
		return err
	}

	var err error
	if p.SourceDescriptor, err = readBytes(r, int(sourceLen)); err != nil {
		return err
	}

	caps, err := readBytes(r, int(capsLen))
	if err != nil {
		return err
	}

	if p.CapabilitySets, err = deserializeCapabilities(caps); err != nil {
		return err
	}

	if r.Len() != 0 {
		return ErrTrailingData
	}

	return nil
}
