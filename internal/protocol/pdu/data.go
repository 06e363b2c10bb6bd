package pdu

import (
	"bytes"
	"fmt"
)

// Type2 represents the PDU type 2 field in share data headers (MS-RDPBCGR 2.2.8.1.1.1.2).
type Type2 uint8

const (
	Type2Update          Type2 = 0x02 // PDUTYPE2_UPDATE
	Type2Control         Type2 = 0x14 // PDUTYPE2_CONTROL
	Type2Pointer         Type2 = 0x1B // PDUTYPE2_POINTER
	Type2Input           Type2 = 0x1C // PDUTYPE2_INPUT
	Type2Synchronize     Type2 = 0x1F // PDUTYPE2_SYNCHRONIZE
	Type2RefreshRect     Type2 = 0x21 // PDUTYPE2_REFRESH_RECT
	Type2PlaySound       Type2 = 0x22 // PDUTYPE2_PLAY_SOUND
	Type2SuppressOutput  Type2 = 0x23 // PDUTYPE2_SUPPRESS_OUTPUT
	Type2ShutdownRequest Type2 = 0x24 // PDUTYPE2_SHUTDOWN_REQUEST
	Type2ShutdownDenied  Type2 = 0x25 // PDUTYPE2_SHUTDOWN_DENIED
	Type2SaveSessionInfo Type2 = 0x26 // PDUTYPE2_SAVE_SESSION_INFO
	Type2Fontlist        Type2 = 0x27 // PDUTYPE2_FONTLIST
	Type2Fontmap         Type2 = 0x28 // PDUTYPE2_FONTMAP
	Type2ErrorInfo       Type2 = 0x2F // PDUTYPE2_SET_ERROR_INFO_PDU
)

// PacketCompressed is the PACKET_COMPRESSED bit of compressedType.
const PacketCompressed uint8 = 0x20

// ShareDataHeaderLen is the size of TS_SHAREDATAHEADER including the share control header.
const ShareDataHeaderLen = ShareControlHeaderLen + 12

// ShareDataHeader represents the TS_SHAREDATAHEADER structure (MS-RDPBCGR 2.2.8.1.1.1.2).
type ShareDataHeader struct {
	ShareControlHeader ShareControlHeader
	ShareID            uint32
	StreamID           uint8
	UncompressedLength uint16
	PDUType2           Type2
	CompressedType     uint8
	CompressedLength   uint16
}

// IsCompressed reports whether the payload is bulk-compressed.
func (header *ShareDataHeader) IsCompressed() bool {
	return header.CompressedType&PacketCompressed != 0
}

// Serialize encodes the header to wire format.
func (header *ShareDataHeader) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, ShareDataHeaderLen))
	buf.Write(header.ShareControlHeader.Serialize())
	writeFields(buf, header.ShareID, uint8(0), header.StreamID, header.UncompressedLength,
		uint8(header.PDUType2), header.CompressedType, header.CompressedLength)

	return buf.Bytes()
}

// Deserialize decodes the header from the start of wire.
func (header *ShareDataHeader) Deserialize(wire []byte) error {
	if len(wire) < ShareDataHeaderLen {
		return ErrShortData
	}

	if err := header.ShareControlHeader.Deserialize(wire); err != nil {
		return err
	}

	if !header.ShareControlHeader.PDUType.IsData() {
		return fmt.Errorf("%w: share control type 0x%x", ErrUnexpectedType, uint16(header.ShareControlHeader.PDUType))
	}

	var padding uint8

	return readFields(bytes.NewReader(wire[ShareControlHeaderLen:ShareDataHeaderLen]),
		&header.ShareID, &padding, &header.StreamID, &header.UncompressedLength,
		&header.PDUType2, &header.CompressedType, &header.CompressedLength)
}

// Slow-path update types (MS-RDPBCGR 2.2.9.1.1.3.1).
const (
	UpdateTypeOrders      uint16 = 0x0000
	UpdateTypeBitmap      uint16 = 0x0001
	UpdateTypePalette     uint16 = 0x0002
	UpdateTypeSynchronize uint16 = 0x0003
)

// SlowPathUpdate is the body of a PDUTYPE2_UPDATE share data PDU.
type SlowPathUpdate struct {
	UpdateType uint16
	Data       []byte
}

// Serialize encodes the body.
func (u *SlowPathUpdate) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(u.Data)))
	writeFields(buf, u.UpdateType)
	buf.Write(u.Data)

	return buf.Bytes()
}

// Deserialize decodes the body.
func (u *SlowPathUpdate) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)
	if err := readFields(r, &u.UpdateType); err != nil {
		return err
	}

	u.Data = readRest(r)

	return nil
}
