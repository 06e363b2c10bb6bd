package pdu

import (
	"bytes"
	"fmt"
)

// Channel PDU flags (MS-RDPBCGR 2.2.6.1.1).
const (
	ChannelFlagFirst            uint32 = 0x00000001 // CHANNEL_FLAG_FIRST
	ChannelFlagLast             uint32 = 0x00000002 // CHANNEL_FLAG_LAST
	ChannelFlagShowProtocol     uint32 = 0x00000010 // CHANNEL_FLAG_SHOW_PROTOCOL
	ChannelFlagSuspend          uint32 = 0x00000020 // CHANNEL_FLAG_SUSPEND
	ChannelFlagResume           uint32 = 0x00000040 // CHANNEL_FLAG_RESUME
	ChannelFlagShadowPersistent uint32 = 0x00000080 // CHANNEL_FLAG_SHADOW_PERSISTENT
	ChannelPacketCompressed     uint32 = 0x00200000 // CHANNEL_PACKET_COMPRESSED
	ChannelPacketAtFront        uint32 = 0x00400000 // CHANNEL_PACKET_AT_FRONT
	ChannelPacketFlushed        uint32 = 0x00800000 // CHANNEL_PACKET_FLUSHED
)

// ChannelPDUHeaderLen is the size of CHANNEL_PDU_HEADER.
const ChannelPDUHeaderLen = 8

// VirtualChannelPDU is a static virtual channel chunk: CHANNEL_PDU_HEADER
// followed by the chunk data. Length is the total length of the unfragmented
// message, not of this chunk.
type VirtualChannelPDU struct {
	Length uint32
	Flags  uint32
	Data   []byte
}

// Serialize encodes the chunk.
func (p *VirtualChannelPDU) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, ChannelPDUHeaderLen+len(p.Data)))
	writeFields(buf, p.Length, p.Flags)
	buf.Write(p.Data)

	return buf.Bytes()
}

// Deserialize decodes the chunk.
func (p *VirtualChannelPDU) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)

	if err := readFields(r, &p.Length, &p.Flags); err != nil {
		return err
	}

	if uint64(r.Len()) > uint64(p.Length) && p.Flags&ChannelPacketCompressed == 0 {
		return fmt.Errorf("%w: channel chunk %d bytes exceeds total %d", ErrInvalidLength, r.Len(), p.Length)
	}

	p.Data = readRest(r)

	return nil
}
