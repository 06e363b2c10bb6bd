package pdu

import (
	"bytes"
	"fmt"
)

// GeneralCapabilitySet represents the General Capability Set (MS-RDPBCGR 2.2.7.1.1).
type GeneralCapabilitySet struct {
	OSMajorType           uint16
	OSMinorType           uint16
	ProtocolVersion       uint16
	CompressionTypes      uint16
	ExtraFlags            uint16
	UpdateCapabilityFlag  uint16
	RemoteUnshareFlag     uint16
	CompressionLevel      uint16
	RefreshRectSupport    uint8
	SuppressOutputSupport uint8
}

// General extra flags.
const (
	FastPathOutputSupported  uint16 = 0x0001 // FASTPATH_OUTPUT_SUPPORTED
	NoBitmapCompressionHdr   uint16 = 0x0400 // NO_BITMAP_COMPRESSION_HDR
	LongCredentialsSupported uint16 = 0x0004 // LONG_CREDENTIALS_SUPPORTED
	AutoReconnectSupported   uint16 = 0x0008 // AUTORECONNECT_SUPPORTED
	EncSaltedChecksum        uint16 = 0x0010 // ENC_SALTED_CHECKSUM
)

func (s *GeneralCapabilitySet) fields() []any {
	var padding uint16

	return []any{
		&s.OSMajorType, &s.OSMinorType, &s.ProtocolVersion, &padding, &s.CompressionTypes,
		&s.ExtraFlags, &s.UpdateCapabilityFlag, &s.RemoteUnshareFlag, &s.CompressionLevel,
		&s.RefreshRectSupport, &s.SuppressOutputSupport,
	}
}

// Serialize encodes the capability set body to wire format.
func (s *GeneralCapabilitySet) Serialize() []byte {
	buf := new(bytes.Buffer)
	writeFields(buf, s.fields()...)

	return buf.Bytes()
}

// Deserialize decodes the capability set body from wire format.
func (s *GeneralCapabilitySet) Deserialize(wire []byte) error {
	return readFields(bytes.NewReader(wire), s.fields()...)
}

// BitmapCapabilitySet represents the Bitmap Capability Set (MS-RDPBCGR 2.2.7.1.2).
type BitmapCapabilitySet struct {
	PreferredBitsPerPixel    uint16
	Receive1BitPerPixel      uint16
	Receive4BitsPerPixel     uint16
	Receive8BitsPerPixel     uint16
	DesktopWidth             uint16
	DesktopHeight            uint16
	DesktopResizeFlag        uint16
	BitmapCompressionFlag    uint16
	HighColorFlags           uint8
	DrawingFlags             uint8
	MultipleRectangleSupport uint16
}

func (s *BitmapCapabilitySet) fields() []any {
	var padding1, padding2 uint16

	return []any{
		&s.PreferredBitsPerPixel, &s.Receive1BitPerPixel, &s.Receive4BitsPerPixel,
		&s.Receive8BitsPerPixel, &s.DesktopWidth, &s.DesktopHeight, &padding1,
		&s.DesktopResizeFlag, &s.BitmapCompressionFlag, &s.HighColorFlags, &s.DrawingFlags,
		&s.MultipleRectangleSupport, &padding2,
	}
}

// Serialize encodes the capability set body to wire format.
func (s *BitmapCapabilitySet) Serialize() []byte {
	buf := new(bytes.Buffer)
	writeFields(buf, s.fields()...)

	return buf.Bytes()
}

// Deserialize decodes the capability set body from wire format.
func (s *BitmapCapabilitySet) Deserialize(wire []byte) error {
	return readFields(bytes.NewReader(wire), s.fields()...)
}

// CapabilitySummary is the part of a capability exchange the relay compares
// between legs.
type CapabilitySummary struct {
	ColorDepth    uint16
	DesktopWidth  uint16
	DesktopHeight uint16
	ExtraFlags    uint16
	SetTypes      []uint16
}

// Summarize extracts the compared fields from a list of capability sets.
func Summarize(sets []CapabilitySet) (CapabilitySummary, error) {
	var summary CapabilitySummary

	for _, s := range sets {
		summary.SetTypes = append(summary.SetTypes, s.Type)
	}

	if raw, ok := FindCapability(sets, CapabilitySetTypeBitmap); ok {
		var bitmap BitmapCapabilitySet
		if err := bitmap.Deserialize(raw.Data); err != nil {
			return summary, fmt.Errorf("bitmap capability set: %w", err)
		}

		summary.ColorDepth = bitmap.PreferredBitsPerPixel
		summary.DesktopWidth = bitmap.DesktopWidth
		summary.DesktopHeight = bitmap.DesktopHeight
	}

	if raw, ok := FindCapability(sets, CapabilitySetTypeGeneral); ok {
		var general GeneralCapabilitySet
		if err := general.Deserialize(raw.Data); err != nil {
			return summary, fmt.Errorf("general capability set: %w", err)
		}

		summary.ExtraFlags = general.ExtraFlags
	}

	return summary, nil
}
