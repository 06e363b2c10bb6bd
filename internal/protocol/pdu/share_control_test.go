package pdu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testCapabilitySets() []CapabilitySet {
	general := GeneralCapabilitySet{
		OSMajorType:     1,
		OSMinorType:     3,
		ProtocolVersion: 0x0200,
		ExtraFlags:      FastPathOutputSupported | LongCredentialsSupported,
	}
	bitmap := BitmapCapabilitySet{
		PreferredBitsPerPixel: 16,
		Receive1BitPerPixel:   1,
		Receive4BitsPerPixel:  1,
		Receive8BitsPerPixel:  1,
		DesktopWidth:          1280,
		DesktopHeight:         1024,
		DesktopResizeFlag:     1,
	}

	return []CapabilitySet{
		{Type: CapabilitySetTypeGeneral, Data: general.Serialize()},
		{Type: CapabilitySetTypeBitmap, Data: bitmap.Serialize()},
		{Type: CapabilitySetTypeOrder, Data: make([]byte, 84)},
	}
}

// ==================== ShareControlHeader ====================

func TestType_Base(t *testing.T) {
	require.True(t, (typeVersion1 | TypeDemandActive).IsDemandActive())
	require.True(t, (typeVersion1 | TypeConfirmActive).IsConfirmActive())
	require.True(t, (typeVersion1 | TypeData).IsData())
	require.True(t, (typeVersion1 | TypeDeactivateAll).IsDeactivateAll())
	require.False(t, (typeVersion1 | TypeData).IsDemandActive())
}

func TestPeekShareControl(t *testing.T) {
	header := ShareControlHeader{TotalLength: 8, PDUType: typeVersion1 | TypeData, PDUSource: 1002}
	wire := append(header.Serialize(), 0xAA, 0xBB)

	got, ok := PeekShareControl(wire)
	require.True(t, ok)
	require.Equal(t, header, got)

	_, ok = PeekShareControl(wire[:7])
	require.False(t, ok)

	_, ok = PeekShareControl([]byte{0x01})
	require.False(t, ok)
}

// ==================== Demand / Confirm Active ====================

func TestDemandActive_RoundTrip(t *testing.T) {
	demand := DemandActive{
		ShareID:          0x000103EA,
		SourceDescriptor: []byte("RDP\x00"),
		CapabilitySets:   testCapabilitySets(),
		SessionID:        42,
	}

	var got DemandActive
	require.NoError(t, got.Deserialize(demand.Serialize()))
	require.Equal(t, demand, got)
}

func TestDemandActive_WithoutSessionID(t *testing.T) {
	demand := DemandActive{ShareID: 1, SourceDescriptor: []byte("RDP\x00"), CapabilitySets: testCapabilitySets()}
	wire := demand.Serialize()

	var got DemandActive
	require.NoError(t, got.Deserialize(wire[:len(wire)-4]))
	require.Equal(t, demand, got)
}

func TestConfirmActive_RoundTrip(t *testing.T) {
	confirm := ConfirmActive{
		ShareID:          0x000103EA,
		OriginatorID:     1002,
		SourceDescriptor: []byte("MSTSC\x00"),
		CapabilitySets:   testCapabilitySets(),
	}

	var got ConfirmActive
	require.NoError(t, got.Deserialize(confirm.Serialize()))
	require.Equal(t, confirm, got)
}

func TestConfirmActive_BadCapabilityLength(t *testing.T) {
	confirm := ConfirmActive{CapabilitySets: []CapabilitySet{{Type: CapabilitySetTypeGeneral, Data: make([]byte, 20)}}}
	wire := confirm.Serialize()

	// lengthCapability of the first set sits after shareId, originatorId, two lengths and count+pad
	wire[16] = 0x02

	var got ConfirmActive
	require.ErrorIs(t, got.Deserialize(wire), ErrInvalidLength)
}

func TestSummarize(t *testing.T) {
	summary, err := Summarize(testCapabilitySets())
	require.NoError(t, err)
	require.Equal(t, CapabilitySummary{
		ColorDepth:    16,
		DesktopWidth:  1280,
		DesktopHeight: 1024,
		ExtraFlags:    FastPathOutputSupported | LongCredentialsSupported,
		SetTypes:      []uint16{CapabilitySetTypeGeneral, CapabilitySetTypeBitmap, CapabilitySetTypeOrder},
	}, summary)

	_, err = Summarize([]CapabilitySet{{Type: CapabilitySetTypeBitmap, Data: []byte{1}}})
	require.ErrorIs(t, err, ErrShortData)
}

// ==================== Share data ====================

func TestShareDataHeader_RoundTrip(t *testing.T) {
	header := ShareDataHeader{
		ShareControlHeader: ShareControlHeader{TotalLength: 30, PDUType: typeVersion1 | TypeData, PDUSource: 1007},
		ShareID:            0x000103EA,
		StreamID:           1,
		UncompressedLength: 12,
		PDUType2:           Type2Input,
	}

	var got ShareDataHeader
	require.NoError(t, got.Deserialize(header.Serialize()))
	require.Equal(t, header, got)
	require.False(t, got.IsCompressed())
}

func TestShareDataHeader_NotData(t *testing.T) {
	header := ShareDataHeader{ShareControlHeader: ShareControlHeader{PDUType: typeVersion1 | TypeDemandActive}}

	var got ShareDataHeader
	require.ErrorIs(t, got.Deserialize(header.Serialize()), ErrUnexpectedType)
}

func TestSlowPathUpdate_RoundTrip(t *testing.T) {
	u := SlowPathUpdate{UpdateType: UpdateTypeBitmap, Data: []byte{1, 2, 3}}

	var got SlowPathUpdate
	require.NoError(t, got.Deserialize(u.Serialize()))
	require.Equal(t, u, got)
}

func TestInputEvents_RoundTrip(t *testing.T) {
	in := InputEvents{Events: []InputEvent{
		NewScanCodeEvent(KBDFlagsDown, 0x1E),
		NewMouseEvent(0x0800, 100, 200),
		{EventTime: 7, MessageType: InputEventSync, Payload: [6]byte{0, 0, 2, 0, 0, 0}},
	}}

	var got InputEvents
	require.NoError(t, got.Deserialize(in.Serialize()))
	require.Equal(t, in, got)

	require.Equal(t, uint16(0x1E), got.Events[0].KeyCode())
	require.Equal(t, KBDFlagsDown, got.Events[0].Flags())
	x, y := got.Events[1].Position()
	require.Equal(t, uint16(100), x)
	require.Equal(t, uint16(200), y)
	require.Equal(t, uint32(2), got.Events[2].ToggleFlags())
}

func TestInputEvents_CountMismatch(t *testing.T) {
	var got InputEvents
	require.ErrorIs(t, got.Deserialize([]byte{0x02, 0x00, 0x00, 0x00, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}), ErrInvalidLength)
}

// ==================== Virtual channel ====================

func TestVirtualChannelPDU_RoundTrip(t *testing.T) {
	vc := VirtualChannelPDU{Length: 4, Flags: ChannelFlagFirst | ChannelFlagLast, Data: []byte{1, 2, 3, 4}}

	var got VirtualChannelPDU
	require.NoError(t, got.Deserialize(vc.Serialize()))
	require.Equal(t, vc, got)
}

func TestVirtualChannelPDU_ChunkLongerThanTotal(t *testing.T) {
	vc := VirtualChannelPDU{Length: 2, Flags: ChannelFlagFirst, Data: []byte{1, 2, 3}}

	var got VirtualChannelPDU
	require.ErrorIs(t, got.Deserialize(vc.Serialize()), ErrInvalidLength)
}
