package fastpath

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Framing tests (fastpath.go)
// =============================================================================

func TestPDU_Serialize_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		pdu      *PDU
		expected []byte
	}{
		{
			name:     "simple event with short length",
			pdu:      &PDU{NumEvents: 1, Data: []byte{0x01, 0x02}},
			expected: []byte{0x04, 0x04, 0x01, 0x02}, // header=0x04 (numEvents=1<<2), length=4, data
		},
		{
			name: "encrypted with salted checksum",
			pdu: &PDU{
				NumEvents: 1,
				Flags:     FlagSecureChecksum | FlagEncrypted,
				Signature: []byte{1, 2, 3, 4, 5, 6, 7, 8},
				Data:      []byte{0xAA},
			},
			expected: []byte{0xc4, 0x0b, 1, 2, 3, 4, 5, 6, 7, 8, 0xAA},
		},
		{
			name:     "multiple events",
			pdu:      &PDU{NumEvents: 3, Data: []byte{0xAA, 0xBB, 0xCC}},
			expected: []byte{0x0c, 0x05, 0xAA, 0xBB, 0xCC}, // header=0x0c (numEvents=3<<2), length=5, data
		},
		{
			name:     "empty data",
			pdu:      &PDU{},
			expected: []byte{0x00, 0x02},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual, err := tt.pdu.Serialize()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestSerializeLength(t *testing.T) {
	tests := []struct {
		name     string
		value    int
		expected []byte
	}{
		{"short length", 10, []byte{0x0a}},
		{"exactly 0x7f", 0x7f, []byte{0x7f}},
		{"long length", 0x80, []byte{0x80, 0x80}},
		{"maximum", MaxLength, []byte{0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SerializeLength(tt.value))
		})
	}
}

func TestPDU_Serialize_LongForm(t *testing.T) {
	p := &PDU{Data: make([]byte, 0x7E)}

	wire, err := p.Serialize()
	require.NoError(t, err)
	require.Len(t, wire, 0x7E+3)
	assert.Equal(t, []byte{0x80, 0x81}, wire[1:3])

	got, n, err := Frame(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, p.Data, got.Data)
}

func TestPDU_Serialize_TooBig(t *testing.T) {
	p := &PDU{Data: make([]byte, MaxLength)}

	_, err := p.Serialize()
	assert.ErrorIs(t, err, ErrPayloadTooBig)
}

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pdu  *PDU
	}{
		{"plain input", &PDU{NumEvents: 2, Data: []byte{0x01, 0x1e, 0x60}}},
		{"encrypted output", &PDU{Flags: FlagEncrypted, Signature: []byte{8, 7, 6, 5, 4, 3, 2, 1}, Data: []byte{0x03, 0x00, 0x00}}},
		{"large", &PDU{Data: bytes.Repeat([]byte{0x5A}, 4000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := tt.pdu.Serialize()
			require.NoError(t, err)

			got, n, err := Frame(append(wire, 0x99))
			require.NoError(t, err)
			assert.Equal(t, len(wire), n)
			assert.Equal(t, tt.pdu, got)
		})
	}
}

func TestFrame_Prefixes(t *testing.T) {
	p := &PDU{NumEvents: 1, Data: bytes.Repeat([]byte{0x11}, 200)}
	wire, err := p.Serialize()
	require.NoError(t, err)

	for i := 0; i < len(wire); i++ {
		_, _, err := Frame(wire[:i])
		require.ErrorIs(t, err, ErrShortFrame, "prefix %d", i)
	}
}

func TestFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
		err  error
	}{
		{"tpkt header", []byte{0x03, 0x00, 0x00, 0x07}, ErrNotFastPath},
		{"length below header", []byte{0x00, 0x01}, ErrInvalidLength},
		{"long length below header", []byte{0x00, 0x80, 0x02}, ErrInvalidLength},
		{"encrypted without signature", []byte{0x80, 0x04, 0x01, 0x02}, ErrInvalidLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Frame(tt.wire)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestAction_Values(t *testing.T) {
	assert.Equal(t, Action(0x0), ActionFastPath)
	assert.Equal(t, Action(0x3), ActionX224)
	assert.True(t, IsFrame(0x44))
	assert.False(t, IsFrame(0x03))
}

func TestFlag_Values(t *testing.T) {
	assert.Equal(t, Flag(0x1), FlagSecureChecksum)
	assert.Equal(t, Flag(0x2), FlagEncrypted)
}

// =============================================================================
// Input event tests (input.go)
// =============================================================================

func TestInputEvents_RoundTrip(t *testing.T) {
	in := InputEvents{Events: []InputEvent{
		NewScanCodeEvent(0, 0x1e),
		NewScanCodeEvent(KBDFlagsRelease, 0x1e),
		NewMouseEvent(0x0800, 640, 480),
		{Code: EventCodeSync, Flags: 0x02},
		{Code: EventCodeUnicode, Data: []byte{0x41, 0x04}},
		{Code: EventCodeQoEStamp, Data: []byte{1, 0, 0, 0}},
	}}

	wire := in.Serialize()
	require.Equal(t, uint8(6), in.HeaderNumEvents())
	assert.Equal(t, []byte{0x00, 0x1e, 0x01, 0x1e}, wire[:4])

	var got InputEvents
	require.NoError(t, got.Deserialize(in.HeaderNumEvents(), wire))
	assert.Equal(t, in, got)

	assert.Equal(t, uint16(0x1e), got.Events[0].KeyCode())
	flags, x, y := got.Events[2].Position()
	assert.Equal(t, uint16(0x0800), flags)
	assert.Equal(t, uint16(640), x)
	assert.Equal(t, uint16(480), y)
	assert.Equal(t, uint16(0x0441), got.Events[4].KeyCode())
}

func TestInputEvents_CountInBody(t *testing.T) {
	in := InputEvents{}
	for i := 0; i < 20; i++ {
		in.Events = append(in.Events, NewScanCodeEvent(0, uint8(i)))
	}

	require.Equal(t, uint8(0), in.HeaderNumEvents())

	wire := in.Serialize()
	assert.Equal(t, uint8(20), wire[0])

	var got InputEvents
	require.NoError(t, got.Deserialize(0, wire))
	assert.Equal(t, in, got)
}

func TestInputEvents_Deserialize_Errors(t *testing.T) {
	tests := []struct {
		name      string
		numEvents uint8
		data      []byte
		err       error
	}{
		{"missing count", 0, nil, ErrEventCount},
		{"fewer events than announced", 2, []byte{0x00, 0x1e}, ErrEventCount},
		{"trailing bytes", 1, []byte{0x00, 0x1e, 0x00}, ErrEventCount},
		{"truncated mouse", 1, []byte{0x20, 0x00, 0x08}, ErrInvalidLength},
		{"unknown code", 1, []byte{0xe0}, ErrUnknownEventCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got InputEvents
			assert.ErrorIs(t, got.Deserialize(tt.numEvents, tt.data), tt.err)
		})
	}
}

func TestEventCode_String(t *testing.T) {
	assert.Equal(t, "scancode", EventCodeScanCode.String())
	assert.Equal(t, "EventCode(7)", EventCode(7).String())
}

// =============================================================================
// Update tests (update.go)
// =============================================================================

func TestUpdate_Deserialize(t *testing.T) {
	tests := []struct {
		name                  string
		input                 []byte
		expectedUpdateCode    UpdateCode
		expectedFragmentation Fragment
		expectedCompression   Compression
		expectedSize          int
		expectedErr           error
	}{
		{
			name: "bitmap update without compression",
			// header: 0x01 (updateCode=1, frag=0, comp=0), size: 0x0005, data: 5 bytes
			input:              append([]byte{0x01, 0x05, 0x00}, make([]byte, 5)...),
			expectedUpdateCode: UpdateCodeBitmap,
			expectedSize:       5,
		},
		{
			name:               "synchronize update",
			input:              []byte{0x03, 0x00, 0x00},
			expectedUpdateCode: UpdateCodeSynchronize,
		},
		{
			name:               "pointer position update",
			input:              append([]byte{0x08, 0x04, 0x00}, make([]byte, 4)...),
			expectedUpdateCode: UpdateCodePTRPosition,
			expectedSize:       4,
		},
		{
			name: "update with fragmentation first",
			// header: 0x21 (updateCode=1, frag=2<<4=0x20)
			input:                 append([]byte{0x21, 0x05, 0x00}, make([]byte, 5)...),
			expectedUpdateCode:    UpdateCodeBitmap,
			expectedFragmentation: FragmentFirst,
			expectedSize:          5,
		},
		{
			name:                  "update with fragmentation last",
			input:                 append([]byte{0x11, 0x05, 0x00}, make([]byte, 5)...),
			expectedUpdateCode:    UpdateCodeBitmap,
			expectedFragmentation: FragmentLast,
			expectedSize:          5,
		},
		{
			name: "update with compression",
			// header: 0x81 (updateCode=1, comp=2<<6=0x80), compressionFlags, size, data
			input:               append([]byte{0x81, 0x01, 0x05, 0x00}, make([]byte, 5)...),
			expectedUpdateCode:  UpdateCodeBitmap,
			expectedCompression: CompressionUsed,
			expectedSize:        5,
		},
		{
			name:        "empty input",
			input:       []byte{},
			expectedErr: io.EOF,
		},
		{
			name:        "incomplete header - missing size",
			input:       []byte{0x01},
			expectedErr: io.ErrUnexpectedEOF,
		},
		{
			name:        "data shorter than size",
			input:       []byte{0x01, 0x05, 0x00, 0x01},
			expectedErr: io.ErrUnexpectedEOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update := &Update{}

			err := update.Deserialize(bytes.NewReader(tt.input))

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedUpdateCode, update.UpdateCode)
			assert.Equal(t, tt.expectedFragmentation, update.Fragmentation)
			assert.Equal(t, tt.expectedCompression, update.Compression)
			assert.Len(t, update.Data, tt.expectedSize)
		})
	}
}

func TestUpdates_RoundTrip(t *testing.T) {
	in := Updates{Updates: []Update{
		{UpdateCode: UpdateCodeBitmap, Fragmentation: FragmentFirst, Data: []byte{1, 2, 3}},
		{UpdateCode: UpdateCodeBitmap, Fragmentation: FragmentLast, Data: []byte{4}},
		{UpdateCode: UpdateCodeSynchronize},
		{UpdateCode: UpdateCodeOrders, Compression: CompressionUsed, CompressionFlags: 0x01, Data: []byte{9, 9}},
	}}

	var got Updates
	require.NoError(t, got.Deserialize(in.Serialize()))
	assert.Equal(t, in, got)
	assert.False(t, got.Updates[3].IsCompressed())
}

func TestUpdates_Truncated(t *testing.T) {
	var got Updates
	assert.ErrorIs(t, got.Deserialize([]byte{0x01, 0x05, 0x00, 0x01}), ErrInvalidLength)
}

func TestUpdate_IsCompressed(t *testing.T) {
	u := Update{Compression: CompressionUsed, CompressionFlags: PacketCompressed | 0x01}
	assert.True(t, u.IsCompressed())
}

func TestUpdateCode_Values(t *testing.T) {
	assert.Equal(t, UpdateCode(0x0), UpdateCodeOrders)
	assert.Equal(t, UpdateCode(0x1), UpdateCodeBitmap)
	assert.Equal(t, UpdateCode(0x4), UpdateCodeSurfCMDs)
	assert.Equal(t, UpdateCode(0x8), UpdateCodePTRPosition)
	assert.Equal(t, UpdateCode(0xc), UpdateCodeLargePointer)
}

func TestFragment_Values(t *testing.T) {
	assert.Equal(t, Fragment(0x0), FragmentSingle)
	assert.Equal(t, Fragment(0x1), FragmentLast)
	assert.Equal(t, Fragment(0x2), FragmentFirst)
	assert.Equal(t, Fragment(0x3), FragmentNext)
}
