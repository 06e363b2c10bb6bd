package x224

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// ConnectionRequest
// =============================================================================

func Test_ConnectionRequest_Serialize(t *testing.T) {
	tests := []struct {
		name     string
		req      ConnectionRequest
		expected []byte
	}{
		{
			name: "with user data",
			req: ConnectionRequest{
				UserData: []byte{
					0x43, 0x6f, 0x6f, 0x6b, 0x69, 0x65, 0x3a, 0x20, 0x6d, 0x73, 0x74, 0x73, 0x68, 0x61, 0x73, 0x68,
					0x3d, 0x65, 0x6c, 0x74, 0x6f, 0x6e, 0x73, 0x0d, 0x0a, 0x01, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00,
					0x00,
				},
			},
			expected: []byte{
				0x27, 0xe0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x43, 0x6f, 0x6f, 0x6b, 0x69, 0x65, 0x3a, 0x20, 0x6d,
				0x73, 0x74, 0x73, 0x68, 0x61, 0x73, 0x68, 0x3d, 0x65, 0x6c, 0x74, 0x6f, 0x6e, 0x73, 0x0d, 0x0a,
				0x01, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00,
			},
		},
		{
			name:     "empty user data",
			req:      ConnectionRequest{SRCREF: 0x1234},
			expected: []byte{0x06, 0xe0, 0x00, 0x00, 0x12, 0x34, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.req.Serialize())
		})
	}
}

func Test_ConnectionRequest_RoundTrip(t *testing.T) {
	req := ConnectionRequest{DSTREF: 1, SRCREF: 2, UserData: []byte("Cookie: mstshash=a\r\n")}

	var got ConnectionRequest
	require.NoError(t, got.Deserialize(req.Serialize()))
	require.Equal(t, req, got)
}

func Test_ConnectionRequest_Deserialize_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		err   error
	}{
		{"too short", []byte{0x06, 0xe0, 0x00}, ErrSmallConnectionConfirmLength},
		{"length indicator", []byte{0x07, 0xe0, 0, 0, 0, 0, 0}, ErrLengthIndicatorMismatch},
		{"confirm code", []byte{0x06, 0xd0, 0, 0, 0, 0, 0}, ErrWrongConnectionRequestCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req ConnectionRequest
			require.ErrorIs(t, req.Deserialize(tt.input), tt.err)
		})
	}
}

// =============================================================================
// ConnectionConfirm
// =============================================================================

func Test_ConnectionConfirm_Deserialize(t *testing.T) {
	input := []byte{
		0x0e, 0xd0, 0x00, 0x00,
		0x12, 0x34, 0x00, 0x02,
		0x00, 0x08, 0x00, 0x02,
		0x00, 0x00, 0x00,
	}

	var cc ConnectionConfirm
	require.NoError(t, cc.Deserialize(input))
	require.Equal(t, uint16(0x1234), cc.SRCREF)
	require.Equal(t, []byte{0x02, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00}, cc.UserData)
	require.Equal(t, input, cc.Serialize())
}

func Test_ConnectionConfirm_WrongCode(t *testing.T) {
	var cc ConnectionConfirm
	err := cc.Deserialize([]byte{0x06, 0xe0, 0, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrWrongConnectionConfirmCode)
}

// =============================================================================
// Data
// =============================================================================

func Test_Data(t *testing.T) {
	d := Data{UserData: []byte{0x01, 0x02, 0x03, 0x04}}
	wire := d.Serialize()
	require.Equal(t, []byte{0x02, 0xF0, 0x80, 0x01, 0x02, 0x03, 0x04}, wire)

	var got Data
	require.NoError(t, got.Deserialize(wire))
	require.Equal(t, d.UserData, got.UserData)

	require.ErrorIs(t, got.Deserialize([]byte{0x03, 0xF0, 0x80}), ErrWrongDataLength)
	require.Equal(t, CodeData, Code(wire))
}
