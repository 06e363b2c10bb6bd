package tpkt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Encode(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		expected []byte
	}{
		{
			name:     "empty payload",
			payload:  []byte{},
			expected: []byte{0x03, 0x00, 0x00, 0x04},
		},
		{
			name:     "simple payload",
			payload:  []byte{0x02, 0xf0, 0x80},
			expected: []byte{0x03, 0x00, 0x00, 0x07, 0x02, 0xf0, 0x80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encode(tt.payload)
			require.NoError(t, err)
			require.Equal(t, tt.expected, out)
		})
	}
}

func Test_Encode_TooBig(t *testing.T) {
	_, err := Encode(make([]byte, MaxLength))
	require.ErrorIs(t, err, ErrPayloadTooBig)
}

func Test_Frame(t *testing.T) {
	wire := []byte{0x03, 0x00, 0x00, 0x07, 0x02, 0xf0, 0x80, 0xAA}

	payload, n, err := Frame(wire)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, []byte{0x02, 0xf0, 0x80}, payload)
}

func Test_Frame_Prefixes(t *testing.T) {
	wire := []byte{0x03, 0x00, 0x00, 0x07, 0x02, 0xf0, 0x80}

	for i := 0; i < len(wire); i++ {
		_, _, err := Frame(wire[:i])
		require.ErrorIs(t, err, ErrShortFrame, "prefix %d", i)
	}
}

func Test_ParseHeader_Errors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		err  error
	}{
		{"bad version", []byte{0x04, 0x00, 0x00, 0x07}, ErrInvalidVersion},
		{"length below header", []byte{0x03, 0x00, 0x00, 0x02}, ErrInvalidLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.buf)
			require.ErrorIs(t, err, tt.err)
		})
	}
}
