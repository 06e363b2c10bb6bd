package mcs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Connect PDUs
// ============================================================================

func TestConnectPDU_InitialRoundTrip(t *testing.T) {
	pdu := NewConnectInitialPDU(NewConnectInitial([]byte{0xDE, 0xAD, 0xBE, 0xEF}))

	wire := pdu.Serialize()
	require.Equal(t, uint8(0x7f), wire[0])
	require.Equal(t, uint8(0x65), wire[1])
	require.True(t, IsConnectPDU(wire))

	var got ConnectPDU
	require.NoError(t, got.Deserialize(bytes.NewReader(wire)))
	require.Equal(t, pdu, &got)
}

func TestConnectPDU_ResponseRoundTrip(t *testing.T) {
	pdu := NewConnectResponsePDU(&ConnectResponse{
		Result:          RTSuccessful,
		CalledConnectID: 0,
		DomainParameters: DomainParameters{
			MaxChannelIds: 34, MaxUserIds: 3, MaxTokenIds: 0, NumPriorities: 1,
			MinThroughput: 0, MaxHeight: 1, MaxMCSPDUsize: 0xfff8, ProtocolVersion: 2,
		},
		UserData: bytes.Repeat([]byte{0x42}, 300),
	})

	var got ConnectPDU
	require.NoError(t, got.Deserialize(bytes.NewReader(pdu.Serialize())))
	require.Equal(t, pdu, &got)
}

func TestConnectPDU_Deserialize_Errors(t *testing.T) {
	valid := NewConnectInitialPDU(NewConnectInitial([]byte{0x01})).Serialize()

	testCases := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{
			name:    "unknown application",
			input:   []byte{0x7f, 0x67, 0x00},
			wantErr: ErrUnknownConnectApplication,
		},
		{
			name:    "length mismatch",
			input:   append(append([]byte{}, valid...), 0x00),
			wantErr: ErrLengthMismatch,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var pdu ConnectPDU
			require.ErrorIs(t, pdu.Deserialize(bytes.NewReader(tc.input)), tc.wantErr)
		})
	}
}

// ============================================================================
// Domain PDUs
// ============================================================================

func TestDomainPDU_Serialize(t *testing.T) {
	tests := []struct {
		name     string
		pdu      DomainPDU
		expected []byte
	}{
		{
			name:     "erect domain request",
			pdu:      DomainPDU{Application: ErectDomainRequest, ErectDomain: &ErectDomain{}},
			expected: []byte{0x04, 0x01, 0x00, 0x01, 0x00},
		},
		{
			name:     "attach user request",
			pdu:      DomainPDU{Application: AttachUserRequest},
			expected: []byte{0x28},
		},
		{
			name: "attach user confirm",
			pdu: DomainPDU{Application: AttachUserConfirm, AttachUser: &AttachUser{
				Result: RTSuccessful, Initiator: 1007, HasInitiator: true,
			}},
			expected: []byte{0x2e, 0x00, 0x00, 0x06},
		},
		{
			name: "channel join request",
			pdu: DomainPDU{Application: ChannelJoinRequest, ChannelJoin: &ChannelJoin{
				Initiator: 1007, ChannelID: 1003,
			}},
			expected: []byte{0x38, 0x00, 0x06, 0x03, 0xeb},
		},
		{
			name: "channel join confirm",
			pdu: DomainPDU{Application: ChannelJoinConfirm, ChannelJoin: &ChannelJoin{
				Result: RTSuccessful, Initiator: 1007, Requested: 1003, ChannelID: 1003, HasChannelID: true,
			}},
			expected: []byte{0x3e, 0x00, 0x00, 0x06, 0x03, 0xeb, 0x03, 0xeb},
		},
		{
			name:     "send data request",
			pdu:      *NewSendData(SendDataRequest, 1007, 1003, []byte{0xAA, 0xBB}),
			expected: []byte{0x64, 0x00, 0x06, 0x03, 0xeb, 0x70, 0x02, 0xAA, 0xBB},
		},
		{
			name:     "disconnect provider ultimatum",
			pdu:      DomainPDU{Application: DisconnectProviderUltimatum, Reason: RNUserRequested},
			expected: []byte{0x21, 0x80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := tt.pdu.Serialize()
			require.Equal(t, tt.expected, wire)

			var got DomainPDU
			require.NoError(t, got.Deserialize(wire))
			require.Equal(t, tt.pdu, got)
		})
	}
}

func TestDomainPDU_SendDataLongLength(t *testing.T) {
	pdu := NewSendData(SendDataIndication, 1002, 1004, bytes.Repeat([]byte{1}, 0x1ff))

	var got DomainPDU
	require.NoError(t, got.Deserialize(pdu.Serialize()))
	require.Equal(t, pdu, &got)
	require.True(t, got.Application.IsSendData())
}

func TestDomainPDU_Deserialize_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		err   error
	}{
		{"send data length mismatch", []byte{0x64, 0x00, 0x06, 0x03, 0xeb, 0x70, 0x03, 0xAA, 0xBB}, ErrLengthMismatch},
		{"trailing bytes", []byte{0x38, 0x00, 0x06, 0x03, 0xeb, 0x00}, ErrTrailingData},
		{"unknown application", []byte{0xF0}, ErrUnknownDomainApplication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pdu DomainPDU
			require.ErrorIs(t, pdu.Deserialize(tt.input), tt.err)
		})
	}
}

func TestDomainApplication_String(t *testing.T) {
	require.Equal(t, "SendDataRequest", SendDataRequest.String())
	require.Equal(t, "DomainApplication(2)", mergeChannelsRequest.String())
}
