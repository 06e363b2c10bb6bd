package pdu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testClientCore() *ClientCoreData {
	core := &ClientCoreData{
		Version:                0x00080004,
		DesktopWidth:           1024,
		DesktopHeight:          768,
		ColorDepth:             0xCA01,
		SASSequence:            0xAA03,
		KeyboardLayout:         0x409,
		ClientBuild:            2600,
		KeyboardType:           4,
		KeyboardFunctionKey:    12,
		PostBeta2ColorDepth:    0xCA01,
		ClientProductId:        1,
		HighColorDepth:         HighColor24BPP,
		SupportedColorDepths:   0x0007,
		EarlyCapabilityFlags:   ECFSupportErrInfoPDU,
		ServerSelectedProtocol: uint32(NegotiationProtocolSSL),
		Length:                 clientCoreMaxLen,
	}
	copy(core.ClientName[:], EncodeUTF16("ELTONS-DEV2"))

	return core
}

// ==================== ClientCoreData ====================

func TestClientCoreData_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		length uint16
	}{
		{"minimum", clientCoreMinLen},
		{"through serverSelectedProtocol", 216},
		{"all fields", clientCoreMaxLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := testClientCore()
			core.Length = tt.length

			wire := core.Serialize()
			require.Len(t, wire, int(tt.length))

			var got ClientCoreData
			require.NoError(t, got.Deserialize(wire))
			require.Equal(t, tt.length, got.Length)
			require.Equal(t, "ELTONS-DEV2", got.Name())
			require.Equal(t, wire, got.Serialize())
		})
	}
}

func TestClientCoreData_TruncatedFieldsDropped(t *testing.T) {
	core := testClientCore()
	core.Length = clientCoreMinLen

	var got ClientCoreData
	require.NoError(t, got.Deserialize(core.Serialize()))
	require.Zero(t, got.ServerSelectedProtocol)
	require.Zero(t, got.HighColorDepth)
}

func TestClientCoreData_ExtraBytesKept(t *testing.T) {
	core := testClientCore()
	core.Extra = []byte{0xDE, 0xAD}

	var got ClientCoreData
	require.NoError(t, got.Deserialize(core.Serialize()))
	require.Equal(t, *core, got)
}

func TestClientCoreData_TooShort(t *testing.T) {
	var got ClientCoreData
	require.ErrorIs(t, got.Deserialize(make([]byte, clientCoreMinLen-1)), ErrShortData)
}

// ==================== ClientUserData ====================

func TestClientUserData_RoundTrip(t *testing.T) {
	ud := ClientUserData{
		Core:     testClientCore(),
		Security: &ClientSecurityData{EncryptionMethods: EncryptionMethod40Bit | EncryptionMethod128Bit},
		Network: &ClientNetworkData{Channels: []ChannelDefinition{
			{Name: "rdpdr", Options: ChannelOptionInitialized | ChannelOptionCompressRDP},
			{Name: "cliprdr", Options: ChannelOptionInitialized | ChannelOptionShowProtocol},
		}},
		Extra: []UserDataBlock{
			{Type: UserDataClientCluster, Data: []byte{0x0D, 0, 0, 0, 0, 0, 0, 0}},
		},
	}

	var got ClientUserData
	require.NoError(t, got.Deserialize(ud.Serialize()))
	require.Equal(t, ud, got)
	require.Equal(t, []string{"rdpdr", "cliprdr"}, got.ChannelNames())
}

func TestClientUserData_ChannelNameTruncated(t *testing.T) {
	ud := ClientUserData{
		Core:    testClientCore(),
		Network: &ClientNetworkData{Channels: []ChannelDefinition{{Name: "verylongname"}}},
	}

	var got ClientUserData
	require.NoError(t, got.Deserialize(ud.Serialize()))
	require.Equal(t, []string{"verylon"}, got.ChannelNames())
}

func TestClientUserData_DeserializeErrors(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
		err  error
	}{
		{"truncated header", []byte{0x01, 0xC0, 0x08}, ErrShortData},
		{"block longer than data", []byte{0x02, 0xC0, 0x10, 0x00, 0x00, 0x00}, ErrInvalidLength},
		{"block shorter than header", []byte{0x02, 0xC0, 0x02, 0x00}, ErrInvalidLength},
		{"missing core", []byte{0x02, 0xC0, 0x0C, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}, ErrShortData},
		{"bad channel count", []byte{0x03, 0xC0, 0x08, 0x00, 0x02, 0, 0, 0}, ErrInvalidLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ClientUserData
			require.ErrorIs(t, got.Deserialize(tt.wire), tt.err)
		})
	}
}

// ==================== ServerUserData ====================

func TestServerUserData_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ud   ServerUserData
	}{
		{
			name: "tls without encryption",
			ud: ServerUserData{
				Core:     &ServerCoreData{Version: 0x00080004, ClientRequestedProtocols: 3, Length: 8},
				Security: &ServerSecurityData{},
				Network:  &ServerNetworkData{MCSChannelID: 1003, ChannelIDs: []uint16{1004, 1005}},
			},
		},
		{
			name: "standard security with odd channels",
			ud: ServerUserData{
				Core: &ServerCoreData{Version: 0x00080004, Length: 12, EarlyCapabilityFlags: 1},
				Security: &ServerSecurityData{
					EncryptionMethod:  EncryptionMethod128Bit,
					EncryptionLevel:   EncryptionLevelClientCompatible,
					ServerRandom:      make([]byte, 32),
					ServerCertificate: []byte{0x01, 0x02, 0x03},
				},
				Network: &ServerNetworkData{MCSChannelID: 1003, ChannelIDs: []uint16{1004}},
				Extra:   []UserDataBlock{{Type: UserDataServerMessageChannel, Data: []byte{0xEE, 0x03}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ServerUserData
			require.NoError(t, got.Deserialize(tt.ud.Serialize()))
			require.Equal(t, tt.ud, got)
		})
	}
}

func TestServerNetworkData_UnpaddedOddCount(t *testing.T) {
	var got ServerNetworkData
	require.NoError(t, got.Deserialize([]byte{0xEB, 0x03, 0x01, 0x00, 0xEC, 0x03}))
	require.Equal(t, []uint16{1004}, got.ChannelIDs)
}

func TestServerSecurityData_LengthMismatch(t *testing.T) {
	wire := []byte{
		0x02, 0, 0, 0, // method
		0x02, 0, 0, 0, // level
		0x20, 0, 0, 0, // random length
		0x00, 0, 0, 0, // certificate length
		0x01, 0x02,
	}

	var got ServerSecurityData
	require.ErrorIs(t, got.Deserialize(wire), ErrInvalidLength)
}

// ==================== ServerCertificate ====================

func TestServerCertificate_ProprietaryRoundTrip(t *testing.T) {
	modulus := make([]byte, 72)
	for i := range modulus[:64] {
		modulus[i] = byte(i + 1)
	}

	cert := ServerCertificate{
		Version: CertChainVersion1,
		Proprietary: &ProprietaryCertificate{
			SigAlgID: SignatureAlgRSA,
			KeyAlgID: KeyExchangeAlgRSA,
			PublicKey: RSAPublicKey{
				Magic:   RSAPublicKeyMagic,
				KeyLen:  72,
				BitLen:  512,
				DataLen: 63,
				PubExp:  65537,
				Modulus: modulus,
			},
			SignatureBlob: make([]byte, 72),
		},
	}

	var got ServerCertificate
	require.NoError(t, got.Deserialize(cert.Serialize()))
	require.Equal(t, cert, got)
	require.Equal(t, CertChainVersion1, got.ChainVersion())

	signed := got.Proprietary.SignedData()
	require.Equal(t, cert.Serialize()[:len(signed)], signed)
}

func TestServerCertificate_X509RoundTrip(t *testing.T) {
	cert := ServerCertificate{
		Version:   CertChainVersion2 | CertTemporaryFlag,
		X509Chain: [][]byte{{0x30, 0x01, 0x00}, {0x30, 0x02, 0x00, 0x00}},
		Padding:   make([]byte, 16),
	}

	var got ServerCertificate
	require.NoError(t, got.Deserialize(cert.Serialize()))
	require.Equal(t, cert, got)
	require.Equal(t, CertChainVersion2, got.ChainVersion())
}

func TestServerCertificate_Errors(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
		err  error
	}{
		{"unknown version", []byte{0x03, 0, 0, 0}, ErrUnexpectedType},
		{"too many certificates", []byte{0x02, 0, 0, 0, 0xFF, 0, 0, 0}, ErrInvalidLength},
		{"truncated certificate", []byte{0x02, 0, 0, 0, 0x01, 0, 0, 0, 0x05, 0, 0, 0, 0x30}, ErrShortData},
		{"bad key blob", []byte{0x01, 0, 0, 0, 0x01, 0, 0, 0, 0x01, 0, 0, 0, 0x07, 0x00, 0x00, 0x00}, ErrUnexpectedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ServerCertificate
			require.ErrorIs(t, got.Deserialize(tt.wire), tt.err)
		})
	}
}
