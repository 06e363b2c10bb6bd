package auth

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// NTLM primitives
// =============================================================================

func TestNtowfv2(t *testing.T) {
	// MS-NLMP 4.2.4.1.1
	got := ntowfv2("Password", "User", "Domain")
	assert.Equal(t, "0c868a403bfd7a93a3001ef22ef02e3f", hex.EncodeToString(got))
}

func TestUnicodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []byte
	}{
		{"empty", "", []byte{}},
		{"ascii", "ab", []byte{'a', 0, 'b', 0}},
		{"non-ascii", "é", []byte{0xE9, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := unicodeEncode(tt.input)
			assert.Equal(t, len(tt.want), len(encoded))
			if len(tt.want) > 0 {
				assert.Equal(t, tt.want, encoded)
			}

			decoded, err := unicodeDecode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.input, decoded)
		})
	}
}

func TestFindAVPair(t *testing.T) {
	info := append(avPair(MsvAvNbDomainName, []byte{1, 2}), avPair(MsvAvTimestamp, []byte{9, 9, 9, 9, 9, 9, 9, 9})...)
	info = append(info, avPair(MsvAvEOL, nil)...)

	assert.Equal(t, []byte{1, 2}, findAVPair(info, MsvAvNbDomainName))
	assert.Len(t, findAVPair(info, MsvAvTimestamp), 8)
	assert.Nil(t, findAVPair(info, MsvAvDnsTreeName))
	assert.Nil(t, findAVPair(info[:5], MsvAvTimestamp))
}

func TestWithMICProvided(t *testing.T) {
	t.Run("inserts flags before EOL", func(t *testing.T) {
		info := append(avPair(MsvAvNbDomainName, []byte{1, 0}), avPair(MsvAvEOL, nil)...)

		out := withMICProvided(info)
		assert.Equal(t, []byte{2, 0, 0, 0}, findAVPair(out, MsvAvFlags))
		assert.Equal(t, []byte{1, 0}, findAVPair(out, MsvAvNbDomainName))
		assert.Len(t, info, 10, "input must not be modified")
	})

	t.Run("updates existing flags", func(t *testing.T) {
		info := append(avPair(MsvAvFlags, []byte{1, 0, 0, 0}), avPair(MsvAvEOL, nil)...)

		out := withMICProvided(info)
		assert.Equal(t, []byte{3, 0, 0, 0}, findAVPair(out, MsvAvFlags))
		assert.Equal(t, []byte{1, 0, 0, 0}, findAVPair(info, MsvAvFlags))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, withMICProvided(nil))
	})
}

func TestSplitUser(t *testing.T) {
	tests := []struct {
		input      string
		wantDomain string
		wantUser   string
	}{
		{`CORP\alice`, "CORP", "alice"},
		{"bob@corp.local", "corp.local", "bob"},
		{"carol", "DEFAULT", "carol"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			domain, user := SplitUser(tt.input, "DEFAULT")
			assert.Equal(t, tt.wantDomain, domain)
			assert.Equal(t, tt.wantUser, user)
		})
	}
}

// =============================================================================
// NTLM messages
// =============================================================================

func TestParseNegotiateMessage(t *testing.T) {
	wire := (&NegotiateMessage{Flags: clientFlags}).Serialize()

	msg, err := ParseNegotiateMessage(wire)
	require.NoError(t, err)
	assert.Equal(t, clientFlags, msg.Flags)
}

func TestParseMessage_Errors(t *testing.T) {
	negotiate := (&NegotiateMessage{Flags: clientFlags}).Serialize()

	badSignature := bytes.Clone(negotiate)
	badSignature[0] = 'X'

	tests := []struct {
		name  string
		parse func([]byte) error
		data  []byte
	}{
		{"negotiate truncated", func(b []byte) error { _, err := ParseNegotiateMessage(b); return err }, negotiate[:10]},
		{"negotiate bad signature", func(b []byte) error { _, err := ParseNegotiateMessage(b); return err }, badSignature},
		{"challenge wrong type", func(b []byte) error { _, err := ParseChallengeMessage(b); return err }, append(negotiate, make([]byte, 32)...)},
		{"authenticate truncated", func(b []byte) error { _, err := ParseAuthenticateMessage(b); return err }, negotiate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.parse(tt.data), ErrInvalidMessage)
		})
	}
}

func TestParseChallengeMessage_FieldOverrun(t *testing.T) {
	wire := (&ChallengeMessage{Flags: serverFlags, TargetInfo: avPair(MsvAvEOL, nil)}).Serialize()
	wire[40] = 0xFF // TargetInfo length

	_, err := ParseChallengeMessage(wire)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestAuthenticateMessage_RoundTrip(t *testing.T) {
	msg := &AuthenticateMessage{
		Flags:                     NegotiateUnicode | NegotiateKeyExch,
		LmChallengeResponse:       bytes.Repeat([]byte{1}, 24),
		NtChallengeResponse:       bytes.Repeat([]byte{2}, 48),
		Domain:                    "CORP",
		User:                      "alice",
		Workstation:               "WS01",
		EncryptedRandomSessionKey: bytes.Repeat([]byte{3}, 16),
		MIC:                       bytes.Repeat([]byte{4}, 16),
	}

	got, err := ParseAuthenticateMessage(msg.Serialize())
	require.NoError(t, err)

	assert.Equal(t, msg.Flags, got.Flags)
	assert.Equal(t, msg.LmChallengeResponse, got.LmChallengeResponse)
	assert.Equal(t, msg.NtChallengeResponse, got.NtChallengeResponse)
	assert.Equal(t, "CORP", got.Domain)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, "WS01", got.Workstation)
	assert.Equal(t, msg.EncryptedRandomSessionKey, got.EncryptedRandomSessionKey)
	assert.Equal(t, msg.MIC, got.MIC)
}

// =============================================================================
// NTLM exchange
// =============================================================================

type exchange struct {
	client  *Client
	server  *Server
	message *AuthenticateMessage
	cSess   *Session
}

func runExchange(t *testing.T, domain, user, password string) exchange {
	t.Helper()

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	client := NewClient(domain, user, password)
	client.now = func() time.Time { return fixed }

	server := NewServer("CORP", "RDP01")
	server.now = func() time.Time { return fixed }

	challenge, err := server.Challenge(client.Negotiate())
	require.NoError(t, err)

	authenticate, cSess, err := client.Authenticate(challenge)
	require.NoError(t, err)

	msg, err := ParseAuthenticateMessage(authenticate)
	require.NoError(t, err)

	return exchange{client: client, server: server, message: msg, cSess: cSess}
}

func TestServer_Verify(t *testing.T) {
	ex := runExchange(t, "CORP", "alice", "pass1")

	assert.Equal(t, "alice", ex.message.User)
	assert.Equal(t, "CORP", ex.message.Domain)
	assert.Len(t, ex.message.MIC, 16)
	assert.NotEqual(t, make([]byte, 16), ex.message.MIC, "timestamped challenge requires a MIC")

	sSess, err := ex.server.Verify(ex.message, "pass1")
	require.NoError(t, err)

	t.Run("client to server", func(t *testing.T) {
		sealed := ex.cSess.GssEncrypt([]byte("hello server"))
		plain, err := sSess.GssDecrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "hello server", string(plain))
	})

	t.Run("server to client", func(t *testing.T) {
		sealed := sSess.GssEncrypt([]byte("hello client"))
		plain, err := ex.cSess.GssDecrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "hello client", string(plain))
	})

	t.Run("tampered", func(t *testing.T) {
		sealed := ex.cSess.GssEncrypt([]byte("payload"))
		sealed[len(sealed)-1] ^= 0xFF
		_, err := sSess.GssDecrypt(sealed)
		assert.ErrorIs(t, err, ErrBadSeal)
	})

	t.Run("short", func(t *testing.T) {
		_, err := sSess.GssDecrypt([]byte{1, 0, 0, 0})
		assert.ErrorIs(t, err, ErrBadSeal)
	})
}

func TestServer_Verify_WrongPassword(t *testing.T) {
	ex := runExchange(t, "CORP", "alice", "pass1")

	_, err := ex.server.Verify(ex.message, "wrong")
	assert.ErrorIs(t, err, ErrLogonFailure)
}

func TestServer_Verify_NTLMv1(t *testing.T) {
	ex := runExchange(t, "CORP", "alice", "pass1")
	ex.message.NtChallengeResponse = ex.message.NtChallengeResponse[:24]

	_, err := ex.server.Verify(ex.message, "pass1")
	assert.ErrorIs(t, err, ErrUnsupportedResponse)
}

func TestServer_Challenge_RequiresExtendedSecurity(t *testing.T) {
	server := NewServer("CORP", "RDP01")
	negotiate := (&NegotiateMessage{Flags: NegotiateNTLM | NegotiateUnicode}).Serialize()

	_, err := server.Challenge(negotiate)
	assert.ErrorIs(t, err, ErrUnsupportedResponse)
}

func TestServer_Challenge_TargetInfo(t *testing.T) {
	server := NewServer("corp", "rdp01")
	client := NewClient("CORP", "alice", "x")

	wire, err := server.Challenge(client.Negotiate())
	require.NoError(t, err)

	msg, err := ParseChallengeMessage(wire)
	require.NoError(t, err)

	assert.Equal(t, server.ServerChallenge(), msg.ServerChallenge)
	assert.Len(t, msg.Timestamp, 8)
	assert.Equal(t, unicodeEncode("CORP"), findAVPair(msg.TargetInfo, MsvAvNbDomainName))
	assert.Equal(t, unicodeEncode("RDP01"), findAVPair(msg.TargetInfo, MsvAvNbComputerName))
	assert.NotZero(t, msg.Flags&NegotiateExtendedSessionSecurity)
}

func TestCapture_Hashcat(t *testing.T) {
	ex := runExchange(t, "CORP", "alice", "pass1")

	capture, err := ex.server.Capture(ex.message)
	require.NoError(t, err)

	line := capture.Hashcat()
	parts := strings.Split(line, ":")
	require.Len(t, parts, 6)

	challenge := ex.server.ServerChallenge()
	assert.Equal(t, "alice", parts[0])
	assert.Empty(t, parts[1])
	assert.Equal(t, "CORP", parts[2])
	assert.Equal(t, hex.EncodeToString(challenge[:]), parts[3])
	assert.Len(t, parts[4], 32)
	assert.Equal(t, hex.EncodeToString(ex.message.NtChallengeResponse[16:]), parts[5])
}

// =============================================================================
// DER
// =============================================================================

func TestEncodeLength(t *testing.T) {
	tests := []struct {
		length int
		want   []byte
	}{
		{0, []byte{0x00}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x81, 0x80}},
		{0xFF, []byte{0x81, 0xFF}},
		{0x100, []byte{0x82, 0x01, 0x00}},
		{0x10000, []byte{0x83, 0x01, 0x00, 0x00}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, encodeLength(tt.length), "length %d", tt.length)
	}
}

func TestEncodeInteger(t *testing.T) {
	tests := []struct {
		val  uint32
		want string
	}{
		{0, "020100"},
		{6, "020106"},
		{0x7F, "02017f"},
		{0x80, "02020080"},
		{0x1234, "02021234"},
		{StatusLogonFailure, "020500c000006d"},
	}

	for _, tt := range tests {
		encoded := encodeInteger(tt.val)
		assert.Equal(t, tt.want, hex.EncodeToString(encoded))

		got, err := parseInteger(encoded)
		require.NoError(t, err)
		assert.Equal(t, tt.val, got)
	}
}

func TestReadTLV_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"single byte", []byte{0x30}},
		{"overrun", []byte{0x30, 0x05, 0x00}},
		{"indefinite length", []byte{0x30, 0x80}},
		{"long form truncated", []byte{0x30, 0x82, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := readTLV(tt.data)
			assert.ErrorIs(t, err, ErrDER)
		})
	}
}

// =============================================================================
// CredSSP
// =============================================================================

func TestTSRequest_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  TSRequest
	}{
		{
			name: "nego token",
			req:  TSRequest{Version: CredSSPVersion, NegoTokens: [][]byte{[]byte("NTLMSSP\x00token")}},
		},
		{
			name: "pubkey auth with nonce",
			req: TSRequest{
				Version:     CredSSPVersion,
				NegoTokens:  [][]byte{bytes.Repeat([]byte{0xAA}, 300)},
				PubKeyAuth:  bytes.Repeat([]byte{0xBB}, 48),
				ClientNonce: bytes.Repeat([]byte{0xCC}, 32),
			},
		},
		{
			name: "auth info",
			req:  TSRequest{Version: 3, AuthInfo: []byte{1, 2, 3}},
		},
		{
			name: "error code",
			req:  TSRequest{Version: CredSSPVersion, ErrorCode: StatusLogonFailure},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTSRequest(tt.req.Serialize())
			require.NoError(t, err)
			assert.Equal(t, tt.req, *got)
		})
	}
}

func TestTSRequest_DefaultVersion(t *testing.T) {
	got, err := DecodeTSRequest((&TSRequest{}).Serialize())
	require.NoError(t, err)
	assert.Equal(t, CredSSPVersion, got.Version)
}

func TestDecodeTSRequest_Errors(t *testing.T) {
	valid := (&TSRequest{NegoTokens: [][]byte{{1, 2, 3}}}).Serialize()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not a sequence", []byte{0x04, 0x00}},
		{"truncated", valid[:len(valid)-1]},
		{"trailing bytes", append(bytes.Clone(valid), 0x00)},
		{"bad version", encodeSequence(encodeContextTag(0, encodeOctetString([]byte{1})))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTSRequest(tt.data)
			assert.ErrorIs(t, err, ErrDER)
		})
	}
}

func TestTSCredentials_RoundTrip(t *testing.T) {
	creds := &TSCredentials{Domain: "CORP", User: "admin", Password: "sécret"}

	got, err := DecodeTSCredentials(creds.Serialize())
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestDecodeTSCredentials_SmartCard(t *testing.T) {
	data := encodeSequence(
		encodeContextTag(0, encodeInteger(2)),
		encodeContextTag(1, encodeOctetString([]byte{0x30, 0x00})),
	)

	_, err := DecodeTSCredentials(data)
	assert.ErrorIs(t, err, ErrDER)
}

func TestClient_Credentials(t *testing.T) {
	creds := NewClient("CORP", "alice", "pass1").Credentials()
	assert.Equal(t, &TSCredentials{Domain: "CORP", User: "alice", Password: "pass1"}, creds)
}

func TestPubKeyAuth(t *testing.T) {
	pubKey := []byte{0x30, 0x82, 0x01, 0x0A, 0x02}
	nonce := bytes.Repeat([]byte{7}, 32)

	tests := []struct {
		name    string
		version int
	}{
		{"version 2", 2},
		{"version 4", 4},
		{"version 5", 5},
		{"version 6", 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := ComputeClientPubKeyAuth(tt.version, pubKey, nonce)
			server := ComputeServerPubKeyAuth(tt.version, pubKey, nonce)

			assert.NotEqual(t, client, server)
			assert.True(t, VerifyClientPubKeyAuth(tt.version, client, pubKey, nonce))
			assert.True(t, VerifyServerPubKeyAuth(tt.version, server, pubKey, nonce))
			assert.False(t, VerifyServerPubKeyAuth(tt.version, client, pubKey, nonce))

			if tt.version < 5 {
				assert.Equal(t, pubKey, client)
				assert.Equal(t, byte(0x31), server[0])
				assert.Equal(t, byte(0x30), pubKey[0], "input must not be modified")
			} else {
				assert.Len(t, client, 32)
				assert.Len(t, server, 32)
			}
		})
	}
}
