package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/go-rdp-mitm/internal/auth"
)

var (
	testCertOnce sync.Once
	testCert     tls.Certificate
)

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()

	testCertOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "proxy.test"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}

		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		require.NoError(t, err)

		testCert = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	})

	return testCert
}

func testAdapter(t *testing.T) *Adapter {
	a, err := NewAdapter(selfSigned(t), "1.0")
	require.NoError(t, err)
	return a
}

// tlsPair runs both handshakes over a pipe and returns (client side, server side).
func tlsPair(t *testing.T, a *Adapter) (*tls.Conn, *tls.Conn) {
	t.Helper()

	c, s := net.Pipe()
	t.Cleanup(func() {
		_ = c.Close()
		_ = s.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var serverConn *tls.Conn
	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		serverConn, serverErr = a.UpgradeServer(ctx, s)
	}()

	clientConn, err := a.UpgradeClient(ctx, c, "rdp.example.com")
	<-done
	require.NoError(t, err)
	require.NoError(t, serverErr)

	return clientConn, serverConn
}

// =============================================================================
// TLS
// =============================================================================

func TestUpgrade(t *testing.T) {
	a := testAdapter(t)
	client, server := tlsPair(t, a)

	go func() { _, _ = client.Write([]byte("hello")) }()

	buf := make([]byte, 5)
	_, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	peerKey, err := PeerPublicKey(client)
	require.NoError(t, err)

	ownKey, err := a.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, ownKey, peerKey)
}

func TestUpgradeServer_Failure(t *testing.T) {
	a := testAdapter(t)
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	go func() {
		_, _ = c.Write([]byte("GET /"))
		buf := make([]byte, 512)
		for {
			if _, err := c.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := a.UpgradeServer(context.Background(), s)
	assert.ErrorIs(t, err, ErrNegotiationFailed)
}

func TestUpgradeClient_Timeout(t *testing.T) {
	a := testAdapter(t)
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := s.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := a.UpgradeClient(ctx, c, "")
	assert.ErrorIs(t, err, ErrNegotiationFailed)
}

func TestNewAdapter_Errors(t *testing.T) {
	_, err := NewAdapter(tls.Certificate{}, "1.2")
	assert.Error(t, err)

	_, err = NewAdapter(tls.Certificate{Certificate: [][]byte{{1, 2, 3}}}, "1.2")
	assert.Error(t, err)

	_, err = LoadAdapter("/nonexistent/cert.pem", "/nonexistent/key.pem", "1.2")
	assert.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS10), ParseTLSVersion("1.0"))
	assert.Equal(t, uint16(tls.VersionTLS11), ParseTLSVersion("1.1"))
	assert.Equal(t, uint16(tls.VersionTLS13), ParseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), ParseTLSVersion("bogus"))
}

// =============================================================================
// DER framing
// =============================================================================

func TestReadTSRequest(t *testing.T) {
	req := &auth.TSRequest{NegoTokens: [][]byte{bytes.Repeat([]byte{0xAB}, 300)}}

	var buf bytes.Buffer
	require.NoError(t, WriteTSRequest(&buf, req))
	require.NoError(t, WriteTSRequest(&buf, &auth.TSRequest{ErrorCode: auth.StatusLogonFailure}))

	got, err := ReadTSRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req.NegoTokens, got.NegoTokens)

	got, err = ReadTSRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, auth.StatusLogonFailure, got.ErrorCode)
}

func TestReadTSRequest_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"wrong tag", []byte{0x31, 0x00}},
		{"indefinite length", []byte{0x30, 0x80}},
		{"oversized", []byte{0x30, 0x83, 0x10, 0x00, 0x00}},
		{"truncated", []byte{0x30, 0x05, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTSRequest(bytes.NewReader(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestSubjectPublicKey(t *testing.T) {
	cert := selfSigned(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	key, err := SubjectPublicKey(leaf.RawSubjectPublicKeyInfo)
	require.NoError(t, err)

	parsed, err := x509.ParsePKCS1PublicKey(key)
	require.NoError(t, err)
	assert.Equal(t, cert.PrivateKey.(*rsa.PrivateKey).PublicKey.N, parsed.N)

	_, err = SubjectPublicKey([]byte{0x30, 0x01})
	assert.Error(t, err)
}

// =============================================================================
// NLA
// =============================================================================

func runNLA(t *testing.T, server *NLAServer, creds Credentials) (clientErr error, result *NLAResult, serverErr error) {
	t.Helper()

	a := testAdapter(t)
	client, conn := tlsPair(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		result, serverErr = server.Accept(ctx, conn, a)
		if serverErr != nil {
			_ = conn.Close()
		}
	}()

	clientErr = NLAClient(ctx, client, creds)
	<-done

	return clientErr, result, serverErr
}

func TestNLA_Success(t *testing.T) {
	server := &NLAServer{Domain: "CORP", Computer: "TS01", Lookup: StaticPassword("user1", "pass1")}

	clientErr, result, serverErr := runNLA(t, server, Credentials{Domain: "CORP", Username: "user1", Password: "pass1"})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	require.NotNil(t, result.Hash)
	assert.Equal(t, "user1", result.Hash.User)
	assert.Contains(t, result.Hash.Hashcat(), "user1::CORP:")

	require.NotNil(t, result.Credentials)
	assert.Equal(t, "CORP", result.Credentials.Domain)
	assert.Equal(t, "user1", result.Credentials.User)
	assert.Equal(t, "pass1", result.Credentials.Password)
}

func TestNLA_DomainInUsername(t *testing.T) {
	server := &NLAServer{Domain: "CORP", Computer: "TS01", Lookup: StaticPassword(`CORP\admin`, "secret")}

	clientErr, result, serverErr := runNLA(t, server, Credentials{Username: `LAB\admin`, Password: "secret"})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, "LAB", result.Credentials.Domain)
}

func TestNLA_WrongPassword(t *testing.T) {
	server := &NLAServer{Domain: "CORP", Computer: "TS01", Lookup: StaticPassword("user1", "right")}

	clientErr, result, serverErr := runNLA(t, server, Credentials{Username: "user1", Password: "wrong"})
	assert.ErrorIs(t, clientErr, ErrNegotiationFailed)
	assert.ErrorIs(t, serverErr, ErrNegotiationFailed)
	assert.ErrorIs(t, serverErr, auth.ErrLogonFailure)

	require.NotNil(t, result.Hash, "hash is captured even when logon fails")
	assert.Nil(t, result.Credentials)
}

func TestNLA_NoLookup(t *testing.T) {
	clientErr, result, serverErr := runNLA(t, &NLAServer{Domain: "CORP", Computer: "TS01"}, Credentials{Username: "u", Password: "p"})
	assert.Error(t, clientErr)
	assert.True(t, errors.Is(serverErr, auth.ErrLogonFailure))
	assert.NotNil(t, result.Hash)
}

func TestStaticPassword(t *testing.T) {
	lookup := StaticPassword("Admin", "secret")

	pw, ok := lookup("ANY", "admin")
	assert.True(t, ok)
	assert.Equal(t, "secret", pw)

	_, ok = lookup("ANY", "other")
	assert.False(t, ok)

	_, ok = StaticPassword("", "x")("", "")
	assert.False(t, ok)
}
