package mitm

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/mcs"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
	"github.com/rcarmo/go-rdp-mitm/internal/security"
	"github.com/rcarmo/go-rdp-mitm/internal/transport"
)

const ioTimeout = 5 * time.Second

var (
	ioRoute = codec.Route{Initiator: 1007, ChannelID: mcs.GlobalChannelID}

	testCertOnce sync.Once
	testCert     tls.Certificate
	testKey      *rsa.PrivateKey
	targetKey    *rsa.PrivateKey
)

func keys(t *testing.T) {
	t.Helper()

	testCertOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		targetKey, err = rsa.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)

		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "proxy.test"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}

		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &testKey.PublicKey, testKey)
		require.NoError(t, err)

		testCert = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: testKey}
	})
}

func testAdapter(t *testing.T) *transport.Adapter {
	keys(t)
	a, err := transport.NewAdapter(testCert, "1.2")
	require.NoError(t, err)
	return a
}

func testConfig(t *testing.T) *Config {
	keys(t)
	return &Config{
		Adapter:            testAdapter(t),
		ProxyKey:           testKey,
		NLADomain:          "PROXY",
		NLAComputer:        "MITM01",
		NegotiationTimeout: ioTimeout,
		CloseTimeout:       time.Second,
	}
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	c := <-accepted
	require.NotNil(t, c)

	t.Cleanup(func() {
		_ = dialed.Close()
		_ = c.Close()
	})

	return dialed, c
}

// =============================================================================
// Endpoints
// =============================================================================

// endpoint is a fake RDP peer of the proxy. Its codec faces the proxy.
type endpoint struct {
	conn   net.Conn
	codec  *codec.Codec
	reader *frameReader
}

func newEndpoint(conn net.Conn, facing codec.Peer) *endpoint {
	c := codec.New(codec.Config{Peer: facing, Phase: codec.PhaseConnect})
	return &endpoint{conn: conn, codec: c, reader: newFrameReader(conn, c)}
}

func (e *endpoint) send(p codec.PDU) error {
	b, err := e.codec.Encode(p)
	if err != nil {
		return err
	}
	_, err = e.conn.Write(b)
	return err
}

func (e *endpoint) recv() (codec.PDU, error) {
	p, _, err := e.reader.nextWithin(ioTimeout)
	return p, err
}

func (e *endpoint) upgrade(conn net.Conn) {
	e.conn = conn
	e.reader = newFrameReader(conn, e.codec)
}

func expect[T codec.PDU](e *endpoint) (T, error) {
	var zero T

	p, err := e.recv()
	if err != nil {
		return zero, err
	}

	v, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("expected %T, got %s", zero, codec.Name(p))
	}
	return v, nil
}

func closedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func capabilities() []pdu.CapabilitySet {
	general := pdu.GeneralCapabilitySet{OSMajorType: 1, ProtocolVersion: 0x0200, ExtraFlags: 0x041D}
	bitmap := pdu.BitmapCapabilitySet{PreferredBitsPerPixel: 16, DesktopWidth: 1280, DesktopHeight: 1024}
	return []pdu.CapabilitySet{
		{Type: pdu.CapabilitySetTypeGeneral, Data: general.Serialize()},
		{Type: pdu.CapabilitySetTypeBitmap, Data: bitmap.Serialize()},
	}
}

func vcData(channel uint16, data string) *codec.VirtualChannelData {
	return &codec.VirtualChannelData{
		Route: codec.Route{Initiator: 1007, ChannelID: channel},
		Chunk: pdu.VirtualChannelPDU{
			Length: uint32(len(data)),
			Flags:  pdu.ChannelFlagFirst | pdu.ChannelFlagLast,
			Data:   []byte(data),
		},
	}
}

// =============================================================================
// Target
// =============================================================================

type targetConfig struct {
	adapter  *transport.Adapter
	selected pdu.NegotiationProtocol
	failure  pdu.NegotiationFailureCode
	channels []uint16

	// key enables standard security.
	key *rsa.PrivateKey

	// lookup verifies NLA when selected is hybrid.
	lookup transport.PasswordLookup
}

// targetLog is what the target observed. It is read after the target returns.
type targetLog struct {
	request   pdu.ClientConnectionRequest
	initial   *codec.MCSConnectInitial
	nla       *transport.NLAResult
	info      *pdu.ClientInfo
	connected bool
	vc        []*codec.VirtualChannelData
}

// startTarget serves one connection from the proxy. VC chunks are echoed back
// reversed.
func startTarget(conn net.Conn, cfg targetConfig) (*targetLog, <-chan error) {
	got := &targetLog{}
	done := make(chan error, 1)

	go func() {
		err := runTarget(newEndpoint(conn, codec.PeerClient), cfg, got)
		if closedErr(err) {
			err = nil
		}
		done <- err
	}()

	return got, done
}

func runTarget(e *endpoint, cfg targetConfig, got *targetLog) error {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	req, err := expect[*codec.NegotiationRequest](e)
	if err != nil {
		return err
	}
	got.request = req.Request

	if cfg.failure != 0 {
		if err := e.send(&codec.NegotiationResponse{Confirm: *pdu.NewNegotiationFailure(cfg.failure)}); err != nil {
			return err
		}
		_, err := e.recv()
		return err
	}

	if err := e.send(&codec.NegotiationResponse{Confirm: *pdu.NewNegotiationResponse(0, cfg.selected)}); err != nil {
		return err
	}

	if cfg.selected.UsesTLS() {
		conn, err := cfg.adapter.UpgradeServer(ctx, e.conn)
		if err != nil {
			return err
		}
		e.upgrade(conn)

		if cfg.selected.IsHybrid() {
			server := &transport.NLAServer{Domain: "TARGET", Computer: "TS01", Lookup: cfg.lookup}
			if got.nla, err = server.Accept(ctx, conn, cfg.adapter); err != nil {
				return err
			}
		}
	}

	if got.initial, err = expect[*codec.MCSConnectInitial](e); err != nil {
		return err
	}

	resp := &codec.MCSConnectResponse{
		Params: mcs.ConnectResponse{DomainParameters: mcs.NewConnectInitial(nil).TargetParameters},
		UserData: pdu.ServerUserData{
			Core:     &pdu.ServerCoreData{Version: 0x00080004, ClientRequestedProtocols: uint32(got.request.RequestedProtocols())},
			Security: &pdu.ServerSecurityData{},
			Network:  &pdu.ServerNetworkData{MCSChannelID: mcs.GlobalChannelID, ChannelIDs: cfg.channels},
		},
	}

	serverRandom := bytes.Repeat([]byte{0x5A}, security.RandomLen)
	if cfg.key != nil {
		cert, err := security.NewProprietaryCertificate(&cfg.key.PublicKey, security.TerminalServicesKey())
		if err != nil {
			return err
		}
		resp.UserData.Security = &pdu.ServerSecurityData{
			EncryptionMethod:  pdu.EncryptionMethod128Bit,
			EncryptionLevel:   pdu.EncryptionLevelClientCompatible,
			ServerRandom:      serverRandom,
			ServerCertificate: cert.Serialize(),
		}
	}

	if err := e.send(resp); err != nil {
		return err
	}

	// erect domain and attach user
	for range 2 {
		if _, err := expect[*codec.MCSDomain](e); err != nil {
			return err
		}
	}

	confirm := &codec.MCSDomain{Domain: mcs.DomainPDU{
		Application: mcs.AttachUserConfirm,
		AttachUser:  &mcs.AttachUser{Initiator: 1007, HasInitiator: true},
	}}
	if err := e.send(confirm); err != nil {
		return err
	}

	if cfg.key != nil {
		exchange, err := expect[*codec.SecurityExchange](e)
		if err != nil {
			return err
		}

		random, err := security.DecryptClientRandom(cfg.key, exchange.Exchange.EncryptedClientRandom)
		if err != nil {
			return err
		}

		keys, err := security.DeriveKeys(random, serverRandom, pdu.EncryptionMethod128Bit, security.RoleServer)
		if err != nil {
			return err
		}

		cipher, err := security.NewCipher(keys, true)
		if err != nil {
			return err
		}
		e.codec.SetCipher(cipher)
	}

	info, err := expect[*codec.ClientInfo](e)
	if err != nil {
		return err
	}
	got.info = &info.Info

	if err := e.send(&codec.Licensing{Route: ioRoute, License: *pdu.NewValidClientLicensing()}); err != nil {
		return err
	}

	e.codec.SetPhase(codec.PhaseActive)

	demand := &codec.DemandActive{Route: ioRoute, Source: 1002, Demand: pdu.DemandActive{
		ShareID: 0x000103EA, SourceDescriptor: []byte("RDP\x00"), CapabilitySets: capabilities(),
	}}
	if err := e.send(demand); err != nil {
		return err
	}

	if _, err := expect[*codec.ConfirmActive](e); err != nil {
		return err
	}
	got.connected = true

	for {
		p, _, err := e.reader.next()
		if err != nil {
			return err
		}

		if v, ok := p.(*codec.VirtualChannelData); ok {
			got.vc = append(got.vc, v)

			reversed := []byte(string(v.Chunk.Data))
			for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
				reversed[i], reversed[j] = reversed[j], reversed[i]
			}
			if err := e.send(vcData(v.ChannelID, string(reversed))); err != nil {
				return err
			}
		}
	}
}

// =============================================================================
// Client
// =============================================================================

type clientConfig struct {
	adapter   *transport.Adapter
	requested pdu.NegotiationProtocol
	channels  []string

	// nla is used when the proxy selects hybrid.
	nla transport.Credentials

	domain   string
	username string
	password string
}

// clientLog is what the client observed while connecting.
type clientLog struct {
	confirm  pdu.ServerConnectionConfirm
	response *codec.MCSConnectResponse
	proxyPub *rsa.PublicKey
	demand   *codec.DemandActive
}

var errRefused = errors.New("negotiation failure from proxy")

// connectClient runs the client side of the connection sequence up to and
// including Confirm Active.
func connectClient(e *endpoint, cfg clientConfig) (*clientLog, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	got := &clientLog{}

	req := &codec.NegotiationRequest{Request: pdu.ClientConnectionRequest{
		Cookie:             "user1",
		NegotiationRequest: &pdu.NegotiationRequest{RequestedProtocols: cfg.requested},
	}}
	if err := e.send(req); err != nil {
		return got, err
	}

	resp, err := expect[*codec.NegotiationResponse](e)
	if err != nil {
		return got, err
	}
	got.confirm = resp.Confirm

	if code := resp.Confirm.FailureCode(); code != 0 {
		return got, fmt.Errorf("%w: %s", errRefused, code)
	}

	selected := resp.Confirm.SelectedProtocol()
	if selected.UsesTLS() {
		conn, err := cfg.adapter.UpgradeClient(ctx, e.conn, "")
		if err != nil {
			return got, err
		}
		e.upgrade(conn)

		if selected.IsHybrid() {
			if err := transport.NLAClient(ctx, conn, cfg.nla); err != nil {
				return got, err
			}
		}
	}

	if err := e.send(&codec.MCSConnectInitial{Params: *mcs.NewConnectInitial(nil), UserData: clientUserData(cfg.channels)}); err != nil {
		return got, err
	}

	if got.response, err = expect[*codec.MCSConnectResponse](e); err != nil {
		return got, err
	}

	erect := &codec.MCSDomain{Domain: mcs.DomainPDU{Application: mcs.ErectDomainRequest, ErectDomain: &mcs.ErectDomain{}}}
	attach := &codec.MCSDomain{Domain: mcs.DomainPDU{Application: mcs.AttachUserRequest}}
	for _, p := range []codec.PDU{erect, attach} {
		if err := e.send(p); err != nil {
			return got, err
		}
	}

	if _, err := expect[*codec.MCSDomain](e); err != nil {
		return got, err
	}

	if sec := got.response.UserData.Security; sec != nil && sec.EncryptionMethod != pdu.EncryptionMethodNone {
		if err := clientExchange(e, sec, got); err != nil {
			return got, err
		}
	}

	info := &codec.ClientInfo{Route: ioRoute, Info: pdu.ClientInfo{
		CodePage: 0x409,
		Flags:    pdu.InfoUnicode | pdu.InfoMouse | pdu.InfoCompression,
		Domain:   cfg.domain,
		UserName: cfg.username,
		Password: cfg.password,
	}}
	if err := e.send(info); err != nil {
		return got, err
	}

	if _, err := expect[*codec.Licensing](e); err != nil {
		return got, err
	}
	e.codec.SetPhase(codec.PhaseActive)

	if got.demand, err = expect[*codec.DemandActive](e); err != nil {
		return got, err
	}

	confirm := &codec.ConfirmActive{Route: ioRoute, Source: 1007, Confirm: pdu.ConfirmActive{
		ShareID: got.demand.Demand.ShareID, OriginatorID: 1002, SourceDescriptor: []byte("MSTSC\x00"), CapabilitySets: capabilities(),
	}}
	return got, e.send(confirm)
}

func clientExchange(e *endpoint, sec *pdu.ServerSecurityData, got *clientLog) error {
	var cert pdu.ServerCertificate
	if err := cert.Deserialize(sec.ServerCertificate); err != nil {
		return err
	}
	if cert.Proprietary == nil {
		return errors.New("expected a proprietary certificate")
	}
	if err := security.VerifyProprietary(cert.Proprietary, &security.TerminalServicesKey().PublicKey); err != nil {
		return err
	}

	pub, err := security.ParseServerCertificate(sec.ServerCertificate)
	if err != nil {
		return err
	}
	got.proxyPub = pub

	random := bytes.Repeat([]byte{0x3C}, security.RandomLen)
	exchange := &codec.SecurityExchange{
		Route:    ioRoute,
		Exchange: pdu.SecurityExchange{EncryptedClientRandom: security.EncryptClientRandom(pub, random)},
	}
	if err := e.send(exchange); err != nil {
		return err
	}

	keys, err := security.DeriveKeys(random, sec.ServerRandom, sec.EncryptionMethod, security.RoleClient)
	if err != nil {
		return err
	}

	cipher, err := security.NewCipher(keys, security.EncryptsToward(security.RoleClient, sec.EncryptionLevel))
	if err != nil {
		return err
	}
	e.codec.SetCipher(cipher)

	return nil
}

func clientUserData(channels []string) pdu.ClientUserData {
	core := &pdu.ClientCoreData{
		Version:              0x00080004,
		DesktopWidth:         1280,
		DesktopHeight:        1024,
		ColorDepth:           0xCA01,
		SASSequence:          0xAA03,
		KeyboardLayout:       0x409,
		ClientBuild:          2600,
		KeyboardType:         4,
		KeyboardFunctionKey:  12,
		PostBeta2ColorDepth:  0xCA01,
		HighColorDepth:       pdu.HighColor16BPP,
		SupportedColorDepths: 0x000F,
		Length:               230,
	}
	copy(core.ClientName[:], pdu.EncodeUTF16("WORKSTATION"))

	var defs []pdu.ChannelDefinition
	for _, name := range channels {
		defs = append(defs, pdu.ChannelDefinition{Name: name, Options: pdu.ChannelOptionInitialized})
	}

	return pdu.ClientUserData{
		Core:     core,
		Security: &pdu.ClientSecurityData{EncryptionMethods: pdu.EncryptionMethod40Bit | pdu.EncryptionMethod128Bit},
		Network:  &pdu.ClientNetworkData{Channels: defs},
	}
}

// =============================================================================
// Sessions
// =============================================================================

type harness struct {
	session *Session
	client  *endpoint
	target  net.Conn
	result  <-chan error
}

// startSession runs a session between a fresh client and target connection.
func startSession(t *testing.T, cfg *Config, opts ...Option) *harness {
	t.Helper()

	clientConn, proxyClient := tcpPair(t)
	proxyServer, targetConn := tcpPair(t)

	s := NewSession(proxyClient, proxyServer, cfg, opts...)

	result := make(chan error, 1)
	go func() { result <- s.Run(context.Background()) }()

	t.Cleanup(s.Close)

	return &harness{
		session: s,
		client:  newEndpoint(clientConn, codec.PeerServer),
		target:  targetConn,
		result:  result,
	}
}

// wait returns the result of Run.
func (h *harness) wait(t *testing.T) error {
	t.Helper()

	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * ioTimeout):
		t.Fatal("session did not end")
		return nil
	}
}

func waitTarget(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * ioTimeout):
		t.Fatal("target did not finish")
	}
}

// collector records every event it sees.
type collector struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *collector) Name() string { return "collector" }

func (c *collector) Handle(ev *event.Event) (intercept.Result, error) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return intercept.Result{}, nil
}

func (c *collector) kind(k event.Kind) []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*event.Event
	for _, ev := range c.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
