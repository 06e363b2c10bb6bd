// Package mitm relays one RDP client to one target through two independently
// negotiated legs. The coordinator advances both legs through the connection
// sequence in lockstep, rewriting what has to differ between them, and then
// hands each direction to its own pump.
package mitm

import (
	"context"
	"crypto/rsa"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcarmo/go-rdp-mitm/internal/auth"
	"github.com/rcarmo/go-rdp-mitm/internal/catalog"
	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
	"github.com/rcarmo/go-rdp-mitm/internal/leg"
	"github.com/rcarmo/go-rdp-mitm/internal/metrics"
	"github.com/rcarmo/go-rdp-mitm/internal/transport"
)

const (
	reasonShutdown = "shutdown"

	defaultNegotiationTimeout = 10 * time.Second
	defaultCloseTimeout       = 5 * time.Second
)

// Logger is the logging the session needs. *logrus.Entry satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Credentials replace what the client sends when Username is set.
type Credentials struct {
	Domain   string
	Username string
	Password string
}

// Configured reports whether substitution is enabled.
func (c Credentials) Configured() bool {
	return c.Username != ""
}

// Config is shared read-only by every session.
type Config struct {
	Policy Policy

	// Adapter holds the proxy certificate. Required for TLS on either leg.
	Adapter *transport.Adapter

	// ProxyKey is presented to standard security clients in a proprietary
	// certificate.
	ProxyKey *rsa.PrivateKey

	Credentials     Credentials
	BlockedChannels []string

	// NLADomain and NLAComputer are announced in NTLM challenges.
	NLADomain   string
	NLAComputer string

	// TargetName is sent as TLS server name to the target.
	TargetName string

	NegotiationTimeout time.Duration
	CloseTimeout       time.Duration
}

func (c *Config) negotiationTimeout() time.Duration {
	if c.NegotiationTimeout > 0 {
		return c.NegotiationTimeout
	}
	return defaultNegotiationTimeout
}

func (c *Config) closeTimeout() time.Duration {
	if c.CloseTimeout > 0 {
		return c.CloseTimeout
	}
	return defaultCloseTimeout
}

// side is one leg with its connection and codec.
type side struct {
	role   leg.Role
	leg    *leg.Leg
	codec  *codec.Codec
	origin event.Origin

	// raw is the TCP connection; conn is raw or the TLS connection over it.
	raw    net.Conn
	conn   net.Conn
	reader *frameReader

	// resume tells the reader goroutine to continue, true once the session
	// relays.
	resume chan bool

	wmu sync.Mutex
}

func newSide(role leg.Role, conn net.Conn) *side {
	peer, origin := codec.PeerClient, event.OriginClient
	if role == leg.RoleServer {
		peer, origin = codec.PeerServer, event.OriginServer
	}

	c := codec.New(codec.Config{Peer: peer, Phase: codec.PhaseConnect})

	return &side{
		role:   role,
		leg:    leg.New(role),
		codec:  c,
		origin: origin,
		raw:    conn,
		conn:   conn,
		reader: newFrameReader(conn, c),
		resume: make(chan bool, 1),
	}
}

// upgrade switches reads and writes to a secured connection.
func (sd *side) upgrade(conn net.Conn) {
	sd.conn = conn
	sd.reader = newFrameReader(conn, sd.codec)
}

func (sd *side) write(b []byte) error {
	sd.wmu.Lock()
	defer sd.wmu.Unlock()
	_, err := sd.conn.Write(b)
	return err
}

// direction labels traffic leaving this side.
func (sd *side) direction() string {
	if sd.role == leg.RoleClient {
		return metrics.ClientToServer
	}
	return metrics.ServerToClient
}

// Session is one client relayed to the target.
type Session struct {
	id     string
	cfg    *Config
	log    Logger
	store  catalog.Store
	sinkFn SinkFactory
	extra  []intercept.Stage

	client *side
	server *side

	pipeline *intercept.Pipeline
	sinks    *SinkSet

	started time.Time
	wg      sync.WaitGroup

	// negotiation state, owned by the coordinator
	connected bool
	nlaCreds  *auth.TSCredentials
	std       standardState

	mu     sync.Mutex
	entry  catalog.Entry
	reason string
	err    *SessionError

	once    sync.Once
	closing chan struct{}
	done    chan struct{}
}

// Option configures a session.
type Option func(*Session)

// WithID sets the session id instead of a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithLogger sets the session logger.
func WithLogger(l Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithCatalog records the session in store.
func WithCatalog(store catalog.Store) Option {
	return func(s *Session) { s.store = store }
}

// WithSinks opens the observing stages of the session through f.
func WithSinks(f SinkFactory) Option {
	return func(s *Session) { s.sinkFn = f }
}

// WithStages adds stages after the sinks and before the built-in transforms.
func WithStages(stages ...intercept.Stage) Option {
	return func(s *Session) { s.extra = append(s.extra, stages...) }
}

// NewSession pairs an accepted client connection with a connection to the
// target. The session owns both connections.
func NewSession(client, server net.Conn, cfg *Config, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		log:     nopLogger{},
		client:  newSide(leg.RoleClient, client),
		server:  newSide(leg.RoleServer, server),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session is finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Termination returns the recorded reason and failure. Both are empty while
// the session runs; the failure is nil for clean closes.
func (s *Session) Termination() (string, *SessionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.err
}

// Err returns the failure that ended the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

// Close terminates the session with the shutdown reason.
func (s *Session) Close() {
	s.terminate(nil, reasonShutdown)
}

// Run relays until either leg closes, a failure occurs or ctx is cancelled. It
// returns the classified failure, or nil for clean closes and shutdown.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	s.begin(ctx)

	<-s.closing
	s.waitIO()
	s.finalize()

	return s.Err()
}

func (s *Session) begin(ctx context.Context) {
	start := event.SessionStart{
		ID:         s.id,
		ClientAddr: addr(s.client.raw.RemoteAddr()),
		TargetAddr: addr(s.server.raw.RemoteAddr()),
		StartedAt:  s.started,
	}

	s.mu.Lock()
	s.entry = catalog.Entry{
		ID:         s.id,
		ClientAddr: start.ClientAddr,
		TargetAddr: start.TargetAddr,
		State:      catalog.StateNegotiating,
		StartedAt:  start.StartedAt,
	}
	s.mu.Unlock()

	err := s.openSinks(ctx, start)
	s.buildPipeline()
	if err != nil {
		s.fail(&SessionError{Kind: SinkFailure, Leg: leg.RoleClient, Err: err}, leg.RoleClient)
		return
	}

	s.log.Infof("session %s: %s -> %s", s.id, start.ClientAddr, start.TargetAddr)
	s.saveEntry(nil)

	if err := s.emit(event.NewSessionStart(start)); err != nil {
		s.fail(err, leg.RoleClient)
		return
	}

	if err := s.handshake(ctx); err != nil {
		s.fail(err, leg.RoleClient)
		return
	}

	s.coordinate()
}

func (s *Session) openSinks(ctx context.Context, start event.SessionStart) error {
	if s.sinkFn == nil {
		return nil
	}

	set, err := s.sinkFn(ctx, start)
	if set != nil {
		s.sinks = set
		if set.Recording != "" {
			s.saveEntry(func(e *catalog.Entry) { e.Recording = set.Recording })
		}
	}
	return err
}

func (s *Session) buildPipeline() {
	var stages []intercept.Stage
	if s.sinks != nil {
		stages = append(stages, s.sinks.Stages...)
	}
	stages = append(stages, s.extra...)

	if f := intercept.NewChannelFilter(s.cfg.BlockedChannels, s.client.leg.ChannelName); f != nil {
		stages = append(stages, f)
	}

	creds := s.cfg.Credentials
	if sub := intercept.NewCredentialSubstitution(creds.Domain, creds.Username, creds.Password); sub != nil {
		stages = append(stages, sub)
	}

	s.pipeline = intercept.New(stages,
		intercept.WithLogger(s.log),
		intercept.WithErrorHook(func(stage string) { metrics.SinkFailures.WithLabelValues(stage).Inc() }),
	)
}

// emit runs a non-PDU event through the pipeline.
func (s *Session) emit(ev *event.Event) error {
	if _, err := s.pipeline.Run(ev); err != nil {
		return &SessionError{Kind: SinkFailure, Leg: leg.RoleClient, Err: err}
	}
	return nil
}

// fail classifies err against side and terminates.
func (s *Session) fail(err error, role leg.Role) {
	se := Classify(err, role)
	s.terminate(se, se.Error())
}

// terminate records the first reason and closes both connections. Later calls
// are no-ops.
func (s *Session) terminate(se *SessionError, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = se
		s.reason = reason
		s.mu.Unlock()

		close(s.closing)

		for _, sd := range []*side{s.client, s.server} {
			sd.leg.Close(reason)
			_ = sd.raw.Close()
		}
	})
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// waitIO waits for reader and pump goroutines to observe the closed
// connections.
func (s *Session) waitIO() {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(s.cfg.closeTimeout()):
		s.log.Warnf("session %s: I/O goroutines still running after %s", s.id, s.cfg.closeTimeout())
	}
}

func (s *Session) finalize() {
	reason, se := s.Termination()

	end := event.SessionEnd{Reason: reason}
	kind := KindNone
	if se != nil {
		kind = se.Kind
		end.Kind = se.Kind.String()
		end.Leg = se.Leg.String()
	}

	if s.pipeline != nil {
		if _, err := s.pipeline.Run(event.NewSessionEnd(s.id, end)); err != nil {
			s.log.Warnf("session %s: record end: %v", s.id, err)
		}
	}

	if s.sinks != nil && s.sinks.Close != nil {
		if err := s.sinks.Close(); err != nil {
			s.log.Warnf("session %s: close sinks: %v", s.id, err)
		}
	}

	now := time.Now()
	s.saveEntry(func(e *catalog.Entry) {
		e.State = catalog.StateClosed
		e.EndedAt = &now
		e.Reason = reason
		e.Kind = end.Kind
	})

	metrics.SessionsTotal.WithLabelValues(kind.String()).Inc()
	metrics.SessionSeconds.Observe(now.Sub(s.started).Seconds())

	if se != nil {
		s.log.Warnf("session %s ended: %s", s.id, reason)
	} else {
		s.log.Infof("session %s ended: %s", s.id, reason)
	}

	close(s.done)
}

// saveEntry applies fn to the catalog entry and stores it.
func (s *Session) saveEntry(fn func(e *catalog.Entry)) {
	s.mu.Lock()
	if fn != nil {
		fn(&s.entry)
	}
	e := s.entry
	s.mu.Unlock()

	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.store.Put(ctx, e); err != nil {
		s.log.Warnf("session %s: catalog: %v", s.id, err)
	}
}

func (s *Session) other(sd *side) *side {
	if sd == s.client {
		return s.server
	}
	return s.client
}

func (s *Session) sideOf(role leg.Role) *side {
	if role == leg.RoleClient {
		return s.client
	}
	return s.server
}

func addr(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
