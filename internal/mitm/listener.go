package mitm

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcarmo/go-rdp-mitm/internal/catalog"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
	"github.com/rcarmo/go-rdp-mitm/internal/logging"
	"github.com/rcarmo/go-rdp-mitm/internal/metrics"
)

const defaultConnectTimeout = 10 * time.Second

// Dialer opens the connection to the target.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Listener accepts clients and runs one session per connection.
type Listener struct {
	Config *Config

	// Target is the host:port every session connects to.
	Target string

	Dialer         Dialer
	ConnectTimeout time.Duration

	// MaxSessions bounds concurrent sessions; zero is unlimited.
	MaxSessions int

	Catalog catalog.Store
	Sinks   SinkFactory
	Stages  []intercept.Stage

	// NewLogger returns the logger of one session. Defaults to a logrus entry
	// tagged with the session id.
	NewLogger func(session string) Logger

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// waits for every session to finish.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	logging.Info("listening on %s, relaying to %s", ln.Addr(), l.Target)

	var err error
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			break
		}

		id, ok := l.admit()
		if !ok {
			metrics.SessionsRefused.Inc()
			logging.Warn("refusing %s: %d sessions active", conn.RemoteAddr(), l.MaxSessions)
			_ = conn.Close()
			continue
		}

		l.wg.Add(1)
		go l.handle(ctx, id, conn)
	}

	l.wg.Wait()

	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Active returns the number of running sessions.
func (l *Listener) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// admit reserves a slot for a new session.
func (l *Listener) admit() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.MaxSessions > 0 && len(l.sessions) >= l.MaxSessions {
		return "", false
	}

	if l.sessions == nil {
		l.sessions = make(map[string]*Session)
	}

	id := uuid.NewString()
	l.sessions[id] = nil

	return id, true
}

func (l *Listener) handle(ctx context.Context, id string, client net.Conn) {
	defer l.wg.Done()
	defer l.untrack(id)

	log := l.logger(id)

	server, err := l.dial(ctx)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues(TransportError.String()).Inc()
		log.Errorf("session %s: connect to %s: %v", id, l.Target, err)
		_ = client.Close()
		return
	}

	opts := []Option{WithID(id), WithLogger(log), WithStages(l.Stages...)}
	if l.Catalog != nil {
		opts = append(opts, WithCatalog(l.Catalog))
	}
	if l.Sinks != nil {
		opts = append(opts, WithSinks(l.Sinks))
	}

	s := NewSession(client, server, l.Config, opts...)
	l.track(id, s)

	if err := s.Run(ctx); err != nil {
		log.Debugf("session %s: %v", id, err)
	}
}

func (l *Listener) dial(ctx context.Context) (net.Conn, error) {
	timeout := l.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d Dialer = &net.Dialer{}
	if l.Dialer != nil {
		d = l.Dialer
	}

	return d.DialContext(ctx, "tcp", l.Target)
}

func (l *Listener) logger(id string) Logger {
	if l.NewLogger != nil {
		return l.NewLogger(id)
	}
	return logging.WithSession(id)
}

func (l *Listener) track(id string, s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[id] = s
}

func (l *Listener) untrack(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
}
