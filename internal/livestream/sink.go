// Package livestream forwards session records to a viewer as they happen:
// over the network to a configured destination, or in process to admin
// websocket subscribers through a Hub.
package livestream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
	"github.com/rcarmo/go-rdp-mitm/internal/metrics"
	"github.com/rcarmo/go-rdp-mitm/internal/recording"
)

// Transports.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// LivePath is the websocket path records are streamed to.
const LivePath = "/live"

const (
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

// ErrUnknownTransport is returned for transports other than tcp and websocket.
var ErrUnknownTransport = errors.New("livestream: unknown transport")

// Options configures a network sink.
type Options struct {
	Addr      string
	Transport string
	QueueSize int
	Session   string
}

// writer is one framed destination.
type writer interface {
	WriteRecord(rec []byte) error
	Close() error
}

type tcpWriter struct {
	conn net.Conn
}

func (w *tcpWriter) WriteRecord(rec []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := w.conn.Write(rec)
	return err
}

func (w *tcpWriter) Close() error { return w.conn.Close() }

type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteRecord(rec []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, rec)
}

func (w *wsWriter) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.conn.Close()
}

func dial(ctx context.Context, opts Options) (writer, error) {
	switch opts.Transport {
	case "", TransportTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", opts.Addr)
		if err != nil {
			return nil, err
		}
		w := &tcpWriter{conn: conn}
		if err := w.WriteRecord([]byte(recording.Magic)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return w, nil

	case TransportWebSocket:
		u := url.URL{Scheme: "ws", Host: opts.Addr, Path: LivePath}
		if opts.Session != "" {
			u.RawQuery = url.Values{"session": {opts.Session}}.Encode()
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		return &wsWriter{conn: conn}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, opts.Transport)
	}
}

// Sink is a best-effort interception stage that streams records to a remote
// viewer. Records are encoded when handled and written by a background
// goroutine; a full queue drops the record.
type Sink struct {
	w     writer
	queue chan []byte
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial connects to the destination and starts the writer.
func Dial(ctx context.Context, opts Options) (*Sink, error) {
	w, err := dial(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("livestream: connect %s: %w", opts.Addr, err)
	}

	return newSink(w, opts.QueueSize), nil
}

func newSink(w writer, size int) *Sink {
	if size <= 0 {
		size = defaultQueueSize
	}

	s := &Sink{
		w:     w,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
	go s.run()

	return s
}

func (s *Sink) run() {
	defer close(s.done)

	for rec := range s.queue {
		if s.failed() {
			continue
		}
		if err := s.w.WriteRecord(rec); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}
}

func (s *Sink) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

// Err returns the write error that stopped the stream, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sink) Name() string { return "live-stream" }

// Handle queues ev and always passes. Encoding errors are reported; transport
// errors are not.
func (s *Sink) Handle(ev *event.Event) (intercept.Result, error) {
	pass := intercept.Result{Verdict: intercept.Pass}

	rec, err := recording.EncodeRecord(ev)
	if err != nil {
		return pass, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil {
		return pass, nil
	}

	select {
	case s.queue <- rec:
	default:
		metrics.LiveDropped.Inc()
	}

	return pass, nil
}

// Close flushes queued records, waiting at most timeout, and closes the
// connection.
func (s *Sink) Close(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(timeout):
	}

	return s.w.Close()
}
