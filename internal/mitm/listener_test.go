package mitm

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/go-rdp-mitm/internal/catalog"
	"github.com/rcarmo/go-rdp-mitm/internal/metrics"
)

// holdTarget accepts connections and keeps them open until the test ends.
func holdTarget(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var held []net.Conn
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()

	return ln.Addr().String()
}

func serve(t *testing.T, l *Listener) (addr string, cancel context.CancelFunc, done <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Serve(ctx, ln) }()

	t.Cleanup(cancel)
	return ln.Addr().String(), cancel, errc
}

func waitServe(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * ioTimeout):
		t.Fatal("listener did not stop")
	}
}

type failingDialer struct{}

func (failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

// =============================================================================
// Listener
// =============================================================================

func TestListener_MaxSessions(t *testing.T) {
	store := catalog.NewMemoryStore(time.Hour)
	l := &Listener{Config: testConfig(t), Target: holdTarget(t), MaxSessions: 1, Catalog: store}
	addr, cancel, done := serve(t, l)

	refused := testutil.ToFloat64(metrics.SessionsRefused)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool { return l.Active() == 1 }, ioTimeout, 10*time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(ioTimeout))
	_, err = second.Read(make([]byte, 1))
	assert.True(t, closedErr(err), "refused connection is closed, got %v", err)
	assert.Equal(t, refused+1, testutil.ToFloat64(metrics.SessionsRefused))
	assert.Equal(t, 1, l.Active())

	require.Eventually(t, func() bool {
		entries, err := store.List(context.Background())
		return err == nil && len(entries) == 1 && entries[0].State == catalog.StateNegotiating
	}, ioTimeout, 10*time.Millisecond)

	cancel()
	waitServe(t, done)
	assert.Zero(t, l.Active())

	entries, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, catalog.StateClosed, entries[0].State)
	assert.Equal(t, "shutdown", entries[0].Reason)
}

func TestListener_DialFailure(t *testing.T) {
	l := &Listener{Config: testConfig(t), Target: "192.0.2.1:3389", Dialer: failingDialer{}}
	addr, cancel, done := serve(t, l)

	failures := testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues(TransportError.String()))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
	_, err = conn.Read(make([]byte, 1))
	assert.True(t, closedErr(err), "client is closed when the target is unreachable, got %v", err)

	require.Eventually(t, func() bool { return l.Active() == 0 }, ioTimeout, 10*time.Millisecond)
	assert.Equal(t, failures+1, testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues(TransportError.String())))

	cancel()
	waitServe(t, done)
}

func TestListener_ShutdownIdle(t *testing.T) {
	l := &Listener{Config: testConfig(t), Target: holdTarget(t)}
	addr, cancel, done := serve(t, l)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.Close()

	cancel()
	waitServe(t, done)

	_, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
	assert.Error(t, err, "listener is closed after shutdown")
}
