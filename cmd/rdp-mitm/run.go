package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcarmo/go-rdp-mitm/internal/catalog"
	"github.com/rcarmo/go-rdp-mitm/internal/config"
	"github.com/rcarmo/go-rdp-mitm/internal/handler"
	"github.com/rcarmo/go-rdp-mitm/internal/livestream"
	"github.com/rcarmo/go-rdp-mitm/internal/logging"
	"github.com/rcarmo/go-rdp-mitm/internal/mitm"
	"github.com/rcarmo/go-rdp-mitm/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// run starts the proxy and its HTTP servers and blocks until ctx is cancelled
// and every session has finished.
func run(ctx context.Context, cfg *config.Config) error {
	logs, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logs.Close()

	mcfg, err := proxyConfig(cfg)
	if err != nil {
		return err
	}

	store, err := catalog.Open(ctx, cfg.Catalog)
	if err != nil {
		return fmt.Errorf("open session catalog: %w", err)
	}
	defer store.Close()

	hub := livestream.NewHub(cfg.LiveStream.QueueSize)
	defer hub.Close()

	sinks := mitm.NewSinkFactory(mitm.SinkConfig{
		Recording:    cfg.Recording,
		Live:         cfg.LiveStream,
		CloseTimeout: cfg.Timeouts.Close,
	}, hub, logging.WithFields(logrus.Fields{"component": "sinks"}))

	listener := &mitm.Listener{
		Config:         mcfg,
		Target:         cfg.Target.Addr(),
		ConnectTimeout: cfg.Timeouts.Connect,
		MaxSessions:    cfg.Server.MaxSessions,
		Catalog:        store,
		Sinks:          sinks,
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var ready atomic.Bool
	var wg sync.WaitGroup

	for _, srv := range httpServers(cfg, store, hub, ready.Load) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, srv)
		}()
	}

	ready.Store(true)
	err = listener.Serve(ctx, ln)
	ready.Store(false)

	wg.Wait()
	logging.Info("shutdown complete")

	return err
}

// proxyConfig derives the session configuration, loading or generating the
// proxy certificate.
func proxyConfig(cfg *config.Config) (*mitm.Config, error) {
	certFile, keyFile, err := certificatePaths(cfg.Security)
	if err != nil {
		return nil, err
	}

	adapter, err := transport.LoadAdapter(certFile, keyFile, cfg.Security.MinTLSVersion)
	if err != nil {
		return nil, err
	}

	mcfg := &mitm.Config{
		Policy: mitm.Policy{
			NLA:              cfg.Security.NLA,
			StandardSecurity: cfg.Security.StandardSecurity,
		},
		Adapter: adapter,
		Credentials: mitm.Credentials{
			Domain:   cfg.Credentials.Domain,
			Username: cfg.Credentials.Username,
			Password: cfg.Credentials.Password,
		},
		BlockedChannels:    cfg.Security.BlockedChannels,
		NLADomain:          "RDP-MITM",
		NLAComputer:        "RDP-MITM",
		TargetName:         cfg.Target.Host,
		NegotiationTimeout: cfg.Timeouts.Negotiation,
		CloseTimeout:       cfg.Timeouts.Close,
	}

	if key, ok := rsaKey(adapter.Certificate()); ok {
		mcfg.ProxyKey = key
	} else {
		logging.Warn("certificate key is not RSA; standard RDP security clients will be refused")
	}

	if cfg.Security.NLA && !cfg.Credentials.Configured() {
		logging.Warn("NLA interception without -u/-p only captures hashes; clients will fail authentication")
	}

	return mcfg, nil
}

// httpServers returns the admin and metrics servers that are configured. When
// both share an address, metrics are served by the admin server.
func httpServers(cfg *config.Config, store catalog.Store, hub *livestream.Hub, ready func() bool) []*http.Server {
	var servers []*http.Server

	if cfg.Admin.Listen != "" {
		mux := handler.NewMux(handler.Options{
			Catalog: store,
			Hub:     hub,
			Ready:   ready,
			Metrics: cfg.Metrics.Enabled && (cfg.Metrics.Listen == "" || cfg.Metrics.Listen == cfg.Admin.Listen),
		})
		servers = append(servers, newHTTPServer(cfg.Admin.Listen, mux))
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" && cfg.Metrics.Listen != cfg.Admin.Listen {
		mux := handler.NewMux(handler.Options{Ready: ready, Metrics: true})
		servers = append(servers, newHTTPServer(cfg.Metrics.Listen, mux))
	}

	return servers
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           requestLoggingMiddleware(securityHeadersMiddleware(h)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// serveHTTP runs srv until ctx is cancelled.
func serveHTTP(ctx context.Context, srv *http.Server) {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("shutdown %s: %v", srv.Addr, err)
		}
	})
	defer stop()

	logging.Info("serving HTTP on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("http server %s: %v", srv.Addr, err)
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug("%s %s %s %s", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}
