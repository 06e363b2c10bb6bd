// Package handler serves the admin HTTP surface: health probes, the session
// catalog, the effective configuration, Prometheus metrics and the websocket
// live view.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcarmo/go-rdp-mitm/internal/catalog"
	"github.com/rcarmo/go-rdp-mitm/internal/config"
	"github.com/rcarmo/go-rdp-mitm/internal/logging"
)

const catalogTimeout = 5 * time.Second

// Lister reads session entries.
type Lister interface {
	Get(ctx context.Context, id string) (catalog.Entry, error)
	List(ctx context.Context) ([]catalog.Entry, error)
}

// Options selects the routes NewMux registers. Nil fields leave their routes out.
type Options struct {
	Catalog Lister
	Hub     Subscriber

	// Ready reports whether the proxy accepts connections.
	Ready func() bool

	Metrics bool
}

// NewMux returns the admin routes.
func NewMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", Healthz)
	mux.HandleFunc("GET /readyz", Readyz(opts.Ready))
	mux.HandleFunc("GET /config", Config)

	if opts.Catalog != nil {
		mux.HandleFunc("GET /sessions", Sessions(opts.Catalog))
		mux.HandleFunc("GET /sessions/{id}", Session(opts.Catalog))
	}
	if opts.Hub != nil {
		mux.HandleFunc("GET /live", Live(opts.Hub))
	}
	if opts.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return mux
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports 503 until ready returns true. A nil ready is always ready.
func Readyz(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// Config returns the effective configuration without secrets.
func Config(w http.ResponseWriter, _ *http.Request) {
	cfg := config.GetGlobalConfig()
	if cfg == nil {
		http.Error(w, "configuration not loaded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Sessions lists catalog entries, oldest first. The optional "state" query
// parameter filters by state.
func Sessions(store Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
		defer cancel()

		entries, err := store.List(ctx)
		if err != nil {
			logging.Error("list sessions: %v", err)
			http.Error(w, "catalog unavailable", http.StatusBadGateway)
			return
		}

		if state := r.URL.Query().Get("state"); state != "" {
			filtered := entries[:0]
			for _, e := range entries {
				if e.State == state {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}

		sort.Slice(entries, func(i, j int) bool {
			return entries[i].StartedAt.Before(entries[j].StartedAt)
		})

		if entries == nil {
			entries = []catalog.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// Session returns one catalog entry.
func Session(store Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
		defer cancel()

		e, err := store.Get(ctx, r.PathValue("id"))
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
		case err != nil:
			logging.Error("get session: %v", err)
			http.Error(w, "catalog unavailable", http.StatusBadGateway)
		default:
			writeJSON(w, http.StatusOK, e)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("write response: %v", err)
	}
}
