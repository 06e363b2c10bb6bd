// Package catalog keeps the list of sessions the proxy has relayed, in memory
// or in Redis so several proxy instances can share one view.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcarmo/go-rdp-mitm/internal/config"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("catalog: session not found")

// Session states.
const (
	StateNegotiating = "negotiating"
	StateConnected   = "connected"
	StateClosed      = "closed"
)

// Entry describes one session.
type Entry struct {
	ID         string     `json:"id"`
	ClientAddr string     `json:"client"`
	TargetAddr string     `json:"target"`
	State      string     `json:"state"`
	Protocol   string     `json:"protocol,omitempty"`
	Username   string     `json:"username,omitempty"`
	Recording  string     `json:"recording,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Kind       string     `json:"kind,omitempty"`
}

// Closed reports whether the session has ended.
func (e *Entry) Closed() bool {
	return e.State == StateClosed
}

// Store persists entries. Put replaces the entry with the same id.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg config.CatalogConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.TTL), nil
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
	default:
		return nil, fmt.Errorf("catalog: unknown backend %q", cfg.Backend)
	}
}
