package livestream

import (
	"sync"

	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
	"github.com/rcarmo/go-rdp-mitm/internal/metrics"
	"github.com/rcarmo/go-rdp-mitm/internal/recording"
)

// Subscription receives the records of one session. C is closed when the
// session ends, the hub closes or the subscription is cancelled.
type Subscription struct {
	C <-chan []byte

	c       chan []byte
	hub     *Hub
	session string
	once    sync.Once
}

// Cancel detaches the subscription.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.c) })
}

// Hub fans session records out to in-process subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	size   int
	closed bool
}

// NewHub returns a hub whose subscribers buffer size records.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), size: size}
}

// Subscribe attaches to a session. Sessions need not exist yet.
func (h *Hub) Subscribe(session string) *Subscription {
	c := make(chan []byte, h.size)
	sub := &Subscription{C: c, c: c, hub: h, session: session}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.close()
		return sub
	}

	if h.subs[session] == nil {
		h.subs[session] = make(map[*Subscription]struct{})
	}
	h.subs[session][sub] = struct{}{}

	return sub
}

// Subscribers returns the number of subscribers of a session.
func (h *Hub) Subscribers(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[session])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set := h.subs[sub.session]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.session)
		}
	}
	sub.close()
}

// Publish delivers rec to the session's subscribers. Slow subscribers miss
// records.
func (h *Hub) Publish(session string, rec []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[session] {
		select {
		case sub.c <- rec:
		default:
			metrics.LiveDropped.Inc()
		}
	}
}

// End closes every subscription of a session.
func (h *Hub) End(session string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[session] {
		sub.close()
	}
	delete(h.subs, session)
}

// Close ends all subscriptions and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for session, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, session)
	}
	return nil
}

// Stage returns an interception stage publishing a session's events.
func (h *Hub) Stage(session string) intercept.Stage {
	return &hubStage{hub: h, session: session}
}

type hubStage struct {
	hub     *Hub
	session string
}

func (s *hubStage) Name() string { return "live-view" }

func (s *hubStage) Handle(ev *event.Event) (intercept.Result, error) {
	pass := intercept.Result{Verdict: intercept.Pass}

	if s.hub.Subscribers(s.session) == 0 {
		return pass, nil
	}

	rec, err := recording.EncodeRecord(ev)
	if err != nil {
		return pass, err
	}

	s.hub.Publish(s.session, rec)
	if ev.Kind == event.KindSessionEnd {
		s.hub.End(s.session)
	}

	return pass, nil
}
