package service

import (
	"sync"
	"time"

	"posgateway/internal/checkout"
	"posgateway/internal/metrics"
)

// registry holds live checkout sessions. Sessions untouched for longer than
// idle are dropped on the next access, unless a submission is in flight.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*checkout.Session
	idle     time.Duration
	now      func() time.Time
}

func newRegistry(idle time.Duration) *registry {
	if idle <= 0 {
		idle = 2 * time.Hour
	}
	return &registry{
		sessions: make(map[string]*checkout.Session),
		idle:     idle,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *registry) put(sess *checkout.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	r.sessions[sess.ID()] = sess
	metrics.SetActiveSessions(len(r.sessions))
}

func (r *registry) get(id string) (*checkout.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	metrics.SetActiveSessions(len(r.sessions))
}

func (r *registry) list() []*checkout.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	out := make([]*checkout.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

func (r *registry) pruneLocked() {
	cutoff := r.now().Add(-r.idle)
	pruned := false
	for id, sess := range r.sessions {
		state := sess.State()
		if state == checkout.StateSubmitting || state == checkout.StateValidating {
			continue
		}
		if sess.UpdatedAt().Before(cutoff) {
			delete(r.sessions, id)
			pruned = true
		}
	}
	if pruned {
		metrics.SetActiveSessions(len(r.sessions))
	}
}
