package proxy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks live sessions so the server can drain them on shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	draining atomic.Bool
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{sessions: make(map[string]*Session), log: log}
}

func (r *Registry) add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining.Load() {
		return false
	}
	r.sessions[s.ID()] = s
	return true
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Draining() bool { return r.draining.Load() }

// Drain stops accepting sessions, asks every live session to close and waits
// for them or for ctx.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining.Store(true)
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	r.log.Info("sessions_draining", slog.Int("count", len(live)))
	for _, s := range live {
		s.Shutdown()
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func deadlineSoon() time.Time { return time.Now().Add(time.Second) }
