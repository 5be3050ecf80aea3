package assistant

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// Factory builds a dispatcher for a user's browser tab.
type Factory func(userID, sessionID string) *Dispatcher

// CloseCallback is called when a dispatcher is torn down, explicitly or by the sweeper.
type CloseCallback func(userID, sessionID string, d *Dispatcher)

// Registry keeps one dispatcher per user and session (browser tab).
type Registry struct {
	mu      sync.RWMutex
	active  map[string]map[string]*Dispatcher
	factory Factory
	onClose CloseCallback
	now     func() time.Time
}

// NewRegistry creates an empty registry. onClose may be nil.
func NewRegistry(factory Factory, onClose CloseCallback) *Registry {
	return &Registry{
		active:  make(map[string]map[string]*Dispatcher),
		factory: factory,
		onClose: onClose,
		now:     time.Now,
	}
}

// Get returns the dispatcher for a user and session, or nil.
func (r *Registry) Get(userID, sessionID string) *Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessions, ok := r.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Activate creates a fresh dispatcher for the user and session, replacing
// any existing one, and runs its greeting.
func (r *Registry) Activate(ctx context.Context, userID, sessionID string) (*Dispatcher, error) {
	d := r.factory(userID, sessionID)

	r.mu.Lock()
	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*Dispatcher)
	}
	previous := r.active[userID][sessionID]
	r.active[userID][sessionID] = d
	r.mu.Unlock()

	if previous != nil {
		r.close(userID, sessionID, previous)
	}

	if _, err := d.Start(ctx); err != nil {
		return nil, err
	}
	slog.Info("Assistant activated",
		"user_id", userID,
		"session_id", sessionID,
		"conversation_id", d.ConversationID(),
	)
	return d, nil
}

// Release tears down the dispatcher for a user and session.
func (r *Registry) Release(userID, sessionID string) bool {
	r.mu.Lock()
	sessions, ok := r.active[userID]
	var d *Dispatcher
	if ok {
		d = sessions[sessionID]
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.active, userID)
		}
	}
	r.mu.Unlock()

	if d == nil {
		return false
	}
	r.close(userID, sessionID, d)
	return true
}

// Len returns the number of active dispatchers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}

// Sweep tears down dispatchers idle for longer than ttl. Dispatchers in the
// middle of a turn are skipped.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	type expired struct {
		userID, sessionID string
		d                 *Dispatcher
	}
	var victims []expired

	r.mu.Lock()
	for userID, sessions := range r.active {
		for sessionID, d := range sessions {
			if d.busy.Load() || d.LastActive().After(cutoff) {
				continue
			}
			victims = append(victims, expired{userID, sessionID, d})
			delete(sessions, sessionID)
		}
		if len(sessions) == 0 {
			delete(r.active, userID)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		slog.Info("Sweeper closing idle assistant",
			"user_id", v.userID,
			"session_id", v.sessionID,
			"idle", r.now().Sub(v.d.LastActive()),
		)
		r.close(v.userID, v.sessionID, v.d)
	}
	return len(victims)
}

// StartSweeper periodically tears down idle dispatchers until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Assistant sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(ttl); n > 0 {
					slog.Info("Assistant sweeper cleanup completed", "closed", n)
				}
			case <-ctx.Done():
				slog.Info("Assistant sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// CloseAll tears down every dispatcher, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]map[string]*Dispatcher)
	r.mu.Unlock()

	for userID, sessions := range active {
		for sessionID, d := range sessions {
			r.close(userID, sessionID, d)
		}
	}
}

func (r *Registry) close(userID, sessionID string, d *Dispatcher) {
	d.Close()
	if r.onClose != nil {
		r.onClose(userID, sessionID, d)
	}
}
