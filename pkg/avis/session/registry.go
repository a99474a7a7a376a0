// Package session implements the per-user session registry. It maps a user
// identifier to the conversational session handle assigned by the agent
// runtime, serializing creation so concurrent first messages from one user
// never produce two sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionInit indicates session creation against the agent runtime
// failed. A failed creation leaves no registry entry, so the next message
// from the same user retries cleanly.
var ErrSessionInit = errors.New("session: initialization failed")

// Session ties a user's successive messages together for the agent runtime.
// Immutable once created.
type Session struct {
	// UserID is the opaque identifier of the requester.
	UserID string

	// SessionID is assigned by the agent runtime at creation and stable for
	// the session's lifetime.
	SessionID string

	// CreatedAt is used by Sweep to evict stale sessions.
	CreatedAt time.Time
}

// Client is the slice of the agent runtime the registry needs.
type Client interface {
	// CreateSession opens a new session for the user and returns its ID.
	CreateSession(ctx context.Context, userID string) (string, error)

	// EndSession releases any runtime state held for the session.
	// Must tolerate unknown session IDs.
	EndSession(sessionID string)
}

// Config holds registry tuning knobs.
type Config struct {
	// CreateTimeoutSeconds bounds the runtime's session-creation call so a
	// hung runtime cannot hold the registry lock indefinitely.
	CreateTimeoutSeconds int `yaml:"create_timeout_seconds"`

	// TTLHours is the session age after which Sweep evicts it.
	TTLHours int `yaml:"ttl_hours"`

	// SweepSchedule is the cron expression driving periodic sweeps.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		CreateTimeoutSeconds: 15,
		TTLHours:             24,
		SweepSchedule:        "0 * * * *",
	}
}

// Registry maps user IDs to live sessions. One mutex guards the whole map;
// creation is rare relative to message volume, so a per-key lock is not
// worth its complexity here.
type Registry struct {
	client        Client
	createTimeout time.Duration
	sessions      map[string]*Session
	logger        *slog.Logger
	mu            sync.Mutex

	now func() time.Time
}

// NewRegistry creates an empty registry backed by the given runtime client.
func NewRegistry(client Client, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.CreateTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Registry{
		client:        client,
		createTimeout: timeout,
		sessions:      make(map[string]*Session),
		logger:        logger.With("component", "sessions"),
		now:           time.Now,
	}
}

// GetOrCreate returns the user's live session, creating it through the
// runtime client on first use. Concurrent calls for the same user observe
// exactly one creation; failures surface as ErrSessionInit and leave the
// map untouched.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok {
		return s, nil
	}

	createCtx, cancel := context.WithTimeout(ctx, r.createTimeout)
	defer cancel()

	sessionID, err := r.client.CreateSession(createCtx, userID)
	if err != nil {
		r.logger.Error("session creation failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w for user %s: %v", ErrSessionInit, userID, err)
	}

	s := &Session{
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: r.now(),
	}
	r.sessions[userID] = s

	r.logger.Info("session created",
		"user_id", userID,
		"session_id", sessionID,
		"live_sessions", len(r.sessions),
	)

	return s, nil
}

// Invalidate removes the user's session, releasing its runtime state.
// No-op when the user has no session.
func (r *Registry) Invalidate(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if ok {
		r.client.EndSession(s.SessionID)
		r.logger.Info("session invalidated", "user_id", userID, "session_id", s.SessionID)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts every session older than maxAge and returns the eviction
// count. Wired to a periodic schedule by the daemon.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var evicted []*Session
	for userID, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			delete(r.sessions, userID)
			evicted = append(evicted, s)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		r.client.EndSession(s.SessionID)
	}

	if len(evicted) > 0 {
		r.logger.Info("session sweep", "evicted", len(evicted), "max_age", maxAge)
	}
	return len(evicted)
}
