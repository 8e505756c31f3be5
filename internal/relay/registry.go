package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/gemini-voice-relay/internal/audio"
	"github.com/skypro1111/gemini-voice-relay/internal/metrics"
)

// RegistryConfig contains configuration for the session registry
type RegistryConfig struct {
	Session         Config
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// Registry tracks every live relay session
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	config   RegistryConfig

	dial    DialFunc
	codec   *audio.Codec
	metrics *metrics.Metrics

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a registry and starts its idle-session cleanup routine.
func NewRegistry(logger *slog.Logger, config RegistryConfig, dial DialFunc, codec *audio.Codec, m *metrics.Metrics) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	r := &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
		config:   config,
		dial:     dial,
		codec:    codec,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go r.startCleanupRoutine()

	return r
}

// Create registers a new Idle session bound to transport
func (r *Registry) Create(transport Transport, remoteAddr string) (*Session, error) {
	session, err := NewSession(Options{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		Config:     r.config.Session,
		Transport:  transport,
		Dial:       r.dial,
		Codec:      r.codec,
		Metrics:    r.metrics,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.mu.Lock()
	r.sessions[session.ID()] = session
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionCreated()

	r.logger.Info("Created relay session",
		slog.String("session_id", session.ID()),
		slog.String("remote_addr", remoteAddr),
		slog.Int("active_sessions", count),
	)

	return session, nil
}

// Get returns the session with the given id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	return session, exists
}

// Count returns the number of currently active sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns monitoring snapshots of all sessions, oldest first
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})

	return infos
}

// Remove closes a session and forgets it. It reports whether the session
// was still registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	session, exists := r.sessions[id]
	if exists {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	session.Close()

	info := session.Info()
	r.metrics.SessionClosed(info.Duration.Seconds())

	r.logger.Info("Relay session removed",
		slog.String("session_id", id),
		slog.Duration("duration", info.Duration),
		slog.Uint64("turns", info.Stats.Turns),
		slog.Uint64("turns_interrupted", info.Stats.TurnsInterrupted),
	)

	return true
}

// Stop closes every session and stops the cleanup routine
func (r *Registry) Stop() {
	r.logger.Info("Stopping session registry...")

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}

	// Cancel context to stop cleanup routine
	r.cancel()
	<-r.cleanup

	r.logger.Info("Session registry stopped", slog.Int("closed_sessions", len(ids)))
}

// startCleanupRoutine runs in a separate goroutine to close idle sessions
func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	r.logger.Debug("Session cleanup routine started",
		slog.Duration("idle_timeout", r.config.IdleTimeout),
		slog.Duration("check_interval", r.config.CleanupInterval),
	)

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			r.cleanupIdleSessions(time.Now())
		}
	}
}

// cleanupIdleSessions removes sessions whose client has been silent longer
// than the idle timeout. Sessions with a turn in flight are kept.
func (r *Registry) cleanupIdleSessions(now time.Time) int {
	if r.config.IdleTimeout <= 0 {
		return 0
	}

	expired := make([]string, 0)

	r.mu.RLock()
	for id, session := range r.sessions {
		state := session.State()
		if state == StateUserTurnPending || state == StateModelTurnStreaming {
			continue
		}
		if now.Sub(session.LastActivity()) > r.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) > 0 {
		r.logger.Info("Cleaning up idle sessions", slog.Int("expired_count", len(expired)))

		for _, id := range expired {
			r.Remove(id)
		}
	}

	return len(expired)
}
