package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// DefaultSweepInterval is how often the background sweep deletes expired
// sessions. Lookups check expiry themselves, so the sweep only reclaims rows.
const DefaultSweepInterval = 60 * time.Second

// Manager handles session lifecycle on top of the durable store.
type Manager struct {
	store store.SessionStore
	// mu serializes find-or-create so two near-simultaneous messages for the
	// same thread cannot both miss the lookup and insert duplicate live rows.
	// Single-writer discipline is enough: the whole relay runs as one process.
	mu sync.Mutex
}

// NewManager creates a session manager over the given store.
func NewManager(st store.SessionStore) *Manager {
	return &Manager{store: st}
}

// GetOrCreate looks up the live session for key, refreshing its activity and
// expiry as a side effect; if none exists, a new session with the given ttl
// is created. The second return value reports whether a session was created.
func (m *Manager) GetOrCreate(ctx context.Context, key Key, ttl time.Duration) (*store.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	sess, err := m.store.FindLive(ctx, string(key.Platform), key.WorkspaceID, key.ChannelID, key.ThreadID, now)
	if err != nil {
		return nil, false, fmt.Errorf("session lookup: %w", err)
	}
	if sess != nil {
		sess.LastActivity = now
		sess.ExpiresAt = now.Add(ttl)
		if err := m.store.Touch(ctx, sess.ID, sess.LastActivity, sess.ExpiresAt); err != nil {
			return nil, false, fmt.Errorf("session touch: %w", err)
		}
		return sess, false, nil
	}

	sess = &store.Session{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Platform:     string(key.Platform),
		WorkspaceID:  key.WorkspaceID,
		ChannelID:    key.ChannelID,
		ThreadID:     key.ThreadID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := m.store.Insert(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("session create: %w", err)
	}
	slog.Debug("session created", "session_id", sess.ID, "key", MakeKey(key))
	return sess, true, nil
}

// Get returns a session by id, or nil if it does not exist.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.store.Get(ctx, id)
}

// BindAgentSession records the external agent's session id so later turns can
// resume. Idempotent: repeated calls with the same value are harmless.
func (m *Manager) BindAgentSession(ctx context.Context, id, agentSessionID string) error {
	if agentSessionID == "" {
		return nil
	}
	if err := m.store.BindAgentSession(ctx, id, agentSessionID); err != nil {
		return err
	}
	slog.Debug("agent session bound", "session_id", id, "agent_session_id", agentSessionID)
	return nil
}

// Extend bumps last-activity and recomputes expiry. Called on every turn so
// active conversations never expire mid-use.
func (m *Manager) Extend(ctx context.Context, id string, ttl time.Duration) error {
	now := time.Now()
	return m.store.Touch(ctx, id, now, now.Add(ttl))
}

// Delete removes a session and its cascading log entries.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// List returns sessions newest-first, optionally filtered by platform.
func (m *Manager) List(ctx context.Context, platform string) ([]*store.Session, error) {
	return m.store.List(ctx, platform)
}

// ExpireSweep deletes all sessions whose expiry has elapsed.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, time.Now())
}

// LogMessage appends one audit record. Failures are logged, not propagated:
// the audit log is observability, never load-bearing.
func (m *Manager) LogMessage(ctx context.Context, sessionID string, dir store.Direction, content string, metadata map[string]string) {
	err := m.store.AppendLog(ctx, &store.LogEntry{
		SessionID: sessionID,
		Direction: dir,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Warn("message log append failed", "session_id", sessionID, "error", err)
	}
}

// RunSweeper runs ExpireSweep on a fixed interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.ExpireSweep(ctx)
			if err != nil {
				slog.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired sessions swept", "count", n)
			}
		}
	}
}
