// Package store defines the durable session storage contract. Backends live
// in store/sqlite (default) and store/pg (managed deployments).
package store

import (
	"context"
	"time"
)

// Session is one logical conversation thread bound to one agent working
// context. Exclusively owned by the store: other components reference it by
// id or by key, never mutate it directly.
type Session struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	WorkspaceID string `json:"workspace_id"`
	ChannelID   string `json:"channel_id"`
	// ThreadID is empty for channel-level conversations (DMs, un-threaded
	// channels), not thread-scoped ones.
	ThreadID string `json:"thread_id,omitempty"`
	// AgentSessionID is the external agent's own session id, empty until the
	// first successful run reports one. Lets later turns resume instead of
	// starting a fresh agent context.
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Direction marks which way a logged message flowed.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// LogEntry is an append-only audit record. Write-only from the relay's
// perspective: nothing reads it back at runtime.
type LogEntry struct {
	SessionID string            `json:"session_id"`
	Direction Direction         `json:"direction"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SessionStore is the durable session table plus the message audit log.
// Pure storage: lookups, writes, expiry. A missing or expired session is a
// nil result, never an error.
type SessionStore interface {
	// FindLive returns the most recently active non-expired session for the
	// (platform, workspace, channel, thread) tuple, or nil if none exists.
	// Expiry is checked here, not left to the sweeper.
	FindLive(ctx context.Context, platform, workspaceID, channelID, threadID string, now time.Time) (*Session, error)

	// Get returns a session by id regardless of expiry, or nil if missing.
	Get(ctx context.Context, id string) (*Session, error)

	// Insert persists a newly created session.
	Insert(ctx context.Context, s *Session) error

	// Touch refreshes last-activity and expiry for a session.
	Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error

	// BindAgentSession records the external agent session id. Idempotent.
	BindAgentSession(ctx context.Context, id, agentSessionID string) error

	// Delete removes a session; its log entries cascade.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes all sessions whose expiry has elapsed and returns
	// how many were deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// AppendLog appends one audit record.
	AppendLog(ctx context.Context, e *LogEntry) error

	// List returns sessions ordered by last activity, newest first,
	// optionally filtered by platform ("" = all).
	List(ctx context.Context, platform string) ([]*Session, error)

	Close() error
}
