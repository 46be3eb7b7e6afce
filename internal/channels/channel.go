// Package channels provides the platform abstraction layer for chat messaging.
// Adapters connect external chat platforms (Slack, Teams) to the relay runtime:
// they normalize inbound events and expose the outbound send primitives the
// router depends on.
package channels

import (
	"context"
)

// Platform identifies a supported chat platform. The set is closed: routing
// decisions switch on this value and unknown platforms are rejected at the
// edges, never dispatched.
type Platform string

const (
	PlatformSlack Platform = "slack"
	PlatformTeams Platform = "teams"
)

// ParsePlatform validates a platform name from external input (config,
// callback payloads). Returns false for anything outside the closed set.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(s) {
	case PlatformSlack:
		return PlatformSlack, true
	case PlatformTeams:
		return PlatformTeams, true
	}
	return "", false
}

// InboundEvent is a normalized inbound chat message, produced by an adapter
// from its platform-specific payload.
type InboundEvent struct {
	Platform    Platform          `json:"platform"`
	WorkspaceID string            `json:"workspace_id"`
	ChannelID   string            `json:"channel_id"`
	ThreadID    string            `json:"thread_id,omitempty"` // empty = not inside a thread
	UserID      string            `json:"user_id"`
	Text        string            `json:"text"`
	MessageID   string            `json:"message_id"` // platform message id/ts, reply anchor for new threads
	IsMention   bool              `json:"is_mention"`
	IsDM        bool              `json:"is_dm"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IsThread reports whether the event arrived inside an existing thread.
func (e InboundEvent) IsThread() bool { return e.ThreadID != "" }

// ReplyThreadID returns the thread to anchor replies to: the existing thread
// if there is one, otherwise the triggering message itself (starting a thread).
func (e InboundEvent) ReplyThreadID() string {
	if e.ThreadID != "" {
		return e.ThreadID
	}
	return e.MessageID
}

// OutboundHandle identifies a message the adapter already sent, so it can be
// updated in place later (ack placeholder → final answer).
type OutboundHandle struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id"`
}

// SendReceipt is returned from a proactive send.
type SendReceipt struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// ChannelInfo describes a channel the relay can post to, either statically
// configured or observed live from the platform.
type ChannelInfo struct {
	Platform    Platform `json:"platform"`
	ChannelID   string   `json:"channel_id"`
	Name        string   `json:"name,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Configured  bool     `json:"configured"`
}

// Adapter defines the capability surface every platform implementation must
// satisfy. The router and relay depend only on this interface.
type Adapter interface {
	// Platform returns the platform identifier.
	Platform() Platform

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter.
	Stop(ctx context.Context) error

	// SendAcknowledgement posts the "working on it" placeholder in reply to an
	// inbound event and returns a handle for later in-place updates.
	SendAcknowledgement(ctx context.Context, ev InboundEvent) (OutboundHandle, error)

	// UpdateOrSend replaces the content of a previously sent message, falling
	// back to a fresh threaded message when the platform cannot edit.
	UpdateOrSend(ctx context.Context, h OutboundHandle, content string) error

	// SendProactive posts to a channel independent of any inbound event.
	// threadID may be empty for a top-level message. Fails with an error when
	// the adapter has no addressing information for the channel.
	SendProactive(ctx context.Context, channelID, content, threadID string) (SendReceipt, error)

	// ListChannels returns the channels the adapter can currently address.
	// Best-effort: adapters without a listing API return an empty slice.
	ListChannels(ctx context.Context) ([]ChannelInfo, error)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
