// Package session owns conversation session lifecycle: find-or-create,
// extension, agent-session binding, and expiry sweeps.
//
// Conversation keys follow the canonical format:
//
//	{platform}/{workspaceId}/{channelId}
//	{platform}/{workspaceId}/{channelId}/{threadId}
//
// A missing thread segment means the conversation is channel-level (DMs,
// un-threaded channels), not thread-scoped.
//
// Examples:
//
//	slack/T0XYZ/C0ABC
//	slack/T0XYZ/C0ABC/1726000000.000100
//	teams/contoso.onmicrosoft.com/19:meeting_abc
package session

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
)

// Key identifies one logical conversation. Segments must not contain "/".
type Key struct {
	Platform    channels.Platform
	WorkspaceID string
	ChannelID   string
	ThreadID    string // empty = channel-level
}

// MakeKey builds the canonical conversation key string.
func MakeKey(k Key) string {
	base := fmt.Sprintf("%s/%s/%s", k.Platform, k.WorkspaceID, k.ChannelID)
	if k.ThreadID == "" {
		return base
	}
	return base + "/" + k.ThreadID
}

// ParseKey parses a canonical conversation key. Returns false when the key
// has the wrong shape or an unknown platform.
func ParseKey(s string) (Key, bool) {
	parts := strings.Split(s, "/")
	if len(parts) < 3 || len(parts) > 4 {
		return Key{}, false
	}
	platform, ok := channels.ParsePlatform(parts[0])
	if !ok {
		return Key{}, false
	}
	if parts[1] == "" || parts[2] == "" {
		return Key{}, false
	}
	k := Key{Platform: platform, WorkspaceID: parts[1], ChannelID: parts[2]}
	if len(parts) == 4 {
		if parts[3] == "" {
			return Key{}, false
		}
		k.ThreadID = parts[3]
	}
	return k, true
}

// KeyFromEvent derives the conversation key for an inbound event.
func KeyFromEvent(ev channels.InboundEvent) Key {
	return Key{
		Platform:    ev.Platform,
		WorkspaceID: ev.WorkspaceID,
		ChannelID:   ev.ChannelID,
		ThreadID:    ev.ThreadID,
	}
}
