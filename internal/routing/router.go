package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// SessionLookup is the slice of the session manager the router needs.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*store.Session, error)
}

// Router resolves session ids to live chat destinations. It is the single
// entry point used by the callback ingress and by the relay for anything
// that targets a session rather than a concrete channel.
type Router struct {
	sessions   SessionLookup
	adapters   *channels.Manager
	registries map[channels.Platform]*Registry
	configured []channels.ChannelInfo
}

// New creates a router. configured lists the statically configured channels
// from config; it is merged into ListAvailableChannels results.
func New(sessions SessionLookup, adapters *channels.Manager, configured []channels.ChannelInfo) *Router {
	r := &Router{
		sessions:   sessions,
		adapters:   adapters,
		registries: make(map[channels.Platform]*Registry),
		configured: configured,
	}
	for _, p := range []channels.Platform{channels.PlatformSlack, channels.PlatformTeams} {
		r.registries[p] = NewRegistry(p)
	}
	return r
}

// Registry returns the active-context registry for a platform.
func (r *Router) Registry(p channels.Platform) *Registry {
	return r.registries[p]
}

// SendUpdate posts an interim update into the thread of the session's
// in-flight invocation. Returns false when the session is unknown, has no
// active context, or the platform send fails: callers treat a false as
// "nothing routed", not as an error to propagate.
func (r *Router) SendUpdate(ctx context.Context, sessionID, message, updateType string) bool {
	rec, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		slog.Warn("update lookup failed", "session_id", sessionID, "error", err)
		return false
	}
	if rec == nil {
		slog.Debug("update for unknown session", "session_id", sessionID)
		return false
	}

	platform, ok := channels.ParsePlatform(rec.Platform)
	if !ok {
		slog.Warn("session has unknown platform", "session_id", sessionID, "platform", rec.Platform)
		return false
	}

	reg := r.registries[platform]
	ac, ok := reg.Get(sessionID)
	if !ok {
		slog.Debug("update with no active context", "session_id", sessionID, "platform", platform)
		return false
	}

	adapter, ok := r.adapters.Get(platform)
	if !ok {
		slog.Warn("no adapter for platform", "platform", platform)
		return false
	}

	if _, err := adapter.SendProactive(ctx, ac.ChannelID, formatUpdate(message, updateType), ac.ThreadID); err != nil {
		slog.Warn("update send failed",
			"session_id", sessionID,
			"platform", platform,
			"channel_id", ac.ChannelID,
			"error", err)
		return false
	}
	return true
}

// formatUpdate prefixes the message by update type so interim posts are
// visually distinct from the final answer.
func formatUpdate(message, updateType string) string {
	switch updateType {
	case "progress":
		return "⏳ " + message
	case "success":
		return "✅ " + message
	case "error":
		return "❌ " + message
	default:
		return message
	}
}

// Target names a concrete destination for an unsolicited send.
type Target struct {
	Platform  channels.Platform
	ChannelID string
	ThreadID  string
	Message   string
}

// SendResult reports the outcome of SendToChannel. Error carries a
// human-readable reason when Success is false.
type SendResult struct {
	Success   bool
	MessageID string
	ThreadID  string
	Error     string
}

// SendToChannel posts a message to an explicit channel, independent of any
// session. Used by the local message ingress.
func (r *Router) SendToChannel(ctx context.Context, t Target) SendResult {
	adapter, ok := r.adapters.Get(t.Platform)
	if !ok {
		return SendResult{Error: fmt.Sprintf("platform %q is not configured", t.Platform)}
	}
	receipt, err := adapter.SendProactive(ctx, t.ChannelID, t.Message, t.ThreadID)
	if err != nil {
		slog.Warn("channel send failed",
			"platform", t.Platform,
			"channel_id", t.ChannelID,
			"error", err)
		return SendResult{Error: err.Error()}
	}
	return SendResult{
		Success:   true,
		MessageID: receipt.MessageID,
		ThreadID:  receipt.ThreadID,
	}
}

// ListAvailableChannels merges the statically configured channels with the
// live channel list of the session's platform. Entries are deduplicated by
// (platform, channel id); a configured entry keeps its Configured flag and
// takes the live name when it has none of its own. A live-list failure
// degrades silently to configured-only.
func (r *Router) ListAvailableChannels(ctx context.Context, sessionID string) []channels.ChannelInfo {
	merged := make(map[string]channels.ChannelInfo, len(r.configured))
	key := func(ci channels.ChannelInfo) string {
		return string(ci.Platform) + "/" + ci.ChannelID
	}
	for _, ci := range r.configured {
		ci.Configured = true
		merged[key(ci)] = ci
	}

	if rec, err := r.sessions.Get(ctx, sessionID); err == nil && rec != nil {
		if platform, ok := channels.ParsePlatform(rec.Platform); ok {
			if adapter, ok := r.adapters.Get(platform); ok {
				live, err := adapter.ListChannels(ctx)
				if err != nil {
					slog.Debug("live channel list failed", "platform", platform, "error", err)
				}
				for _, ci := range live {
					k := key(ci)
					if existing, ok := merged[k]; ok {
						if existing.Name == "" {
							existing.Name = ci.Name
						}
						merged[k] = existing
						continue
					}
					merged[k] = ci
				}
			}
		}
	}

	out := make([]channels.ChannelInfo, 0, len(merged))
	for _, ci := range merged {
		out = append(out, ci)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}
