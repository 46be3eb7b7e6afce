// Package routing resolves "send an update for session X" into a platform
// send. It holds the transient per-platform active-context registries and the
// router facade over them.
package routing

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
)

// ActiveContext is the transient routing handle for one in-flight agent
// invocation: enough to re-open the same outbound channel/thread later.
// Never persisted — an in-flight callback after a process restart fails to
// route, which is an accepted limitation.
type ActiveContext struct {
	ChannelID string
	ThreadID  string
	// Handle is the acknowledgement message, updated in place for the final
	// answer. Interim updates post fresh messages into ThreadID instead.
	Handle channels.OutboundHandle
}

// Registry is the in-memory session-id → active-context map for one
// platform. Entries are registered right after the acknowledgement is sent
// and unregistered when the invocation ends, success or not.
type Registry struct {
	platform channels.Platform
	mu       sync.RWMutex
	entries  map[string]ActiveContext
}

// NewRegistry creates an empty registry for one platform.
func NewRegistry(platform channels.Platform) *Registry {
	return &Registry{
		platform: platform,
		entries:  make(map[string]ActiveContext),
	}
}

// Register stores the active context for a session. A second registration
// for the same session id is last-writer-wins: the prior in-flight context
// is silently replaced, and callbacks for it will fail to route.
func (r *Registry) Register(sessionID string, ac ActiveContext) {
	r.mu.Lock()
	if _, exists := r.entries[sessionID]; exists {
		slog.Warn("active context replaced", "platform", r.platform, "session_id", sessionID)
	}
	r.entries[sessionID] = ac
	r.mu.Unlock()
}

// Get returns the active context for a session, if one is registered.
func (r *Registry) Get(sessionID string) (ActiveContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ac, ok := r.entries[sessionID]
	return ac, ok
}

// Unregister removes a session's active context. Safe to call when absent.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// Len returns the number of in-flight contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
