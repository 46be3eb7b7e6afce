// Package relay is the orchestrator: it consumes inbound chat events and
// drives each one through filter, session resolution, acknowledgement,
// agent execution, and final reply.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
	"github.com/nextlevelbuilder/clawbridge/internal/executor"
	"github.com/nextlevelbuilder/clawbridge/internal/filter"
	"github.com/nextlevelbuilder/clawbridge/internal/routing"
	"github.com/nextlevelbuilder/clawbridge/internal/session"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// PolicyResolver yields the effective response filter for a channel.
// config.Config satisfies it.
type PolicyResolver interface {
	PolicyFor(platform channels.Platform, channelID string) *filter.Policy
}

// Options carry the per-invocation agent settings.
type Options struct {
	WorkingDirectory string
	SystemPrompt     string
	AllowedTools     []string
	SkipPermissions  bool
	Timeout          time.Duration
	SessionTTL       time.Duration
}

// Relay wires the pipeline together. One Relay serves all platforms.
type Relay struct {
	policies PolicyResolver
	sessions *session.Manager
	router   *routing.Router
	adapters *channels.Manager
	exec     executor.Executor
	opts     Options
	tracer   trace.Tracer

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// New creates a relay.
func New(policies PolicyResolver, sessions *session.Manager, router *routing.Router,
	adapters *channels.Manager, exec executor.Executor, opts Options) *Relay {
	return &Relay{
		policies: policies,
		sessions: sessions,
		router:   router,
		adapters: adapters,
		exec:     exec,
		opts:     opts,
		tracer:   otel.Tracer("clawbridge/relay"),
		inflight: make(map[string]*sync.Mutex),
	}
}

// Run consumes inbound events until ctx is cancelled. Each event is handled
// on its own goroutine; turns within one conversation are serialized by a
// per-key lock so a thread never has two agent runs racing.
func (r *Relay) Run(ctx context.Context) error {
	for {
		ev, ok := r.adapters.Consume(ctx)
		if !ok {
			return ctx.Err()
		}
		go r.HandleEvent(ctx, ev)
	}
}

// lockConversation acquires the per-conversation mutex. Locks are created on
// first use and kept for the process lifetime; the map stays small because
// keys are conversations, not messages.
func (r *Relay) lockConversation(key string) func() {
	r.mu.Lock()
	m, ok := r.inflight[key]
	if !ok {
		m = &sync.Mutex{}
		r.inflight[key] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// HandleEvent runs one inbound event through the full pipeline.
func (r *Relay) HandleEvent(ctx context.Context, ev channels.InboundEvent) {
	policy := r.policies.PolicyFor(ev.Platform, ev.ChannelID)
	if !filter.ShouldRespond(policy, filter.MessageContext{
		Text:      ev.Text,
		IsMention: ev.IsMention,
		IsDM:      ev.IsDM,
		IsThread:  ev.IsThread(),
	}) {
		slog.Debug("message filtered",
			"platform", ev.Platform,
			"channel_id", ev.ChannelID,
			"mode", policy.Mode)
		return
	}

	key := session.KeyFromEvent(ev)
	unlock := r.lockConversation(session.MakeKey(key))
	defer unlock()

	ctx, span := r.tracer.Start(ctx, "relay.invoke", trace.WithAttributes(
		attribute.String("platform", string(ev.Platform)),
		attribute.String("channel_id", ev.ChannelID),
	))
	defer span.End()

	sess, created, err := r.sessions.GetOrCreate(ctx, key, r.opts.SessionTTL)
	if err != nil {
		slog.Error("session resolution failed", "key", session.MakeKey(key), "error", err)
		span.SetStatus(codes.Error, "session resolution failed")
		return
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))
	if created {
		slog.Info("conversation started", "session_id", sess.ID, "key", session.MakeKey(key))
	}

	adapter, ok := r.adapters.Get(ev.Platform)
	if !ok {
		slog.Error("no adapter for inbound event", "platform", ev.Platform)
		return
	}

	handle, err := adapter.SendAcknowledgement(ctx, ev)
	if err != nil {
		slog.Error("acknowledgement failed",
			"session_id", sess.ID,
			"platform", ev.Platform,
			"error", err)
		span.SetStatus(codes.Error, "ack failed")
		return
	}

	// The active context exists only while the invocation is in flight.
	reg := r.router.Registry(ev.Platform)
	reg.Register(sess.ID, routing.ActiveContext{
		ChannelID: ev.ChannelID,
		ThreadID:  handle.ThreadID,
		Handle:    handle,
	})
	defer reg.Unregister(sess.ID)

	r.sessions.LogMessage(ctx, sess.ID, store.DirectionIn, ev.Text, map[string]string{
		"user_id":    ev.UserID,
		"message_id": ev.MessageID,
	})

	result := r.runAgent(ctx, adapter, handle, sess, ev.Text)

	final := result.Output
	if !result.Success {
		final = failureMessage(result)
	}
	if err := adapter.UpdateOrSend(ctx, handle, final); err != nil {
		slog.Error("final reply failed", "session_id", sess.ID, "error", err)
		span.SetStatus(codes.Error, "final reply failed")
		return
	}

	if result.Success {
		if err := r.sessions.BindAgentSession(ctx, sess.ID, result.ExternalSessionID); err != nil {
			slog.Warn("agent session bind failed", "session_id", sess.ID, "error", err)
		}
	}
	if err := r.sessions.Extend(ctx, sess.ID, r.opts.SessionTTL); err != nil {
		slog.Warn("session extend failed", "session_id", sess.ID, "error", err)
	}
	r.sessions.LogMessage(ctx, sess.ID, store.DirectionOut, final, map[string]string{
		"success":     fmt.Sprintf("%t", result.Success),
		"duration_ms": fmt.Sprintf("%d", result.Duration.Milliseconds()),
	})

	slog.Info("invocation finished",
		"session_id", sess.ID,
		"success", result.Success,
		"duration", result.Duration.Round(time.Millisecond))
}

// runAgent executes the prompt, streaming tool-use progress into the thread.
func (r *Relay) runAgent(ctx context.Context, adapter channels.Adapter,
	handle channels.OutboundHandle, sess *store.Session, prompt string) executor.Result {

	onUpdate := func(u executor.Update) {
		if u.Kind != "tool_use" {
			return
		}
		if _, err := adapter.SendProactive(ctx, handle.ChannelID, "⚙️ "+u.Text, handle.ThreadID); err != nil {
			slog.Debug("progress update dropped", "session_id", sess.ID, "error", err)
		}
	}

	result, err := r.exec.Execute(ctx, prompt, executor.Options{
		WorkingDirectory: r.opts.WorkingDirectory,
		SessionID:        sess.AgentSessionID,
		SystemPrompt:     r.opts.SystemPrompt,
		AllowedTools:     r.opts.AllowedTools,
		SkipPermissions:  r.opts.SkipPermissions,
		Timeout:          r.opts.Timeout,
		OnUpdate:         onUpdate,
	})
	if err != nil {
		// Transport failure: the agent never produced a result.
		slog.Error("agent execution failed", "session_id", sess.ID, "error", err)
		return executor.Result{Error: err.Error()}
	}
	return result
}

// failureMessage renders exactly one user-facing error for a failed run.
func failureMessage(result executor.Result) string {
	reason := result.Error
	if reason == "" {
		reason = "the agent did not produce a result"
	}
	return "❌ " + reason
}
