// Package executor runs prompts against the local terminal agent. The relay
// depends on the Executor interface; the CLI subprocess implementation lives
// in cli.go.
package executor

import (
	"context"
	"time"
)

// Options shape one agent invocation.
type Options struct {
	// WorkingDirectory the agent process runs in.
	WorkingDirectory string
	// SessionID is the agent's own session id from a previous run. Non-empty
	// means resume that context instead of starting fresh.
	SessionID string
	// SystemPrompt is prepended to the agent's system context when set.
	SystemPrompt string
	// AllowedTools restricts which tools the agent may use. Empty = default.
	AllowedTools []string
	// SkipPermissions disables the agent's interactive permission prompts.
	// Required for unattended runs: there is no terminal to answer them.
	SkipPermissions bool
	// Timeout is the hard wall-clock limit for the run. Zero = no limit
	// beyond ctx.
	Timeout time.Duration
	// OnUpdate receives interim progress lines as the agent streams them.
	// May be nil. Called from the reader goroutine; must not block for long.
	OnUpdate func(update Update)
}

// Update is one interim progress event streamed during a run.
type Update struct {
	// Kind classifies the update: "status", "tool_use", "text".
	Kind string
	Text string
}

// Result is the outcome of a completed (or failed) run.
type Result struct {
	Success bool
	// Output is the agent's final answer text.
	Output string
	// ExternalSessionID is the agent's session id, used to resume later
	// turns. Empty when the agent did not report one.
	ExternalSessionID string
	// Error holds a human-readable failure reason when Success is false.
	Error string
	// Duration is the wall-clock run time.
	Duration time.Duration
}

// Executor runs one prompt to completion. Implementations must honor ctx
// cancellation and Options.Timeout; a run that exceeds either returns a
// failed Result, not a partial success.
type Executor interface {
	Execute(ctx context.Context, prompt string, opts Options) (Result, error)
}
