package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxScanTokenSize bounds one streamed JSON line. Agent tool output can get
// large; 10MB matches the biggest payloads seen in practice.
const maxScanTokenSize = 10 * 1024 * 1024

// CLIExecutor runs prompts by spawning the agent's command-line binary in
// non-interactive mode and reading its JSON-lines event stream from stdout.
type CLIExecutor struct {
	// Binary is the agent executable, resolved via PATH when not absolute.
	Binary string
	// ExtraArgs are appended to every invocation, after the built-in flags.
	ExtraArgs []string
}

// NewCLIExecutor creates an executor for the given agent binary.
func NewCLIExecutor(binary string, extraArgs ...string) *CLIExecutor {
	return &CLIExecutor{Binary: binary, ExtraArgs: extraArgs}
}

// streamEvent is one line of the agent's stream-json output. Only the fields
// the relay needs are decoded; everything else is ignored.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
			Name string `json:"name,omitempty"` // tool name for tool_use blocks
		} `json:"content"`
	} `json:"message,omitempty"`
}

func (e *CLIExecutor) buildArgs(prompt string, opts Options) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, e.ExtraArgs...)
}

// Execute spawns the agent binary and blocks until it exits or the deadline
// passes. Transport-level failures (binary missing, stream unreadable)
// surface as errors; agent-level failures come back in Result.
func (e *CLIExecutor) Execute(ctx context.Context, prompt string, opts Options) (Result, error) {
	start := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Binary, e.buildArgs(prompt, opts)...)
	if opts.WorkingDirectory != "" {
		cmd.Dir = opts.WorkingDirectory
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("executor: start %s: %w", e.Binary, err)
	}

	slog.Debug("agent run started",
		"binary", e.Binary,
		"resume", opts.SessionID != "",
		"workdir", opts.WorkingDirectory)

	res := e.consumeStream(stdout, opts.OnUpdate)

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{
				Error:    fmt.Sprintf("agent run timed out after %s", opts.Timeout),
				Duration: res.Duration,
			}, nil
		}
		return Result{Error: "agent run cancelled", Duration: res.Duration}, nil
	}

	if waitErr != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = waitErr.Error()
		}
		slog.Warn("agent run failed", "error", waitErr, "stderr", truncate(reason, 500))
		res.Success = false
		if res.Error == "" {
			res.Error = reason
		}
		return res, nil
	}

	return res, nil
}

// consumeStream reads JSON-lines events until EOF and folds them into a
// Result. Unparseable lines are skipped: the agent interleaves diagnostics
// with its event stream.
func (e *CLIExecutor) consumeStream(r io.Reader, onUpdate func(Update)) Result {
	var res Result

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		if ev.SessionID != "" {
			res.ExternalSessionID = ev.SessionID
		}

		switch ev.Type {
		case "assistant":
			if ev.Message == nil || onUpdate == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "tool_use":
					onUpdate(Update{Kind: "tool_use", Text: block.Name})
				case "text":
					if t := strings.TrimSpace(block.Text); t != "" {
						onUpdate(Update{Kind: "text", Text: t})
					}
				}
			}
		case "result":
			res.Output = ev.Result
			res.Success = !ev.IsError
			if ev.IsError {
				res.Error = ev.Result
			}
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("agent stream read failed", "error", err)
		res.Success = false
		if res.Error == "" {
			res.Error = fmt.Sprintf("reading agent output: %v", err)
		}
	}
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
