package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuildArgs(t *testing.T) {
	e := NewCLIExecutor("agent")

	args := e.buildArgs("fix the tests", Options{})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-p fix the tests") {
		t.Errorf("prompt missing from args: %v", args)
	}
	if strings.Contains(joined, "--resume") {
		t.Error("--resume present without a session id")
	}
	if strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Error("permission skip enabled by default")
	}

	args = e.buildArgs("hi", Options{
		SessionID:       "sess-9",
		SystemPrompt:    "be terse",
		AllowedTools:    []string{"Bash", "Read"},
		SkipPermissions: true,
	})
	joined = strings.Join(args, " ")
	for _, want := range []string{
		"--resume sess-9",
		"--append-system-prompt be terse",
		"--allowedTools Bash,Read",
		"--dangerously-skip-permissions",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
}

func TestConsumeStream(t *testing.T) {
	stream := `{"type":"system","subtype":"init","session_id":"ext-123"}
not json, a stray diagnostic line
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"},{"type":"text","text":"running tests"}]}}

{"type":"result","result":"all 42 tests pass","is_error":false,"session_id":"ext-123"}
`
	var updates []Update
	e := NewCLIExecutor("agent")
	res := e.consumeStream(strings.NewReader(stream), func(u Update) {
		updates = append(updates, u)
	})

	if !res.Success {
		t.Errorf("Success = false, want true (error: %s)", res.Error)
	}
	if res.Output != "all 42 tests pass" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.ExternalSessionID != "ext-123" {
		t.Errorf("ExternalSessionID = %q, want ext-123", res.ExternalSessionID)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2: %+v", len(updates), updates)
	}
	if updates[0].Kind != "tool_use" || updates[0].Text != "Bash" {
		t.Errorf("first update = %+v", updates[0])
	}
	if updates[1].Kind != "text" || updates[1].Text != "running tests" {
		t.Errorf("second update = %+v", updates[1])
	}
}

func TestConsumeStreamErrorResult(t *testing.T) {
	stream := `{"type":"result","result":"credit balance too low","is_error":true,"session_id":"ext-9"}` + "\n"
	e := NewCLIExecutor("agent")
	res := e.consumeStream(strings.NewReader(stream), nil)

	if res.Success {
		t.Error("agent-reported error decoded as success")
	}
	if res.Error != "credit balance too low" {
		t.Errorf("Error = %q", res.Error)
	}
	if res.ExternalSessionID != "ext-9" {
		t.Error("session id lost on error result")
	}
}

// fakeAgent writes a shell script that stands in for the agent binary. It
// ignores the flags buildArgs passes and just runs the given body.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecuteEchoesStream(t *testing.T) {
	bin := fakeAgent(t, `printf '%s\n' '{"type":"result","result":"done","is_error":false,"session_id":"s-1"}'`)
	e := NewCLIExecutor(bin)

	res, err := e.Execute(context.Background(), "ignored", Options{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "done" {
		t.Errorf("result = %+v", res)
	}
	if res.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := NewCLIExecutor(fakeAgent(t, "sleep 5"))

	res, err := e.Execute(context.Background(), "ignored", Options{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("timed-out run reported success")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("Error = %q, want timeout reason", res.Error)
	}
}

func TestExecuteMissingBinary(t *testing.T) {
	e := NewCLIExecutor("definitely-not-installed-anywhere")

	_, err := e.Execute(context.Background(), "hi", Options{})
	if err == nil {
		t.Fatal("expected a transport error for a missing binary")
	}
}
