package relay

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
	"github.com/nextlevelbuilder/clawbridge/internal/executor"
	"github.com/nextlevelbuilder/clawbridge/internal/filter"
	"github.com/nextlevelbuilder/clawbridge/internal/routing"
	"github.com/nextlevelbuilder/clawbridge/internal/session"
	"github.com/nextlevelbuilder/clawbridge/internal/store/sqlite"
)

type allowAll struct{}

func (allowAll) PolicyFor(channels.Platform, string) *filter.Policy {
	return &filter.Policy{Mode: filter.ModeAll}
}

type mentionsOnly struct{}

func (mentionsOnly) PolicyFor(channels.Platform, string) *filter.Policy {
	no := false
	return &filter.Policy{Mode: filter.ModeMentions, AllowDMs: &no}
}

type fakeAdapter struct {
	acks      int
	updates   []string
	proactive []string
	ackErr    error
}

func (f *fakeAdapter) Platform() channels.Platform { return channels.PlatformSlack }
func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }
func (f *fakeAdapter) SendAcknowledgement(_ context.Context, ev channels.InboundEvent) (channels.OutboundHandle, error) {
	f.acks++
	if f.ackErr != nil {
		return channels.OutboundHandle{}, f.ackErr
	}
	return channels.OutboundHandle{
		ChannelID: ev.ChannelID,
		ThreadID:  ev.ReplyThreadID(),
		MessageID: "ack-1",
	}, nil
}
func (f *fakeAdapter) UpdateOrSend(_ context.Context, _ channels.OutboundHandle, content string) error {
	f.updates = append(f.updates, content)
	return nil
}
func (f *fakeAdapter) SendProactive(_ context.Context, _, content, _ string) (channels.SendReceipt, error) {
	f.proactive = append(f.proactive, content)
	return channels.SendReceipt{MessageID: "m"}, nil
}
func (f *fakeAdapter) ListChannels(context.Context) ([]channels.ChannelInfo, error) {
	return nil, nil
}

type fakeExecutor struct {
	result  executor.Result
	err     error
	lastOpt executor.Options
	during  func() // called mid-run, for registry assertions
}

func (f *fakeExecutor) Execute(_ context.Context, prompt string, opts executor.Options) (executor.Result, error) {
	f.lastOpt = opts
	if f.during != nil {
		f.during()
	}
	if opts.OnUpdate != nil {
		opts.OnUpdate(executor.Update{Kind: "tool_use", Text: "Bash"})
	}
	return f.result, f.err
}

type fixture struct {
	relay    *Relay
	adapter  *fakeAdapter
	exec     *fakeExecutor
	sessions *session.Manager
	router   *routing.Router
}

func newFixture(t *testing.T, policies PolicyResolver, exec *fakeExecutor) *fixture {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	sessions := session.NewManager(st)
	adapter := &fakeAdapter{}
	mgr := channels.NewManager()
	mgr.Register(adapter)
	router := routing.New(sessions, mgr, nil)

	r := New(policies, sessions, router, mgr, exec, Options{
		Timeout:    30 * time.Second,
		SessionTTL: time.Hour,
	})
	return &fixture{relay: r, adapter: adapter, exec: exec, sessions: sessions, router: router}
}

func inbound(text string) channels.InboundEvent {
	return channels.InboundEvent{
		Platform:    channels.PlatformSlack,
		WorkspaceID: "T1",
		ChannelID:   "C1",
		UserID:      "U1",
		Text:        text,
		MessageID:   "1726000000.000100",
	}
}

func TestHandleEventHappyPath(t *testing.T) {
	exec := &fakeExecutor{result: executor.Result{
		Success:           true,
		Output:            "tests pass",
		ExternalSessionID: "ext-1",
		Duration:          time.Second,
	}}
	f := newFixture(t, allowAll{}, exec)

	f.relay.HandleEvent(context.Background(), inbound("run tests"))

	if f.adapter.acks != 1 {
		t.Errorf("acks = %d, want 1", f.adapter.acks)
	}
	if len(f.adapter.updates) != 1 || f.adapter.updates[0] != "tests pass" {
		t.Errorf("final reply = %v", f.adapter.updates)
	}
	if len(f.adapter.proactive) != 1 || !strings.Contains(f.adapter.proactive[0], "Bash") {
		t.Errorf("progress updates = %v", f.adapter.proactive)
	}

	// Session persisted and bound to the agent's own session.
	sessions, err := f.sessions.List(context.Background(), "")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions: %v %v", sessions, err)
	}
	if sessions[0].AgentSessionID != "ext-1" {
		t.Errorf("agent session not bound: %+v", sessions[0])
	}

	// Active context released once the invocation ends.
	if n := f.router.Registry(channels.PlatformSlack).Len(); n != 0 {
		t.Errorf("%d active contexts left registered", n)
	}
}

func TestHandleEventFiltered(t *testing.T) {
	exec := &fakeExecutor{}
	f := newFixture(t, mentionsOnly{}, exec)

	f.relay.HandleEvent(context.Background(), inbound("just chatting"))

	if f.adapter.acks != 0 {
		t.Error("filtered message was acknowledged")
	}
	sessions, _ := f.sessions.List(context.Background(), "")
	if len(sessions) != 0 {
		t.Error("filtered message created a session")
	}
}

func TestHandleEventActiveContextDuringRun(t *testing.T) {
	f := newFixture(t, allowAll{}, nil)
	exec := &fakeExecutor{result: executor.Result{Success: true, Output: "ok"}}
	exec.during = func() {
		if n := f.router.Registry(channels.PlatformSlack).Len(); n != 1 {
			t.Errorf("active contexts during run = %d, want 1", n)
		}
	}
	f.relay.exec = exec

	f.relay.HandleEvent(context.Background(), inbound("hi"))

	if n := f.router.Registry(channels.PlatformSlack).Len(); n != 0 {
		t.Errorf("active contexts after run = %d, want 0", n)
	}
}

func TestHandleEventTimeoutSingleErrorMessage(t *testing.T) {
	exec := &fakeExecutor{result: executor.Result{
		Error:    "agent run timed out after 30s",
		Duration: 30 * time.Second,
	}}
	f := newFixture(t, allowAll{}, exec)

	f.relay.HandleEvent(context.Background(), inbound("do something slow"))

	if len(f.adapter.updates) != 1 {
		t.Fatalf("sent %d final messages, want exactly 1", len(f.adapter.updates))
	}
	if !strings.Contains(f.adapter.updates[0], "timed out") {
		t.Errorf("error message = %q", f.adapter.updates[0])
	}

	// A failed run must not bind an agent session.
	sessions, _ := f.sessions.List(context.Background(), "")
	if len(sessions) == 1 && sessions[0].AgentSessionID != "" {
		t.Error("failed run bound an agent session")
	}
}

func TestHandleEventResumesAgentSession(t *testing.T) {
	exec := &fakeExecutor{result: executor.Result{
		Success:           true,
		Output:            "done",
		ExternalSessionID: "ext-9",
	}}
	f := newFixture(t, allowAll{}, exec)

	f.relay.HandleEvent(context.Background(), inbound("first turn"))
	if exec.lastOpt.SessionID != "" {
		t.Errorf("first turn resumed %q, want fresh context", exec.lastOpt.SessionID)
	}

	f.relay.HandleEvent(context.Background(), inbound("second turn"))
	if exec.lastOpt.SessionID != "ext-9" {
		t.Errorf("second turn SessionID = %q, want ext-9", exec.lastOpt.SessionID)
	}
}

func TestHandleEventAckFailureAborts(t *testing.T) {
	exec := &fakeExecutor{result: executor.Result{Success: true, Output: "never"}}
	f := newFixture(t, allowAll{}, exec)
	f.adapter.ackErr = context.DeadlineExceeded

	f.relay.HandleEvent(context.Background(), inbound("hi"))

	if len(f.adapter.updates) != 0 {
		t.Error("final reply sent despite failed ack")
	}
	if n := f.router.Registry(channels.PlatformSlack).Len(); n != 0 {
		t.Error("active context registered despite failed ack")
	}
}
