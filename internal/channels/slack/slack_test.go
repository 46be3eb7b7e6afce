package slack

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
)

type fakeAPI struct {
	postCalls   []postCall
	updateErr   error
	updateCalls []updateCall
	convs       []conversation
}

type postCall struct {
	channel, text, threadTS string
}

type updateCall struct {
	channel, ts, text string
}

func (f *fakeAPI) AuthTest(context.Context) (string, string, error) {
	return "UBOT", "T123", nil
}

func (f *fakeAPI) PostMessage(_ context.Context, channel, text, threadTS string) (string, error) {
	f.postCalls = append(f.postCalls, postCall{channel, text, threadTS})
	return "1726000001.000200", nil
}

func (f *fakeAPI) UpdateMessage(_ context.Context, channel, ts, text string) error {
	f.updateCalls = append(f.updateCalls, updateCall{channel, ts, text})
	return f.updateErr
}

func (f *fakeAPI) ListConversations(context.Context) ([]conversation, error) {
	return f.convs, nil
}

func newTestAdapter(api *fakeAPI) (*Adapter, *[]channels.InboundEvent) {
	var events []channels.InboundEvent
	a := &Adapter{
		api:       api,
		publish:   func(ev channels.InboundEvent) { events = append(events, ev) },
		seen:      make(map[string]struct{}),
		botUserID: "UBOT",
		teamID:    "T123",
	}
	return a, &events
}

func TestHandleEventNormalizesMessage(t *testing.T) {
	a, events := newTestAdapter(&fakeAPI{})

	a.handleEvent("T123", innerEvent{
		Type:     "message",
		Channel:  "C42",
		User:     "U99",
		Text:     "<@UBOT> run the deploy",
		TS:       "1726000000.000100",
		ThreadTS: "",
	})

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.Platform != channels.PlatformSlack || ev.WorkspaceID != "T123" || ev.ChannelID != "C42" {
		t.Errorf("bad routing fields: %+v", ev)
	}
	if !ev.IsMention {
		t.Error("mention not detected")
	}
	if ev.Text != "run the deploy" {
		t.Errorf("mention token not stripped: %q", ev.Text)
	}
	if ev.IsThread() {
		t.Error("top-level message flagged as threaded")
	}
	if ev.ReplyThreadID() != "1726000000.000100" {
		t.Errorf("reply anchor = %q, want the message ts", ev.ReplyThreadID())
	}
}

func TestHandleEventDrops(t *testing.T) {
	tests := []struct {
		name string
		ev   innerEvent
	}{
		{"own message", innerEvent{Type: "message", Channel: "C1", User: "UBOT", Text: "hi", TS: "1"}},
		{"bot message", innerEvent{Type: "message", Channel: "C1", BotID: "B1", Text: "hi", TS: "2"}},
		{"edit subtype", innerEvent{Type: "message", Subtype: "message_changed", Channel: "C1", User: "U9", TS: "3"}},
		{"reaction event", innerEvent{Type: "reaction_added", Channel: "C1", User: "U9", TS: "4"}},
		{"no user", innerEvent{Type: "message", Channel: "C1", Text: "hi", TS: "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, events := newTestAdapter(&fakeAPI{})
			a.handleEvent("T123", tt.ev)
			if len(*events) != 0 {
				t.Errorf("event published: %+v", (*events)[0])
			}
		})
	}
}

func TestHandleEventDeduplicatesMentionDoubleDelivery(t *testing.T) {
	a, events := newTestAdapter(&fakeAPI{})

	// Slack delivers a channel mention as both message and app_mention.
	base := innerEvent{Channel: "C42", User: "U99", Text: "<@UBOT> hi", TS: "1726000000.000100"}
	msg := base
	msg.Type = "message"
	mention := base
	mention.Type = "app_mention"

	a.handleEvent("T123", msg)
	a.handleEvent("T123", mention)

	if len(*events) != 1 {
		t.Fatalf("duplicate delivery produced %d events, want 1", len(*events))
	}
}

func TestHandleEventDM(t *testing.T) {
	a, events := newTestAdapter(&fakeAPI{})

	a.handleEvent("", innerEvent{
		Type:        "message",
		Channel:     "D0DM",
		ChannelType: "im",
		User:        "U99",
		Text:        "status?",
		TS:          "1726000000.000100",
	})

	if len(*events) != 1 {
		t.Fatal("DM dropped")
	}
	ev := (*events)[0]
	if !ev.IsDM {
		t.Error("IsDM not set")
	}
	if ev.WorkspaceID != "T123" {
		t.Errorf("missing team id not backfilled, got %q", ev.WorkspaceID)
	}
}

func TestSendAcknowledgementThreadsReply(t *testing.T) {
	api := &fakeAPI{}
	a, _ := newTestAdapter(api)

	h, err := a.SendAcknowledgement(context.Background(), channels.InboundEvent{
		ChannelID: "C42",
		MessageID: "1726000000.000100",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(api.postCalls) != 1 {
		t.Fatal("no post")
	}
	if api.postCalls[0].threadTS != "1726000000.000100" {
		t.Errorf("ack not threaded on the triggering message: %+v", api.postCalls[0])
	}
	if h.MessageID == "" || h.ChannelID != "C42" {
		t.Errorf("bad handle %+v", h)
	}
}

func TestUpdateOrSendFallsBack(t *testing.T) {
	api := &fakeAPI{updateErr: errors.New("cant_update_message")}
	a, _ := newTestAdapter(api)

	h := channels.OutboundHandle{ChannelID: "C42", ThreadID: "1726.1", MessageID: "1726.2"}
	if err := a.UpdateOrSend(context.Background(), h, "final answer"); err != nil {
		t.Fatal(err)
	}
	if len(api.updateCalls) != 1 {
		t.Fatal("update not attempted first")
	}
	if len(api.postCalls) != 1 || api.postCalls[0].threadTS != "1726.1" {
		t.Errorf("fallback post missing or unthreaded: %+v", api.postCalls)
	}
}

func TestSendProactiveTopLevelStartsThread(t *testing.T) {
	api := &fakeAPI{}
	a, _ := newTestAdapter(api)

	r, err := a.SendProactive(context.Background(), "C42", "deploy done", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.ThreadID != r.MessageID {
		t.Errorf("top-level send should anchor its own thread, got %+v", r)
	}
}

func TestListChannels(t *testing.T) {
	api := &fakeAPI{convs: []conversation{
		{ID: "C42", Name: "eng-oncall", IsMember: true},
	}}
	a, _ := newTestAdapter(api)

	out, err := a.ListChannels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ChannelID != "C42" || out[0].Name != "eng-oncall" {
		t.Errorf("got %+v", out)
	}
	if out[0].WorkspaceID != "T123" {
		t.Error("workspace id not attached")
	}
}
