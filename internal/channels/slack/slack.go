package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
)

// webAPI is the slice of Client the adapter uses; tests substitute a fake.
type webAPI interface {
	AuthTest(ctx context.Context) (userID, teamID string, err error)
	PostMessage(ctx context.Context, channel, text, threadTS string) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
	ListConversations(ctx context.Context) ([]conversation, error)
}

// seenLimit bounds the duplicate-suppression window. Slack delivers a
// mention both as "message" and "app_mention"; the second sighting of a
// message ts is dropped.
const seenLimit = 512

// Adapter bridges Slack to the relay via Socket Mode.
type Adapter struct {
	api     webAPI
	socket  *Socket
	publish func(channels.InboundEvent)

	botUserID string
	teamID    string
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

// New creates a Slack adapter. publish receives every normalized inbound
// event; it is the channel manager's Publish in production.
func New(botToken, appToken string, publish func(channels.InboundEvent)) *Adapter {
	client := NewClient(botToken, appToken)
	a := &Adapter{
		api:     client,
		publish: publish,
		seen:    make(map[string]struct{}),
	}
	a.socket = NewSocket(client, a.handleEvent)
	return a
}

func (a *Adapter) Platform() channels.Platform { return channels.PlatformSlack }

// Start resolves the bot identity and launches the Socket Mode listener.
func (a *Adapter) Start(ctx context.Context) error {
	userID, teamID, err := a.api.AuthTest(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth.test: %w", err)
	}
	a.botUserID = userID
	a.teamID = teamID
	slog.Info("slack adapter ready", "bot_user_id", userID, "team_id", teamID)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		if err := a.socket.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the socket listener.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// handleEvent normalizes a Slack event into an InboundEvent. Bot messages,
// edits, and duplicate deliveries are dropped here.
func (a *Adapter) handleEvent(teamID string, ev innerEvent) {
	if ev.Type != "message" && ev.Type != "app_mention" {
		return
	}
	// Subtypes cover edits, deletes, joins; none of them carry a new prompt.
	if ev.Subtype != "" || ev.BotID != "" || ev.User == "" || ev.User == a.botUserID {
		return
	}
	if a.alreadySeen(ev.Channel + "/" + ev.TS) {
		return
	}
	if teamID == "" {
		teamID = a.teamID
	}

	mention := strings.Contains(ev.Text, "<@"+a.botUserID+">")
	isDM := ev.ChannelType == "im" || strings.HasPrefix(ev.Channel, "D")

	a.publish(channels.InboundEvent{
		Platform:    channels.PlatformSlack,
		WorkspaceID: teamID,
		ChannelID:   ev.Channel,
		ThreadID:    ev.ThreadTS,
		UserID:      ev.User,
		Text:        stripMention(ev.Text, a.botUserID),
		MessageID:   ev.TS,
		IsMention:   mention,
		IsDM:        isDM,
	})
}

// alreadySeen records the id and reports whether it was present. The window
// is bounded FIFO; old entries fall off.
func (a *Adapter) alreadySeen(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[id]; ok {
		return true
	}
	a.seen[id] = struct{}{}
	a.seenOrder = append(a.seenOrder, id)
	if len(a.seenOrder) > seenLimit {
		delete(a.seen, a.seenOrder[0])
		a.seenOrder = a.seenOrder[1:]
	}
	return false
}

// stripMention removes the bot's mention token so the prompt the agent sees
// is clean.
func stripMention(text, botUserID string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botUserID+">", ""))
}

func (a *Adapter) SendAcknowledgement(ctx context.Context, ev channels.InboundEvent) (channels.OutboundHandle, error) {
	threadTS := ev.ReplyThreadID()
	ts, err := a.api.PostMessage(ctx, ev.ChannelID, "On it...", threadTS)
	if err != nil {
		return channels.OutboundHandle{}, fmt.Errorf("slack: ack: %w", err)
	}
	return channels.OutboundHandle{
		ChannelID: ev.ChannelID,
		ThreadID:  threadTS,
		MessageID: ts,
	}, nil
}

// UpdateOrSend edits the acknowledgement in place; when the edit fails
// (message too old, deleted) it posts a fresh threaded message instead.
func (a *Adapter) UpdateOrSend(ctx context.Context, h channels.OutboundHandle, content string) error {
	err := a.api.UpdateMessage(ctx, h.ChannelID, h.MessageID, content)
	if err == nil {
		return nil
	}
	slog.Debug("slack update failed, posting fresh message", "channel_id", h.ChannelID, "error", err)
	if _, err := a.api.PostMessage(ctx, h.ChannelID, content, h.ThreadID); err != nil {
		return fmt.Errorf("slack: send fallback: %w", err)
	}
	return nil
}

func (a *Adapter) SendProactive(ctx context.Context, channelID, content, threadID string) (channels.SendReceipt, error) {
	ts, err := a.api.PostMessage(ctx, channelID, content, threadID)
	if err != nil {
		return channels.SendReceipt{}, fmt.Errorf("slack: post: %w", err)
	}
	receipt := channels.SendReceipt{MessageID: ts, ThreadID: threadID}
	if threadID == "" {
		receipt.ThreadID = ts
	}
	return receipt, nil
}

func (a *Adapter) ListChannels(ctx context.Context) ([]channels.ChannelInfo, error) {
	convs, err := a.api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack: list conversations: %w", err)
	}
	out := make([]channels.ChannelInfo, 0, len(convs))
	for _, c := range convs {
		out = append(out, channels.ChannelInfo{
			Platform:    channels.PlatformSlack,
			ChannelID:   c.ID,
			Name:        c.Name,
			WorkspaceID: a.teamID,
		})
	}
	return out, nil
}
