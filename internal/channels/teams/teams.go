// Package teams implements the Microsoft Teams adapter over the Bot
// Framework connector API. Outbound addressing comes from a conversation
// reference cache fed by inbound activities.
package teams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
)

const defaultListenAddr = ":3978"

// connector is the slice of connectorClient the adapter uses; tests
// substitute a fake.
type connector interface {
	ReplyToActivity(ctx context.Context, serviceURL, conversationID, activityID, text string) (string, error)
	SendToConversation(ctx context.Context, serviceURL, conversationID, text string) (string, error)
	UpdateActivity(ctx context.Context, serviceURL, conversationID, activityID, text string) error
}

// activity is an inbound Bot Framework activity, reduced to the fields the
// adapter reads.
type activity struct {
	Type         string       `json:"type"`
	ID           string       `json:"id"`
	Text         string       `json:"text"`
	ServiceURL   string       `json:"serviceUrl"`
	From         account      `json:"from"`
	Recipient    account      `json:"recipient"`
	Conversation conversation `json:"conversation"`
	Entities     []entity     `json:"entities"`
	ChannelData  channelData  `json:"channelData"`
}

type account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type conversation struct {
	ID               string `json:"id"`
	ConversationType string `json:"conversationType"`
	TenantID         string `json:"tenantId"`
}

type channelData struct {
	Tenant idRef `json:"tenant"`
	Team   idRef `json:"team"`
}

type idRef struct {
	ID string `json:"id"`
}

// entity is a Bot Framework activity entity; only mentions are inspected.
type entity struct {
	Type      string `json:"type"`
	Mentioned idRef  `json:"mentioned"`
}

var atTagRe = regexp.MustCompile(`<at>[^<]*</at>`)

// splitConversationID separates a Teams conversation id into its channel and
// thread parts. Threaded ids look like "19:abc@thread.tacv2;messageid=1726".
func splitConversationID(id string) (channelID, threadID string) {
	if i := strings.Index(id, ";messageid="); i >= 0 {
		return id[:i], id[i+len(";messageid="):]
	}
	return id, ""
}

// joinConversationID rebuilds a threaded conversation id.
func joinConversationID(channelID, threadID string) string {
	if threadID == "" {
		return channelID
	}
	return channelID + ";messageid=" + threadID
}

// Adapter bridges Microsoft Teams to the relay.
type Adapter struct {
	conn       connector
	refs       *refCache
	publish    func(channels.InboundEvent)
	appID      string
	tenantID   string
	listenAddr string

	server *http.Server
}

// New creates a Teams adapter. publish receives every normalized inbound
// event.
func New(appID, appPassword, tenantID, listenAddr string, publish func(channels.InboundEvent)) *Adapter {
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	return &Adapter{
		conn:       newConnectorClient(appID, appPassword),
		refs:       newRefCache(),
		publish:    publish,
		appID:      appID,
		tenantID:   tenantID,
		listenAddr: listenAddr,
	}
}

func (a *Adapter) Platform() channels.Platform { return channels.PlatformTeams }

// Start binds the Bot Framework messaging endpoint.
func (a *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", a.handleMessages)

	a.server = &http.Server{
		Addr:              a.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("teams endpoint stopped", "error", err)
		}
	}()
	slog.Info("teams adapter ready", "listen_addr", a.listenAddr)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *Adapter) handleMessages(w http.ResponseWriter, r *http.Request) {
	var act activity
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		http.Error(w, "bad activity", http.StatusBadRequest)
		return
	}
	a.handleActivity(act)
	w.WriteHeader(http.StatusOK)
}

// handleActivity normalizes a Bot Framework activity, refreshes the
// conversation reference cache, and publishes the event.
func (a *Adapter) handleActivity(act activity) {
	if act.Type != "message" || act.From.ID == "" || act.From.ID == act.Recipient.ID {
		return
	}

	channelID, threadID := splitConversationID(act.Conversation.ID)
	tenantID := act.Conversation.TenantID
	if tenantID == "" {
		tenantID = act.ChannelData.Tenant.ID
	}

	// Every inbound activity refreshes outbound addressing for its channel.
	a.refs.Put(channelID, ConversationRef{
		ServiceURL:     act.ServiceURL,
		ConversationID: channelID,
		TenantID:       tenantID,
	})

	isDM := act.Conversation.ConversationType == "personal"
	mention := false
	for _, e := range act.Entities {
		if e.Type == "mention" && e.Mentioned.ID == act.Recipient.ID {
			mention = true
			break
		}
	}

	a.publish(channels.InboundEvent{
		Platform:    channels.PlatformTeams,
		WorkspaceID: tenantID,
		ChannelID:   channelID,
		ThreadID:    threadID,
		UserID:      act.From.ID,
		Text:        strings.TrimSpace(atTagRe.ReplaceAllString(act.Text, "")),
		MessageID:   act.ID,
		IsMention:   mention,
		IsDM:        isDM,
		Metadata:    map[string]string{"service_url": act.ServiceURL},
	})
}

func (a *Adapter) SendAcknowledgement(ctx context.Context, ev channels.InboundEvent) (channels.OutboundHandle, error) {
	ref, err := a.refs.Get(ev.ChannelID)
	if err != nil {
		return channels.OutboundHandle{}, fmt.Errorf("teams: ack: %w", err)
	}
	threadID := ev.ReplyThreadID()
	id, err := a.conn.SendToConversation(ctx, ref.ServiceURL, joinConversationID(ev.ChannelID, threadID), "On it...")
	if err != nil {
		return channels.OutboundHandle{}, fmt.Errorf("teams: ack: %w", err)
	}
	return channels.OutboundHandle{ChannelID: ev.ChannelID, ThreadID: threadID, MessageID: id}, nil
}

// UpdateOrSend edits the acknowledgement in place, posting a fresh threaded
// message when the edit fails.
func (a *Adapter) UpdateOrSend(ctx context.Context, h channels.OutboundHandle, content string) error {
	ref, err := a.refs.Get(h.ChannelID)
	if err != nil {
		return fmt.Errorf("teams: update: %w", err)
	}
	convID := joinConversationID(h.ChannelID, h.ThreadID)
	updateErr := a.conn.UpdateActivity(ctx, ref.ServiceURL, convID, h.MessageID, content)
	if updateErr == nil {
		return nil
	}
	slog.Debug("teams update failed, posting fresh message", "channel_id", h.ChannelID, "error", updateErr)
	if _, err := a.conn.SendToConversation(ctx, ref.ServiceURL, convID, content); err != nil {
		return fmt.Errorf("teams: send fallback: %w", err)
	}
	return nil
}

func (a *Adapter) SendProactive(ctx context.Context, channelID, content, threadID string) (channels.SendReceipt, error) {
	ref, err := a.refs.Get(channelID)
	if err != nil {
		return channels.SendReceipt{}, fmt.Errorf("teams: proactive send: %w", err)
	}
	id, err := a.conn.SendToConversation(ctx, ref.ServiceURL, joinConversationID(channelID, threadID), content)
	if err != nil {
		return channels.SendReceipt{}, fmt.Errorf("teams: proactive send: %w", err)
	}
	receipt := channels.SendReceipt{MessageID: id, ThreadID: threadID}
	if threadID == "" {
		receipt.ThreadID = id
	}
	return receipt, nil
}

// ListChannels returns the channels with a cached conversation reference.
// Teams bots cannot enumerate channels they have never heard from.
func (a *Adapter) ListChannels(ctx context.Context) ([]channels.ChannelInfo, error) {
	ids := a.refs.Channels()
	out := make([]channels.ChannelInfo, 0, len(ids))
	for _, id := range ids {
		ref, err := a.refs.Get(id)
		if err != nil {
			continue
		}
		out = append(out, channels.ChannelInfo{
			Platform:    channels.PlatformTeams,
			ChannelID:   id,
			WorkspaceID: ref.TenantID,
		})
	}
	return out, nil
}
