package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectBackoff caps the delay between Socket Mode reconnect attempts.
var reconnectBackoff = []time.Duration{
	time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

// envelope is one Socket Mode frame. Slack expects every events_api envelope
// to be acked with its envelope_id within a few seconds or it redelivers.
type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason,omitempty"` // disconnect frames
}

// eventsAPIPayload is the inner payload of an events_api envelope.
type eventsAPIPayload struct {
	TeamID string      `json:"team_id"`
	Event  *innerEvent `json:"event"`
}

// innerEvent is the actual Slack event. Only the message-shaped fields are
// decoded; other event types are ignored upstream.
type innerEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type,omitempty"` // "im" for DMs
	User        string `json:"user"`
	BotID       string `json:"bot_id,omitempty"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts,omitempty"`
}

// socketDialer abstracts the connection-open step so tests can substitute a
// local server.
type socketDialer interface {
	OpenSocketURL(ctx context.Context) (string, error)
}

// Socket maintains the Socket Mode connection: dial, read envelopes, ack,
// reconnect on drop. Decoded events go to the handle callback.
type Socket struct {
	api    socketDialer
	handle func(teamID string, ev innerEvent)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSocket creates a Socket Mode listener. handle is called from the read
// loop for every message-bearing event.
func NewSocket(api socketDialer, handle func(teamID string, ev innerEvent)) *Socket {
	return &Socket{api: api, handle: handle}
}

// Run connects and processes envelopes until ctx is cancelled. Connection
// drops and "disconnect" frames trigger a reconnect with backoff; Run only
// returns on cancellation.
func (s *Socket) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := reconnectBackoff[min(attempt, len(reconnectBackoff)-1)]
		attempt++
		slog.Warn("slack socket disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Socket) runOnce(ctx context.Context) error {
	wsURL, err := s.api.OpenSocketURL(ctx)
	if err != nil {
		return fmt.Errorf("open socket url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// Unblock the blocking read when ctx falls.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	slog.Info("slack socket connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := s.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

// errReconnect asks the run loop to cycle the connection.
var errReconnect = errors.New("slack: server requested reconnect")

func (s *Socket) handleFrame(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Debug("slack socket frame skipped", "error", err)
		return nil
	}

	switch env.Type {
	case "hello":
		return nil
	case "disconnect":
		slog.Info("slack socket disconnect requested", "reason", env.Reason)
		return errReconnect
	case "events_api":
		// Ack first; Slack redelivers unacked envelopes, and processing may
		// take longer than the ack deadline.
		if err := s.ack(ctx, env.EnvelopeID); err != nil {
			slog.Warn("slack envelope ack failed", "envelope_id", env.EnvelopeID, "error", err)
		}
		var payload eventsAPIPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			slog.Debug("slack event payload skipped", "error", err)
			return nil
		}
		if payload.Event != nil {
			s.handle(payload.TeamID, *payload.Event)
		}
		return nil
	default:
		return nil
	}
}

func (s *Socket) ack(_ context.Context, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("slack: no connection")
	}
	return s.conn.WriteJSON(map[string]string{"envelope_id": envelopeID})
}
