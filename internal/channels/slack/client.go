// Package slack implements the Slack adapter: a thin Web API client plus a
// Socket Mode listener, so the bridge needs no inbound internet exposure.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
)

const defaultAPIBase = "https://slack.com/api"

// maxMessageLen is Slack's effective text limit for chat.postMessage.
const maxMessageLen = 40000

// Client is a minimal Slack Web API client covering only the methods the
// adapter needs. Form-encoded requests, JSON responses.
type Client struct {
	httpClient *http.Client
	botToken   string
	appToken   string
	baseURL    string
}

// NewClient creates a Web API client. botToken (xoxb-) authorizes chat and
// conversation methods; appToken (xapp-) authorizes apps.connection.open.
func NewClient(botToken, appToken string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		botToken:   botToken,
		appToken:   appToken,
		baseURL:    defaultAPIBase,
	}
}

// apiResponse is the common envelope of every Web API reply, plus the
// method-specific fields the adapter reads.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	TS      string `json:"ts,omitempty"`      // chat.postMessage, chat.update
	Channel string `json:"channel,omitempty"` // chat.postMessage
	URL     string `json:"url,omitempty"`     // apps.connection.open

	UserID string `json:"user_id,omitempty"` // auth.test
	TeamID string `json:"team_id,omitempty"` // auth.test

	Channels []conversation `json:"channels,omitempty"` // conversations.list
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata,omitempty"`
}

type conversation struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsMember bool   `json:"is_member"`
}

func (c *Client) call(ctx context.Context, method, token string, params url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("slack: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("slack: read %s response: %w", method, err)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("slack: decode %s response: %w", method, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("slack: %s failed: %s", method, out.Error)
	}
	return &out, nil
}

// AuthTest resolves the bot's own user id and the workspace id.
func (c *Client) AuthTest(ctx context.Context) (userID, teamID string, err error) {
	resp, err := c.call(ctx, "auth.test", c.botToken, url.Values{})
	if err != nil {
		return "", "", err
	}
	return resp.UserID, resp.TeamID, nil
}

// PostMessage posts text to a channel, threaded when threadTS is non-empty.
// Returns the message timestamp, Slack's message id.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	params := url.Values{"channel": {channel}, "text": {channels.Truncate(text, maxMessageLen)}}
	if threadTS != "" {
		params.Set("thread_ts", threadTS)
	}
	resp, err := c.call(ctx, "chat.postMessage", c.botToken, params)
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

// UpdateMessage replaces the text of an already-posted message.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	_, err := c.call(ctx, "chat.update", c.botToken, url.Values{
		"channel": {channel}, "ts": {ts}, "text": {channels.Truncate(text, maxMessageLen)},
	})
	return err
}

// ListConversations returns the public channels the bot is a member of.
// Follows cursor pagination to the end.
func (c *Client) ListConversations(ctx context.Context) ([]conversation, error) {
	var all []conversation
	cursor := ""
	for {
		params := url.Values{"limit": {"200"}, "types": {"public_channel,private_channel"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		resp, err := c.call(ctx, "conversations.list", c.botToken, params)
		if err != nil {
			return nil, err
		}
		for _, ch := range resp.Channels {
			if ch.IsMember {
				all = append(all, ch)
			}
		}
		cursor = resp.Metadata.NextCursor
		if cursor == "" {
			return all, nil
		}
	}
}

// OpenSocketURL requests a fresh Socket Mode WebSocket URL.
func (c *Client) OpenSocketURL(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, "apps.connection.open", c.appToken, url.Values{})
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}
