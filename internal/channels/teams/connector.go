package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
)

const loginURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"

// maxMessageLen keeps activities under the Bot Framework payload cap.
const maxMessageLen = 25000

// tokenProvider fetches and caches Bot Framework connector tokens via the
// client-credentials grant.
type tokenProvider struct {
	httpClient *http.Client
	appID      string
	appSecret  string
	tokenURL   string

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenProvider(appID, appSecret string) *tokenProvider {
	return &tokenProvider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		appID:      appID,
		appSecret:  appSecret,
		tokenURL:   loginURL,
	}
}

func (t *tokenProvider) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Refresh a minute early so in-flight sends never race expiry.
	if t.token != "" && time.Until(t.expires) > time.Minute {
		return t.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.appID},
		"client_secret": {t.appSecret},
		"scope":         {"https://api.botframework.com/.default"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("teams: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("teams: token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("teams: token request failed: %s: %s", resp.Status, body)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("teams: decode token: %w", err)
	}
	t.token = out.AccessToken
	t.expires = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return t.token, nil
}

// connectorClient talks to the Bot Framework connector REST API.
type connectorClient struct {
	httpClient *http.Client
	tokens     *tokenProvider
}

func newConnectorClient(appID, appSecret string) *connectorClient {
	return &connectorClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     newTokenProvider(appID, appSecret),
	}
}

type outboundActivity struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type activityResponse struct {
	ID string `json:"id"`
}

func (c *connectorClient) do(ctx context.Context, method, endpoint string, payload any) (*activityResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("teams: marshal activity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("teams: build request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("teams: connector request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("teams: connector %s %s: %s: %s", method, endpoint, resp.Status, respBody)
	}

	var out activityResponse
	if len(respBody) > 0 {
		_ = json.Unmarshal(respBody, &out)
	}
	return &out, nil
}

// ReplyToActivity posts a threaded reply to an inbound activity.
func (c *connectorClient) ReplyToActivity(ctx context.Context, serviceURL, conversationID, activityID, text string) (string, error) {
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities/%s",
		strings.TrimSuffix(serviceURL, "/"), url.PathEscape(conversationID), url.PathEscape(activityID))
	resp, err := c.do(ctx, http.MethodPost, endpoint, outboundActivity{Type: "message", Text: channels.Truncate(text, maxMessageLen)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SendToConversation posts a top-level message into a conversation.
func (c *connectorClient) SendToConversation(ctx context.Context, serviceURL, conversationID, text string) (string, error) {
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimSuffix(serviceURL, "/"), url.PathEscape(conversationID))
	resp, err := c.do(ctx, http.MethodPost, endpoint, outboundActivity{Type: "message", Text: channels.Truncate(text, maxMessageLen)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UpdateActivity edits a previously sent activity in place.
func (c *connectorClient) UpdateActivity(ctx context.Context, serviceURL, conversationID, activityID, text string) error {
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities/%s",
		strings.TrimSuffix(serviceURL, "/"), url.PathEscape(conversationID), url.PathEscape(activityID))
	_, err := c.do(ctx, http.MethodPut, endpoint, outboundActivity{Type: "message", Text: channels.Truncate(text, maxMessageLen)})
	return err
}
