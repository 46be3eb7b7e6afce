// Package config loads the bridge configuration: a JSON5 file overlaid with
// environment variables. Secrets come from env only and are never persisted.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the bridge.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	Ingress   IngressConfig   `json:"ingress"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// AgentConfig describes the local terminal agent the bridge drives.
type AgentConfig struct {
	Binary           string              `json:"binary"`
	WorkingDirectory string              `json:"working_directory,omitempty"`
	SystemPrompt     string              `json:"system_prompt,omitempty"`
	AllowedTools     FlexibleStringSlice `json:"allowed_tools,omitempty"`
	SkipPermissions  bool                `json:"skip_permissions,omitempty"`
	// TimeoutSeconds is the hard per-invocation wall-clock limit.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Timeout returns the per-invocation limit as a duration.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// ChannelsConfig holds per-platform adapter settings plus the default
// response filter every channel inherits.
type ChannelsConfig struct {
	Slack    SlackConfig  `json:"slack,omitempty"`
	Teams    TeamsConfig  `json:"teams,omitempty"`
	Defaults FilterConfig `json:"defaults,omitempty"`
}

// SlackConfig configures the Slack Socket Mode adapter.
// Tokens come from env only (CLAWBRIDGE_SLACK_BOT_TOKEN,
// CLAWBRIDGE_SLACK_APP_TOKEN) and are never read from the file.
type SlackConfig struct {
	Enabled  bool           `json:"enabled,omitempty"`
	BotToken string         `json:"-"`
	AppToken string         `json:"-"`
	Channels []ChannelEntry `json:"channels,omitempty"`
	Filter   FilterConfig   `json:"filter,omitempty"`
}

// TeamsConfig configures the Microsoft Teams adapter.
// AppPassword comes from env only (CLAWBRIDGE_TEAMS_APP_PASSWORD).
type TeamsConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	AppID       string `json:"app_id,omitempty"`
	AppPassword string `json:"-"`
	TenantID    string `json:"tenant_id,omitempty"`
	ServiceURL  string `json:"service_url,omitempty"`
	// ListenAddr is where the Bot Framework messaging endpoint binds.
	// Defaults to the framework's conventional port.
	ListenAddr string         `json:"listen_addr,omitempty"`
	Channels   []ChannelEntry `json:"channels,omitempty"`
	Filter     FilterConfig   `json:"filter,omitempty"`
}

// ChannelEntry is one statically configured channel.
type ChannelEntry struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	WorkspaceID string       `json:"workspace_id,omitempty"`
	Filter      FilterConfig `json:"filter,omitempty"`
}

// FilterConfig is the serialized form of a response filter. Unset fields
// inherit from the next level up (channel → platform → defaults).
type FilterConfig struct {
	Mode         string              `json:"mode,omitempty"`
	Keywords     FlexibleStringSlice `json:"keywords,omitempty"`
	Patterns     FlexibleStringSlice `json:"patterns,omitempty"`
	AllowDMs     *bool               `json:"allow_dms,omitempty"`
	CombineModes FlexibleStringSlice `json:"combine_modes,omitempty"`
}

// SessionsConfig controls session lifetime and storage.
type SessionsConfig struct {
	// TTLMinutes is how long a session stays live past its last activity.
	TTLMinutes int `json:"ttl_minutes,omitempty"`
	// SweepIntervalSeconds is how often expired rows are reclaimed.
	SweepIntervalSeconds int `json:"sweep_interval_seconds,omitempty"`
	// DBPath is the SQLite database file. Ignored in managed mode.
	DBPath string `json:"db_path,omitempty"`
}

func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

func (s SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// IngressConfig configures the local callback listener.
type IngressConfig struct {
	// Host must stay a loopback address; Load rejects anything else.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// RateLimitRPM caps callback requests per minute. 0 disables limiting.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
}

// DatabaseConfig configures Postgres for managed deployments.
// PostgresDSN is NEVER read from the file (secret) — only from env
// CLAWBRIDGE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode reports whether the bridge runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port of the OTLP HTTP collector
	ServiceName string `json:"service_name,omitempty"`
}
