package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Binary:         "claude",
			TimeoutSeconds: 300,
		},
		Channels: ChannelsConfig{
			Defaults: FilterConfig{
				Mode: "mentions",
			},
		},
		Sessions: SessionsConfig{
			TTLMinutes:           720,
			SweepIntervalSeconds: 60,
			DBPath:               defaultDBPath(),
		},
		Ingress: IngressConfig{
			Host:         "127.0.0.1",
			Port:         18800,
			RateLimitRPM: 60,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "clawbridge",
		},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "clawbridge.db"
	}
	return filepath.Join(home, ".clawbridge", "sessions.db")
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWBRIDGE_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("CLAWBRIDGE_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("CLAWBRIDGE_TEAMS_APP_ID", &c.Channels.Teams.AppID)
	envStr("CLAWBRIDGE_TEAMS_APP_PASSWORD", &c.Channels.Teams.AppPassword)
	envStr("CLAWBRIDGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CLAWBRIDGE_AGENT_BINARY", &c.Agent.Binary)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Slack.BotToken != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}
	if c.Channels.Teams.AppID != "" && c.Channels.Teams.AppPassword != "" {
		c.Channels.Teams.Enabled = true
	}
	if c.Database.PostgresDSN != "" && c.Database.Mode == "" {
		c.Database.Mode = "managed"
	}
}

// validate rejects configurations the bridge refuses to run with.
func (c *Config) validate() error {
	ip := net.ParseIP(c.Ingress.Host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("ingress host %q is not a loopback address; the callback listener must not be exposed", c.Ingress.Host)
	}
	if c.Ingress.Port <= 0 || c.Ingress.Port > 65535 {
		return fmt.Errorf("ingress port %d out of range", c.Ingress.Port)
	}
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary must be set")
	}
	if c.Sessions.TTLMinutes <= 0 {
		return fmt.Errorf("sessions.ttl_minutes must be positive")
	}
	return nil
}
