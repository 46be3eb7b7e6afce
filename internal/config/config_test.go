package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
	"github.com/nextlevelbuilder/clawbridge/internal/filter"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingress.Host != "127.0.0.1" {
		t.Errorf("Ingress.Host = %q", cfg.Ingress.Host)
	}
	if cfg.Agent.Binary != "claude" {
		t.Errorf("Agent.Binary = %q", cfg.Agent.Binary)
	}
	if cfg.Sessions.TTLMinutes != 720 {
		t.Errorf("Sessions.TTLMinutes = %d", cfg.Sessions.TTLMinutes)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
		// per-invocation limit
		agent: { binary: "claude", timeout_seconds: 120 },
		ingress: { port: 19000 },
		sessions: { ttl_minutes: 60 },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.TimeoutSeconds != 120 {
		t.Errorf("TimeoutSeconds = %d", cfg.Agent.TimeoutSeconds)
	}
	if cfg.Ingress.Port != 19000 {
		t.Errorf("Port = %d", cfg.Ingress.Port)
	}
	// Unset sections keep their defaults.
	if cfg.Ingress.Host != "127.0.0.1" {
		t.Errorf("Host = %q", cfg.Ingress.Host)
	}
}

func TestLoadRejectsNonLoopbackIngress(t *testing.T) {
	path := writeConfig(t, `{ingress: {host: "0.0.0.0"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("non-loopback ingress host accepted")
	}

	path = writeConfig(t, `{ingress: {host: "::1"}}`)
	if _, err := Load(path); err != nil {
		t.Errorf("IPv6 loopback rejected: %v", err)
	}
}

func TestEnvOverridesEnableChannels(t *testing.T) {
	t.Setenv("CLAWBRIDGE_SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("CLAWBRIDGE_SLACK_APP_TOKEN", "xapp-test")
	t.Setenv("CLAWBRIDGE_POSTGRES_DSN", "postgres://localhost/bridge")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Channels.Slack.Enabled {
		t.Error("slack not auto-enabled by env credentials")
	}
	if cfg.Channels.Slack.BotToken != "xoxb-test" {
		t.Error("bot token not taken from env")
	}
	if !cfg.IsManagedMode() {
		t.Error("postgres DSN did not switch to managed mode")
	}
}

func TestSecretsNeverReadFromFile(t *testing.T) {
	path := writeConfig(t, `{
		channels: {slack: {enabled: true, BotToken: "xoxb-leaked"}},
		database: {PostgresDSN: "postgres://leaked"},
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channels.Slack.BotToken != "" {
		t.Error("slack bot token was read from the config file")
	}
	if cfg.Database.PostgresDSN != "" {
		t.Error("postgres DSN was read from the config file")
	}
}

func TestPolicyForLayering(t *testing.T) {
	allowDMs := false
	cfg := Default()
	cfg.Channels.Defaults = FilterConfig{Mode: "mentions"}
	cfg.Channels.Slack.Filter = FilterConfig{Mode: "keywords", Keywords: FlexibleStringSlice{"deploy"}}
	cfg.Channels.Slack.Channels = []ChannelEntry{
		{ID: "C42", Filter: FilterConfig{Mode: "all", AllowDMs: &allowDMs}},
		{ID: "C77"},
	}

	// Channel entry with its own filter wins.
	p := cfg.PolicyFor(channels.PlatformSlack, "C42")
	if p.Mode != filter.ModeAll {
		t.Errorf("C42 mode = %q, want all", p.Mode)
	}
	if p.DMsAllowed() {
		t.Error("C42 allow_dms override lost")
	}
	// Keywords inherited from the platform layer survive the overlay.
	if len(p.Keywords) != 1 || p.Keywords[0] != "deploy" {
		t.Errorf("C42 keywords = %v", p.Keywords)
	}

	// Entry without a filter falls back to the platform layer.
	p = cfg.PolicyFor(channels.PlatformSlack, "C77")
	if p.Mode != filter.ModeKeywords {
		t.Errorf("C77 mode = %q, want keywords", p.Mode)
	}

	// Unknown channel gets platform then defaults.
	p = cfg.PolicyFor(channels.PlatformTeams, "19:x")
	if p.Mode != filter.ModeMentions {
		t.Errorf("teams fallback mode = %q, want mentions", p.Mode)
	}
}

func TestConfiguredChannels(t *testing.T) {
	cfg := Default()
	cfg.Channels.Slack.Enabled = true
	cfg.Channels.Slack.Channels = []ChannelEntry{{ID: "C42", Name: "eng-oncall"}}
	cfg.Channels.Teams.Channels = []ChannelEntry{{ID: "19:x"}} // platform disabled

	out := cfg.ConfiguredChannels()
	if len(out) != 1 {
		t.Fatalf("got %d channels, want 1 (disabled platform excluded): %+v", len(out), out)
	}
	ci := out[0]
	if ci.Platform != channels.PlatformSlack || ci.ChannelID != "C42" || !ci.Configured {
		t.Errorf("unexpected entry %+v", ci)
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	var f FlexibleStringSlice
	if err := f.UnmarshalJSON([]byte(`["a", 123, true]`)); err != nil {
		t.Fatal(err)
	}
	if len(f) != 3 || f[0] != "a" || f[1] != "123" || f[2] != "true" {
		t.Errorf("got %v", f)
	}
}
