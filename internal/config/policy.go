package config

import (
	"github.com/nextlevelbuilder/clawbridge/internal/channels"
	"github.com/nextlevelbuilder/clawbridge/internal/filter"
)

// mergeFilter overlays over onto base, field by field. An unset field in
// over keeps the base value.
func mergeFilter(base, over FilterConfig) FilterConfig {
	out := base
	if over.Mode != "" {
		out.Mode = over.Mode
	}
	if len(over.Keywords) > 0 {
		out.Keywords = over.Keywords
	}
	if len(over.Patterns) > 0 {
		out.Patterns = over.Patterns
	}
	if over.AllowDMs != nil {
		out.AllowDMs = over.AllowDMs
	}
	if len(over.CombineModes) > 0 {
		out.CombineModes = over.CombineModes
	}
	return out
}

// policy converts the serialized form into a runtime filter policy.
func (f FilterConfig) policy() *filter.Policy {
	p := &filter.Policy{
		Mode:     filter.Mode(f.Mode),
		Keywords: f.Keywords,
		Patterns: f.Patterns,
		AllowDMs: f.AllowDMs,
	}
	for _, m := range f.CombineModes {
		p.CombineModes = append(p.CombineModes, filter.Mode(m))
	}
	return p
}

// PolicyFor resolves the effective response filter for a channel: global
// defaults, overlaid with the platform filter, overlaid with the channel
// entry's own filter when one is configured.
func (c *Config) PolicyFor(platform channels.Platform, channelID string) *filter.Policy {
	eff := c.Channels.Defaults

	var platformFilter FilterConfig
	var entries []ChannelEntry
	switch platform {
	case channels.PlatformSlack:
		platformFilter = c.Channels.Slack.Filter
		entries = c.Channels.Slack.Channels
	case channels.PlatformTeams:
		platformFilter = c.Channels.Teams.Filter
		entries = c.Channels.Teams.Channels
	}
	eff = mergeFilter(eff, platformFilter)

	for _, entry := range entries {
		if entry.ID == channelID {
			eff = mergeFilter(eff, entry.Filter)
			break
		}
	}
	return eff.policy()
}

// ConfiguredChannels flattens the static channel entries of every enabled
// platform into the router's channel-info form.
func (c *Config) ConfiguredChannels() []channels.ChannelInfo {
	var out []channels.ChannelInfo
	add := func(platform channels.Platform, entries []ChannelEntry) {
		for _, e := range entries {
			out = append(out, channels.ChannelInfo{
				Platform:    platform,
				ChannelID:   e.ID,
				Name:        e.Name,
				WorkspaceID: e.WorkspaceID,
				Configured:  true,
			})
		}
	}
	if c.Channels.Slack.Enabled {
		add(channels.PlatformSlack, c.Channels.Slack.Channels)
	}
	if c.Channels.Teams.Enabled {
		add(channels.PlatformTeams, c.Channels.Teams.Channels)
	}
	return out
}
