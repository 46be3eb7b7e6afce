// Package filter decides whether the relay should engage with an inbound
// message at all. Evaluation is pure: no I/O, no state, deterministic for a
// given policy and message context.
package filter

import (
	"regexp"
	"strings"
)

// Mode selects the trigger rule a policy evaluates.
type Mode string

const (
	ModeAll      Mode = "all"      // respond to everything
	ModeMentions Mode = "mentions" // respond only when the bot is mentioned
	ModeKeywords Mode = "keywords" // respond when any configured keyword appears
	ModeRegex    Mode = "regex"    // respond when any configured pattern matches
	ModeThreads  Mode = "threads"  // respond only inside threads
	ModeNone     Mode = "none"     // never respond
)

// Policy is the per-channel response policy. Immutable once loaded from
// config; evaluated per message, never persisted.
type Policy struct {
	Mode     Mode     `json:"mode,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
	// AllowDMs defaults to true when unset. A DM from an allowed sender is an
	// unconditional trigger, evaluated before mode logic.
	AllowDMs *bool `json:"allow_dms,omitempty"`
	// CombineModes ORs several single-mode checks together. When non-empty,
	// Mode itself is ignored.
	CombineModes []Mode `json:"combine_modes,omitempty"`
}

// DMsAllowed reports the effective allow_dms value (default true).
func (p *Policy) DMsAllowed() bool {
	return p.AllowDMs == nil || *p.AllowDMs
}

// MessageContext is the slice of an inbound event the filter looks at.
type MessageContext struct {
	Text      string
	IsMention bool
	IsDM      bool
	IsThread  bool
}

// ShouldRespond evaluates a policy against a message context.
//
// No policy configured means mentions-or-DM only: the safe default is to
// never answer ambient channel chatter. A DM with allow_dms set returns true
// immediately, before CombineModes or Mode are consulted.
func ShouldRespond(p *Policy, ctx MessageContext) bool {
	if p == nil {
		return ctx.IsMention || ctx.IsDM
	}

	if ctx.IsDM && p.DMsAllowed() {
		return true
	}

	if len(p.CombineModes) > 0 {
		for _, m := range p.CombineModes {
			if matchMode(m, p, ctx) {
				return true
			}
		}
		return false
	}

	return matchMode(p.Mode, p, ctx)
}

func matchMode(m Mode, p *Policy, ctx MessageContext) bool {
	switch m {
	case ModeAll:
		return true
	case ModeNone:
		return false
	case ModeMentions:
		return ctx.IsMention
	case ModeThreads:
		return ctx.IsThread
	case ModeKeywords:
		return matchKeywords(p.Keywords, ctx.Text)
	case ModeRegex:
		return matchPatterns(p.Patterns, ctx.Text)
	default:
		// Unknown mode falls back to mentions-only behavior.
		return ctx.IsMention
	}
}

// matchKeywords does case-insensitive substring matching: "helpful" matches
// the keyword "help". An empty keyword list never matches.
func matchKeywords(keywords []string, text string) bool {
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// matchPatterns compiles each pattern case-insensitively. A malformed pattern
// counts as non-matching and evaluation continues with the next one.
func matchPatterns(patterns []string, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
