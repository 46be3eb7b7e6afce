package teams

import (
	"fmt"
	"sync"
)

// ConversationRef is the durable addressing information needed to post into
// a Teams conversation without an inbound activity in hand.
type ConversationRef struct {
	ServiceURL     string
	ConversationID string
	TenantID       string
}

// refCache maps channel id → conversation reference. Teams has no usable
// "list and post anywhere" API for bots; addressing is learned
// opportunistically from inbound activities.
type refCache struct {
	mu   sync.RWMutex
	refs map[string]ConversationRef
}

func newRefCache() *refCache {
	return &refCache{refs: make(map[string]ConversationRef)}
}

// Put stores the reference for a channel, replacing any prior one. The
// newest sighting wins: service URLs rotate across regions.
func (c *refCache) Put(channelID string, ref ConversationRef) {
	c.mu.Lock()
	c.refs[channelID] = ref
	c.mu.Unlock()
}

// Get returns the cached reference for a channel. The error spells out the
// precondition so callers can surface it verbatim.
func (c *refCache) Get(channelID string) (ConversationRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.refs[channelID]
	if !ok {
		return ConversationRef{}, fmt.Errorf("no conversation reference for channel %s: the bot must first receive a message from this channel", channelID)
	}
	return ref, nil
}

// Channels returns the channel ids with a cached reference.
func (c *refCache) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.refs))
	for id := range c.refs {
		out = append(out, id)
	}
	return out
}
