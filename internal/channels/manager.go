package channels

import (
	"context"
	"log/slog"
	"sync"
)

// inboundQueueSize bounds the buffered inbound queue. Platform listeners block
// once the relay falls this far behind, which back-pressures the socket reads.
const inboundQueueSize = 256

// Manager owns the registered adapters, handles their lifecycle, and carries
// inbound events from adapter listeners to the relay consumer.
type Manager struct {
	adapters map[Platform]Adapter
	inbound  chan InboundEvent
	mu       sync.RWMutex
}

// NewManager creates a new adapter manager.
// Adapters are registered externally via Register.
func NewManager() *Manager {
	return &Manager{
		adapters: make(map[Platform]Adapter),
		inbound:  make(chan InboundEvent, inboundQueueSize),
	}
}

// Register adds an adapter to the manager.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Platform()] = a
}

// Get returns an adapter by platform.
func (m *Manager) Get(platform Platform) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[platform]
	return a, ok
}

// Adapters returns a snapshot of all registered adapters.
func (m *Manager) Adapters() []Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return out
}

// StartAll starts every registered adapter.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.adapters) == 0 {
		slog.Warn("no platforms enabled")
		return nil
	}

	for platform, a := range m.adapters {
		slog.Info("starting platform adapter", "platform", platform)
		if err := a.Start(ctx); err != nil {
			slog.Error("failed to start platform adapter", "platform", platform, "error", err)
		}
	}
	return nil
}

// StopAll gracefully stops every registered adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for platform, a := range m.adapters {
		slog.Info("stopping platform adapter", "platform", platform)
		if err := a.Stop(ctx); err != nil {
			slog.Error("error stopping platform adapter", "platform", platform, "error", err)
		}
	}
	return nil
}

// Publish hands an inbound event to the relay consumer. Called by adapter
// listeners; blocks when the queue is full.
func (m *Manager) Publish(ev InboundEvent) {
	m.inbound <- ev
}

// Consume returns the next inbound event, or false when ctx is cancelled.
func (m *Manager) Consume(ctx context.Context) (InboundEvent, bool) {
	select {
	case <-ctx.Done():
		return InboundEvent{}, false
	case ev := <-m.inbound:
		return ev, true
	}
}
