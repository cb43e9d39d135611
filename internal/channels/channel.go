// Package channels hosts the transport adapters that bridge the outside
// world to the message bus.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nibot-ai/nibot/internal/bus"
)

// Channel is one transport adapter. Start must not block; Send delivers one
// outbound envelope to the transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Manager owns the registered channels and their bus subscriptions.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.Mutex
	channels map[string]Channel
	started  []Channel
}

func NewManager(b *bus.MessageBus) *Manager {
	return &Manager{
		bus:      b,
		channels: make(map[string]Channel),
	}
}

// Register adds a channel and subscribes it to its outbound traffic.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), ch.Send)
}

// Names lists registered channels.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel; the first failure aborts and
// stops the ones already started.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			for _, started := range m.started {
				_ = started.Stop()
			}
			m.started = nil
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		m.started = append(m.started, ch)
		slog.Info("channel started", "channel", name)
	}
	return nil
}

// StopAll stops all started channels, logging failures.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.started {
		if err := ch.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
	m.started = nil
}
