// Package bus decouples channel adapters from the agent loop.
//
// Two bounded FIFO queues carry envelopes: inbound (channels, scheduler →
// agent loop) and outbound (agent loop, subagents → channel subscribers).
// A response-waiter table supports the synchronous request/response pattern
// used by the HTTP API channel.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// defaultQueueSize is used when the configured capacity is 0 ("unbounded").
// A large buffer approximates unbounded while still protecting memory.
const defaultQueueSize = 1024

// SubscriberFunc handles one outbound envelope for a channel.
type SubscriberFunc func(ctx context.Context, msg OutboundMessage) error

type responseWaiter struct {
	ch    chan OutboundMessage
	timer *time.Timer
}

// MessageBus carries envelopes between producers and consumers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.Mutex
	subscribers map[string][]SubscriberFunc
	waiters     map[string]*responseWaiter

	running atomic.Bool
}

// New creates a bus with the given queue capacity (0 = default 1024).
// Bounded queues block producers when full, transmitting backpressure to
// channels.
func New(queueSize int) *MessageBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	b := &MessageBus{
		inbound:     make(chan InboundMessage, queueSize),
		outbound:    make(chan OutboundMessage, queueSize),
		subscribers: make(map[string][]SubscriberFunc),
		waiters:     make(map[string]*responseWaiter),
	}
	b.running.Store(true)
	return b
}

// PublishInbound enqueues an envelope for the agent loop. Blocks when the
// queue is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// ConsumeInbound dequeues the next inbound envelope, suspending until one is
// available. Returns ok=false when ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an envelope for dispatch. Blocks when full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.outbound <- msg
}

// SubscribeOutbound appends a callback for a channel. Multiple subscribers
// per channel are permitted; all are invoked in registration order. The
// channel "*" receives every envelope in addition to its channel subscribers.
func (b *MessageBus) SubscribeOutbound(channel string, fn SubscriberFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// DispatchOutbound is the outbound dispatch loop. It polls with a bounded
// wait so Stop() is observed promptly. Response waiters take priority over
// subscribers: a matched waiter owns the envelope.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for b.running.Load() {
		select {
		case msg := <-b.outbound:
			b.dispatch(ctx, msg)
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) dispatch(ctx context.Context, msg OutboundMessage) {
	if key := msg.Metadata[MetaResponseKey]; key != "" {
		if b.ResolveResponse(key, msg) {
			return
		}
	}

	b.mu.Lock()
	subs := b.subscribers[msg.Channel]
	taps := b.subscribers["*"]
	b.mu.Unlock()

	if len(subs) == 0 && len(taps) == 0 {
		slog.Warn("no subscriber for channel, dropping envelope", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	for _, fn := range subs {
		b.invoke(ctx, fn, msg)
	}
	for _, fn := range taps {
		b.invoke(ctx, fn, msg)
	}
}

// invoke runs one subscriber; errors and panics are logged, never propagated.
func (b *MessageBus) invoke(ctx context.Context, fn SubscriberFunc, msg OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("outbound subscriber panicked", "channel", msg.Channel, "panic", r)
		}
	}()
	if err := fn(ctx, msg); err != nil {
		slog.Warn("outbound subscriber failed", "channel", msg.Channel, "error", err)
	}
}

// CreateResponseWaiter registers a one-shot waiter and returns its key plus
// the channel the resolved envelope arrives on. The channel is closed without
// a value if the timeout expires first.
func (b *MessageBus) CreateResponseWaiter(timeout time.Duration) (string, <-chan OutboundMessage) {
	key := uuid.NewString()
	w := &responseWaiter{ch: make(chan OutboundMessage, 1)}

	b.mu.Lock()
	b.waiters[key] = w
	b.mu.Unlock()

	w.timer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		_, pending := b.waiters[key]
		delete(b.waiters, key)
		b.mu.Unlock()
		if pending {
			close(w.ch)
		}
	})

	return key, w.ch
}

// ResolveResponse completes and removes a waiter. Idempotent; reports
// whether a waiter existed.
func (b *MessageBus) ResolveResponse(key string, msg OutboundMessage) bool {
	b.mu.Lock()
	w, ok := b.waiters[key]
	delete(b.waiters, key)
	b.mu.Unlock()

	if !ok {
		return false
	}
	w.timer.Stop()
	w.ch <- msg
	close(w.ch)
	return true
}

// Stop clears the running flag; the dispatch loop exits at its next poll
// boundary.
func (b *MessageBus) Stop() {
	b.running.Store(false)
}
