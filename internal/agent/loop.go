// Package agent contains the core loop: consume inbound envelopes, run the
// LLM/tool iteration for each, persist the transcript and publish replies.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nibot-ai/nibot/internal/bus"
	"github.com/nibot-ai/nibot/internal/events"
	"github.com/nibot-ai/nibot/internal/providers"
	"github.com/nibot-ai/nibot/internal/ratelimit"
	"github.com/nibot-ai/nibot/internal/sessions"
	"github.com/nibot-ai/nibot/internal/tools"
)

const (
	defaultMaxToolIterations = 20
	defaultContextWindow     = 200000
	defaultContextReserve    = 20000

	// Bound on waiting for in-flight handlers during shutdown.
	drainTimeout = 30 * time.Second

	maxIterationsFallback = "Unable to complete this request (max_iterations reached)."
)

// Options tunes one agent loop.
type Options struct {
	SystemPrompt      string
	Model             string
	FallbackChain     []string
	MaxToolIterations int
	ContextWindow     int
	ContextReserve    int
}

// Loop is the agent pump. One goroutine consumes the inbound queue and each
// message is handled on its own goroutine; the session store's per-key locks
// serialize handlers that target the same conversation.
type Loop struct {
	bus      *bus.MessageBus
	pool     *providers.Pool
	store    *sessions.Store
	registry *tools.Registry
	limiter  *ratelimit.Limiter
	eventLog *events.Log

	opts      Options
	builder   *contextBuilder
	compactor *compactor

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// Handlers run on their own context so stopping the pump does not
	// abort turns already in flight; they are cancelled only after the
	// drain window expires.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
}

func NewLoop(b *bus.MessageBus, pool *providers.Pool, store *sessions.Store,
	registry *tools.Registry, limiter *ratelimit.Limiter, eventLog *events.Log, opts Options) *Loop {

	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = defaultMaxToolIterations
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = defaultContextWindow
	}
	if opts.ContextReserve <= 0 {
		opts.ContextReserve = defaultContextReserve
	}
	handlerCtx, handlerCancel := context.WithCancel(context.Background())
	return &Loop{
		bus:      b,
		pool:     pool,
		store:    store,
		registry: registry,
		limiter:  limiter,
		eventLog: eventLog,
		opts:     opts,
		builder: &contextBuilder{
			systemPrompt:   opts.SystemPrompt,
			contextWindow:  opts.ContextWindow,
			contextReserve: opts.ContextReserve,
		},
		compactor:     &compactor{pool: pool, store: store, chain: opts.FallbackChain},
		handlerCtx:    handlerCtx,
		handlerCancel: handlerCancel,
	}
}

// Run consumes inbound messages until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(l.handlerCtx, msg)
		}()
	}
}

// Stop halts consumption, waits up to drainTimeout for in-flight handlers,
// then cancels whatever is still running.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("agent drain timed out, cancelling in-flight handlers")
	}
	l.handlerCancel()
	l.compactor.wg.Wait()
}

// reply publishes an outbound envelope for msg, carrying over the response
// key so synchronous callers are resolved.
func (l *Loop) reply(msg bus.InboundMessage, content string, media []string, meta map[string]string) {
	for _, k := range []string{bus.MetaResponseKey, bus.MetaSourceFile} {
		if v := msg.Meta(k); v != "" {
			if meta == nil {
				meta = map[string]string{}
			}
			meta[k] = v
		}
	}
	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  content,
		Media:    media,
		Metadata: meta,
	})
}

// handle runs the full state machine for one inbound message.
func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent handler panicked", "session", msg.SessionKey(), "panic", r)
			l.reply(msg, "An internal error occurred while handling your message.", nil, nil)
		}
	}()

	// System-originated messages bypass admission control.
	if l.limiter != nil && msg.SenderID != "scheduler" && msg.Meta(bus.MetaScheduled) != "true" {
		if ok, reason := l.limiter.Allow(msg.SenderID, msg.Channel); !ok {
			slog.Info("inbound rejected", "session", msg.SessionKey(), "reason", reason)
			l.reply(msg, reason, nil, nil)
			return
		}
	}

	start := time.Now()
	key := msg.SessionKey()
	lock := l.store.LockFor(key)
	lock.Lock()
	defer lock.Unlock()

	sess, err := l.store.GetOrCreate(key)
	if err != nil {
		slog.Error("session load failed", "session", key, "error", err)
		l.reply(msg, "Your conversation history could not be loaded. Please try again.", nil, nil)
		return
	}

	sess.AddMessage(providers.Message{Role: "user", Content: msg.Content, Media: msg.Media})

	final, media, stats := l.iterate(ctx, msg, sess)

	if err := l.store.Save(sess); err != nil {
		slog.Error("session save failed", "session", key, "error", err)
		l.reply(msg, "Your conversation could not be saved ("+errorKind(err)+"). Please try again.", nil, nil)
		return
	}
	l.compactor.maybeCompact(key, len(sess.Messages), stats.trimmed)

	l.reply(msg, final, media, nil)
	l.eventLog.Request(msg.Channel, key, int(time.Since(start).Milliseconds()), stats.toolCount, stats.tokens, stats.provider)
}

// turnStats carries the per-turn counters iterate reports back to handle.
type turnStats struct {
	toolCount int
	tokens    int
	provider  string
	trimmed   bool
}

// iterate runs the LLM/tool rounds for one turn. Returns the final reply
// text, any media accumulated from tool results, and the turn counters.
func (l *Loop) iterate(ctx context.Context, msg bus.InboundMessage, sess *sessions.Session) (string, []string, turnStats) {
	streamID := msg.Meta(bus.MetaStreamID)
	var stats turnStats
	var media []string

	tc := tools.ToolContext{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SessionKey: msg.SessionKey(),
		SenderID:   msg.SenderID,
	}
	toolCtx := tools.WithToolContext(ctx, tc)

	for i := 0; i < l.opts.MaxToolIterations; i++ {
		l.progress(msg, streamID, map[string]string{
			bus.MetaProgress:      "thinking",
			bus.MetaIteration:     strconv.Itoa(i + 1),
			bus.MetaMaxIterations: strconv.Itoa(l.opts.MaxToolIterations),
		})

		messages, trimmed := l.builder.build(sess)
		if trimmed {
			stats.trimmed = true
		}
		req := providers.ChatRequest{
			Messages: messages,
			Tools:    l.registry.Definitions(),
			Model:    l.opts.Model,
		}

		var resp *providers.ChatResponse
		var name string
		if streamID != "" {
			flusher := newStreamFlusher(l.bus, msg, streamID)
			resp, name = l.pool.ChatStreamWithFallback(ctx, req, l.opts.FallbackChain, flusher.onChunk)
			flusher.finish(len(resp.ToolCalls) > 0)
		} else {
			resp, name = l.pool.ChatWithFallback(ctx, req, l.opts.FallbackChain)
		}
		stats.provider = name
		if resp.Usage != nil {
			stats.tokens += resp.Usage.TotalTokens
		}

		if resp.FinishReason == "error" {
			slog.Error("all providers failed", "session", msg.SessionKey(), "detail", resp.Content)
			return "I couldn't reach any language model provider. Please try again later.", media, stats
		}

		if len(resp.ToolCalls) == 0 {
			sess.AddMessage(providers.Message{Role: "assistant", Content: resp.Content})
			return resp.Content, media, stats
		}

		sess.AddMessage(providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Tool calls execute sequentially in the order the model emitted
		// them; later calls may depend on earlier effects.
		for _, call := range resp.ToolCalls {
			stats.toolCount++
			l.progress(msg, streamID, map[string]string{
				bus.MetaProgress:  "tool_start",
				bus.MetaToolName:  call.Name,
				bus.MetaIteration: strconv.Itoa(i + 1),
			})
			toolStart := time.Now()
			res := l.registry.Execute(toolCtx, call.Name, call.Arguments, call.ID, tc)
			l.progress(msg, streamID, map[string]string{
				bus.MetaProgress: "tool_done",
				bus.MetaToolName: call.Name,
				bus.MetaElapsed:  strconv.Itoa(int(time.Since(toolStart).Seconds())),
			})
			media = append(media, extractMedia(res.Content)...)
			sess.AddMessage(providers.Message{
				Role:       "tool",
				Content:    res.Content,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	sess.AddMessage(providers.Message{Role: "assistant", Content: maxIterationsFallback})
	return maxIterationsFallback, media, stats
}

// extractMedia collects file paths that tools attach to their results as
// MEDIA:-prefixed lines, so the reply can carry them to the channel.
func extractMedia(content string) []string {
	var paths []string
	for _, line := range strings.Split(content, "\n") {
		if p, ok := strings.CutPrefix(strings.TrimSpace(line), "MEDIA:"); ok {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// progress publishes a progress event when the sender asked for them by
// carrying a stream id.
func (l *Loop) progress(msg bus.InboundMessage, streamID string, meta map[string]string) {
	if streamID == "" {
		return
	}
	meta[bus.MetaStreamID] = streamID
	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Metadata: meta,
	})
}

// errorKind names an error's type without exposing its message, which may
// embed request bodies or API keys.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
