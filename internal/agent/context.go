package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nibot-ai/nibot/internal/providers"
	"github.com/nibot-ai/nibot/internal/sessions"
)

// Rough chars-per-token ratio used for budget estimates. Precise counts need
// a provider tokenizer; for trimming decisions this approximation is enough.
const charsPerToken = 4

func estimateTokens(s string) int {
	return len(s)/charsPerToken + 1
}

func estimateMessageTokens(m providers.Message) int {
	n := estimateTokens(m.Content) + 4
	for _, tc := range m.ToolCalls {
		n += estimateTokens(tc.Name)
		n += len(fmt.Sprint(tc.Arguments)) / charsPerToken
	}
	return n
}

// contextBuilder assembles the provider message list for one turn: system
// prompt, compacted summary when present, then as much recent history as the
// token budget allows. Trimming drops the oldest messages first and never
// splits an assistant/tool pair from its tool results.
type contextBuilder struct {
	systemPrompt   string
	contextWindow  int
	contextReserve int
}

// build returns the message list and whether any history had to be trimmed
// to fit the budget. A trimmed turn is the signal to compact the session.
func (cb *contextBuilder) build(sess *sessions.Session) ([]providers.Message, bool) {
	system := cb.systemPrompt
	if sess.CompactedSummary != "" {
		system += "\n\n## Summary of earlier conversation\n" + sess.CompactedSummary
	}

	budget := cb.contextWindow - cb.contextReserve - estimateTokens(system)
	if budget < 0 {
		budget = 0
	}

	history := sess.History(0)
	start := len(history)
	used := 0
	for start > 0 {
		cost := estimateMessageTokens(history[start-1])
		if used+cost > budget {
			break
		}
		used += cost
		start--
	}
	// Never start the window on a tool result whose assistant call was
	// trimmed away; providers reject orphaned tool messages.
	for start < len(history) && history[start].Role == "tool" {
		start++
	}

	out := make([]providers.Message, 0, len(history)-start+1)
	out = append(out, providers.Message{Role: "system", Content: system})
	for _, m := range history[start:] {
		if len(m.Media) > 0 {
			m.Content = renderMediaParts(m)
		}
		out = append(out, m)
	}
	return out, start > 0
}

// renderMediaParts flattens a multimodal turn into text the wire format can
// carry: the content followed by one attachment tag per media path.
func renderMediaParts(m providers.Message) string {
	var b strings.Builder
	b.WriteString(m.Content)
	for _, p := range m.Media {
		b.WriteString("\n<attachment: " + p + ">")
	}
	return b.String()
}

// Compaction kicks in once a session's history crosses this message count.
const compactAfterMessages = 100

// How many recent messages survive a compaction untouched.
const compactKeepRecent = 20

// compactor summarizes old history into the session's compacted summary in
// the background. At most one compaction per session key runs at a time.
type compactor struct {
	pool  *providers.Pool
	store *sessions.Store
	chain []string

	inflight sync.Map // session key -> struct{}
	wg       sync.WaitGroup
}

// maybeCompact starts an async compaction when the session is long enough,
// or when the context builder had to trim history to fit the budget, and
// none is already running for this key.
func (c *compactor) maybeCompact(key string, messageCount int, trimmed bool) {
	if messageCount <= compactAfterMessages && !trimmed {
		return
	}
	if messageCount <= compactKeepRecent+1 {
		return
	}
	if _, loaded := c.inflight.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inflight.Delete(key)
		c.run(key)
	}()
}

func (c *compactor) run(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Snapshot the messages to summarize without holding the session lock
	// across the LLM call.
	lock := c.store.LockFor(key)
	lock.Lock()
	sess, err := c.store.GetOrCreate(key)
	if err != nil {
		lock.Unlock()
		slog.Warn("compaction load failed", "key", key, "error", err)
		return
	}
	if len(sess.Messages) <= compactKeepRecent+1 {
		lock.Unlock()
		return
	}
	cutID := sess.Messages[len(sess.Messages)-compactKeepRecent-1].ID
	old := sess.History(0)
	old = old[:len(old)-compactKeepRecent]
	prior := sess.CompactedSummary
	lock.Unlock()

	var transcript string
	if prior != "" {
		transcript = "Earlier summary:\n" + prior + "\n\n"
	}
	transcript += "Conversation to fold in:\n"
	for _, m := range old {
		if m.Content == "" {
			continue
		}
		transcript += m.Role + ": " + m.Content + "\n"
	}

	req := providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "Summarize the conversation below into a compact brief preserving facts, decisions, names and open threads. Reply with the summary only."},
			{Role: "user", Content: transcript},
		},
	}
	resp, _ := c.pool.ChatWithFallback(ctx, req, c.chain)
	if resp.FinishReason == "error" || resp.Content == "" {
		slog.Warn("compaction summarization failed", "key", key)
		return
	}

	lock.Lock()
	defer lock.Unlock()
	sess, err = c.store.GetOrCreate(key)
	if err != nil {
		slog.Warn("compaction reload failed", "key", key, "error", err)
		return
	}
	// The session may have grown while we summarized; drop exactly the
	// messages up to and including the snapshot boundary.
	cut := -1
	for i, m := range sess.Messages {
		if m.ID == cutID {
			cut = i
			break
		}
	}
	if cut < 0 {
		slog.Warn("compaction boundary vanished, skipping", "key", key)
		return
	}
	sess.CompactedSummary = resp.Content
	sess.Messages = append([]providers.Message{}, sess.Messages[cut+1:]...)
	if err := c.store.Save(sess); err != nil {
		slog.Warn("compaction save failed", "key", key, "error", err)
		return
	}
	slog.Info("session compacted", "key", key, "dropped", cut+1, "kept", len(sess.Messages))
}
