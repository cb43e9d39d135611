package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/nibot-ai/nibot/internal/providers"
	"github.com/nibot-ai/nibot/internal/sessions"
)

func testSession(contents ...string) *sessions.Session {
	s := &sessions.Session{Key: "t:c"}
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.AddMessage(providers.Message{Role: role, Content: c})
	}
	return s
}

func TestBuildIncludesSystemAndHistory(t *testing.T) {
	cb := &contextBuilder{systemPrompt: "be helpful", contextWindow: 10000, contextReserve: 1000}
	sess := testSession("question", "answer")

	msgs, trimmed := cb.build(sess)
	if trimmed {
		t.Error("nothing should be trimmed under a roomy budget")
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Content != "question" || msgs[2].Content != "answer" {
		t.Error("history out of order")
	}
}

func TestBuildInjectsCompactedSummary(t *testing.T) {
	cb := &contextBuilder{systemPrompt: "be helpful", contextWindow: 10000, contextReserve: 1000}
	sess := testSession("q")
	sess.CompactedSummary = "they talked about cheese"

	msgs, _ := cb.build(sess)
	if !strings.Contains(msgs[0].Content, "they talked about cheese") {
		t.Errorf("summary not injected: %q", msgs[0].Content)
	}
	if !strings.HasPrefix(msgs[0].Content, "be helpful") {
		t.Errorf("system prompt not first: %q", msgs[0].Content)
	}
}

func TestBuildTrimsOldestFirst(t *testing.T) {
	// Budget of ~100 tokens fits only the newest few messages.
	cb := &contextBuilder{systemPrompt: "sys", contextWindow: 120, contextReserve: 20}

	sess := testSession(
		strings.Repeat("old ", 80),
		strings.Repeat("mid ", 80),
		"newest question",
	)

	msgs, trimmed := cb.build(sess)
	if !trimmed {
		t.Error("build must report that history was trimmed")
	}
	last := msgs[len(msgs)-1]
	if last.Content != "newest question" {
		t.Fatalf("newest message must survive trimming, got %q", last.Content)
	}
	for _, m := range msgs[1:] {
		if strings.HasPrefix(m.Content, "old ") {
			t.Error("oldest message should have been trimmed")
		}
	}
}

func TestBuildNeverStartsOnToolResult(t *testing.T) {
	cb := &contextBuilder{systemPrompt: "sys", contextWindow: 200, contextReserve: 20}

	s := &sessions.Session{Key: "t:c"}
	s.AddMessage(providers.Message{Role: "user", Content: strings.Repeat("long question ", 60)})
	s.AddMessage(providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "echo"}}})
	s.AddMessage(providers.Message{Role: "tool", Content: "result", ToolCallID: "c1"})
	s.AddMessage(providers.Message{Role: "assistant", Content: "final"})
	s.AddMessage(providers.Message{Role: "user", Content: "next"})

	msgs, _ := cb.build(s)
	if len(msgs) > 1 && msgs[1].Role == "tool" {
		t.Error("window must not open on an orphaned tool result")
	}
}

func TestBuildRendersMediaAttachments(t *testing.T) {
	cb := &contextBuilder{systemPrompt: "sys", contextWindow: 10000, contextReserve: 1000}

	s := &sessions.Session{Key: "t:c"}
	s.AddMessage(providers.Message{
		Role:    "user",
		Content: "what is in this photo?",
		Media:   []string{"/tmp/cat.png", "/tmp/dog.png"},
	})

	msgs, _ := cb.build(s)
	got := msgs[1].Content
	if !strings.HasPrefix(got, "what is in this photo?") {
		t.Errorf("content lost: %q", got)
	}
	for _, want := range []string{"<attachment: /tmp/cat.png>", "<attachment: /tmp/dog.png>"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	// The stored message keeps its raw content; only the wire copy is
	// flattened.
	if s.Messages[0].Content != "what is in this photo?" {
		t.Errorf("stored content mutated: %q", s.Messages[0].Content)
	}
}

func TestTrimTriggersCompaction(t *testing.T) {
	store, err := sessions.NewStore(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	prov := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "a compact brief", FinishReason: "stop"},
	}}
	c := &compactor{pool: providers.NewPool(prov, nil, nil), store: store}

	sess, err := store.GetOrCreate("t:c")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		sess.AddMessage(providers.Message{Role: "user", Content: fmt.Sprintf("msg %d", i)})
	}
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	// 30 messages is well under the count threshold; the trim signal alone
	// must start a compaction.
	c.maybeCompact("t:c", len(sess.Messages), true)
	c.wg.Wait()

	sess, _ = store.GetOrCreate("t:c")
	if sess.CompactedSummary != "a compact brief" {
		t.Errorf("summary = %q, want the provider brief", sess.CompactedSummary)
	}
	if len(sess.Messages) != compactKeepRecent {
		t.Errorf("messages = %d, want %d kept", len(sess.Messages), compactKeepRecent)
	}

	// Without the trim signal the same count stays untouched.
	c.maybeCompact("t:c", len(sess.Messages), false)
	c.wg.Wait()
	sess, _ = store.GetOrCreate("t:c")
	if len(sess.Messages) != compactKeepRecent {
		t.Errorf("untrimmed turn compacted anyway: %d messages", len(sess.Messages))
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 1 {
		t.Errorf("empty = %d", got)
	}
	if got := estimateTokens(strings.Repeat("a", 400)); got != 101 {
		t.Errorf("400 chars = %d, want 101", got)
	}
}
