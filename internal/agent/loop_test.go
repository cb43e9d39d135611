package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nibot-ai/nibot/internal/bus"
	"github.com/nibot-ai/nibot/internal/providers"
	"github.com/nibot-ai/nibot/internal/ratelimit"
	"github.com/nibot-ai/nibot/internal/sessions"
	"github.com/nibot-ai/nibot/internal/tools"
)

// scriptedProvider pops one response per call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "scripted-model" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "default", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err == nil && onChunk != nil {
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			onChunk(providers.StreamChunk{Content: word})
		}
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, err
}

// sleepProvider answers after a fixed delay unless the call's context is
// cancelled first.
type sleepProvider struct {
	delay time.Duration

	mu      sync.Mutex
	aborted int
}

func (p *sleepProvider) Name() string         { return "sleepy" }
func (p *sleepProvider) DefaultModel() string { return "sleepy-model" }

func (p *sleepProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	select {
	case <-time.After(p.delay):
		return &providers.ChatResponse{Content: "done after a nap", FinishReason: "stop"}, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.aborted++
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (p *sleepProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *sleepProvider) abortCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// echoTool records its invocations.
type echoTool struct {
	mu    sync.Mutex
	calls []map[string]interface{}
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, args)
	return "echoed", nil
}

type testRig struct {
	bus      *bus.MessageBus
	loop     *Loop
	provider *scriptedProvider
	tool     *echoTool
	store    *sessions.Store

	mu       sync.Mutex
	outbound []bus.OutboundMessage
	cancel   context.CancelFunc
}

func newTestRig(t *testing.T, limiter *ratelimit.Limiter, opts Options) *testRig {
	t.Helper()
	prov := &scriptedProvider{}
	rig := newTestRigWith(t, limiter, opts, prov)
	rig.provider = prov
	return rig
}

// newTestRigWith builds a rig around an arbitrary provider.
func newTestRigWith(t *testing.T, limiter *ratelimit.Limiter, opts Options, prov providers.Provider) *testRig {
	t.Helper()

	b := bus.New(64)
	store, err := sessions.NewStore(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}

	pool := providers.NewPool(prov, nil, nil)

	tool := &echoTool{}
	reg := tools.NewRegistry(nil)
	reg.Register(tool)

	if opts.SystemPrompt == "" {
		opts.SystemPrompt = "You are a test agent."
	}
	loop := NewLoop(b, pool, store, reg, limiter, nil, opts)

	rig := &testRig{bus: b, loop: loop, tool: tool, store: store}

	ctx, cancel := context.WithCancel(context.Background())
	rig.cancel = cancel
	t.Cleanup(cancel)
	b.SubscribeOutbound("test", func(ctx context.Context, msg bus.OutboundMessage) error {
		rig.mu.Lock()
		rig.outbound = append(rig.outbound, msg)
		rig.mu.Unlock()
		return nil
	})
	go b.DispatchOutbound(ctx)

	return rig
}

// handle runs one message synchronously through the loop's state machine.
func (r *testRig) handle(msg bus.InboundMessage) {
	r.loop.handle(context.Background(), msg)
}

// waitOutbound waits for at least n dispatched envelopes.
func (r *testRig) waitOutbound(t *testing.T, n int) []bus.OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.outbound) >= n {
			out := append([]bus.OutboundMessage{}, r.outbound...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("timed out waiting for %d outbound messages, got %d", n, len(r.outbound))
	return nil
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "test", SenderID: "alice", ChatID: "chat1", Content: content}
}

func TestBasicReply(t *testing.T) {
	rig := newTestRig(t, nil, Options{})
	rig.provider.responses = []*providers.ChatResponse{
		{Content: "hello there", FinishReason: "stop"},
	}

	rig.handle(inbound("hi"))

	out := rig.waitOutbound(t, 1)
	if out[0].Content != "hello there" {
		t.Errorf("reply = %q", out[0].Content)
	}

	// Transcript persisted: user then assistant, parent-linked.
	sess, err := rig.store.GetOrCreate("test:chat1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(sess.Messages))
	}
	if sess.Messages[0].Role != "user" || sess.Messages[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", sess.Messages[0].Role, sess.Messages[1].Role)
	}
	if sess.Messages[1].ParentID != sess.Messages[0].ID {
		t.Error("assistant message not linked to user message")
	}
}

func TestToolCallRound(t *testing.T) {
	rig := newTestRig(t, nil, Options{})
	rig.provider.responses = []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}},
			},
		},
		{Content: "the tool said: echoed", FinishReason: "stop"},
	}

	rig.handle(inbound("use the tool"))

	out := rig.waitOutbound(t, 1)
	if out[0].Content != "the tool said: echoed" {
		t.Errorf("reply = %q", out[0].Content)
	}
	if len(rig.tool.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(rig.tool.calls))
	}

	// Second LLM round must carry the tool result message.
	second := rig.provider.requests[1]
	found := false
	for _, m := range second.Messages {
		if m.Role == "tool" && m.Content == "echoed" && m.ToolCallID == "call-1" {
			found = true
		}
	}
	if !found {
		t.Error("tool result not fed back to the model")
	}

	sess, _ := rig.store.GetOrCreate("test:chat1")
	// user, assistant(tool_calls), tool, assistant(final)
	if len(sess.Messages) != 4 {
		t.Errorf("persisted messages = %d, want 4", len(sess.Messages))
	}
}

func TestMaxIterationsFallback(t *testing.T) {
	rig := newTestRig(t, nil, Options{MaxToolIterations: 3})
	// Always demand another tool round.
	for i := 0; i < 5; i++ {
		rig.provider.responses = append(rig.provider.responses, &providers.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "c", Name: "echo"}},
		})
	}

	rig.handle(inbound("loop forever"))

	out := rig.waitOutbound(t, 1)
	want := "Unable to complete this request (max_iterations reached)."
	if out[0].Content != want {
		t.Errorf("reply = %q, want %q", out[0].Content, want)
	}
	if len(rig.tool.calls) != 3 {
		t.Errorf("tool executed %d times, want 3", len(rig.tool.calls))
	}
}

func TestRateLimitRejection(t *testing.T) {
	limiter := ratelimit.New(1, 0)
	rig := newTestRig(t, limiter, Options{})
	rig.provider.responses = []*providers.ChatResponse{
		{Content: "first", FinishReason: "stop"},
	}

	rig.handle(inbound("one"))
	rig.handle(inbound("two"))

	out := rig.waitOutbound(t, 2)
	if out[0].Content != "first" {
		t.Errorf("first reply = %q", out[0].Content)
	}
	want := "Rate limit exceeded for user 'alice': 1 rpm"
	if out[1].Content != want {
		t.Errorf("rejection = %q, want %q", out[1].Content, want)
	}

	// The rejected message must not touch the session.
	sess, _ := rig.store.GetOrCreate("test:chat1")
	if len(sess.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (rejected turn not persisted)", len(sess.Messages))
	}
}

func TestSchedulerBypassesRateLimit(t *testing.T) {
	limiter := ratelimit.New(1, 1)
	rig := newTestRig(t, limiter, Options{})
	rig.provider.responses = []*providers.ChatResponse{
		{Content: "user reply", FinishReason: "stop"},
		{Content: "job done", FinishReason: "stop"},
	}

	rig.handle(inbound("burn the channel budget"))
	rig.handle(bus.InboundMessage{
		Channel:  "test",
		SenderID: "scheduler",
		ChatID:   "jobs",
		Content:  "run the report",
		Metadata: map[string]string{bus.MetaScheduled: "true"},
	})

	out := rig.waitOutbound(t, 2)
	if out[1].Content != "job done" {
		t.Errorf("scheduled reply = %q, want job done", out[1].Content)
	}
}

func TestResponseKeyPreserved(t *testing.T) {
	rig := newTestRig(t, nil, Options{})
	rig.provider.responses = []*providers.ChatResponse{
		{Content: "sync answer", FinishReason: "stop"},
	}

	key, ch := rig.bus.CreateResponseWaiter(2 * time.Second)
	msg := inbound("sync question")
	msg.Metadata = map[string]string{bus.MetaResponseKey: key}
	rig.handle(msg)

	select {
	case resolved, ok := <-ch:
		if !ok {
			t.Fatal("waiter timed out instead of resolving")
		}
		if resolved.Content != "sync answer" {
			t.Errorf("resolved content = %q", resolved.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestStreaming(t *testing.T) {
	rig := newTestRig(t, nil, Options{})
	rig.provider.responses = []*providers.ChatResponse{
		{Content: "this is a long streamed answer that easily exceeds the flush threshold", FinishReason: "stop"},
	}

	msg := inbound("stream it")
	msg.Metadata = map[string]string{bus.MetaStreamID: "s-1"}
	rig.handle(msg)

	// Expect: progress(thinking), >=1 interim chunk, terminal chunk, final reply.
	out := rig.waitOutbound(t, 4)

	var interim, terminal, finals []bus.OutboundMessage
	for _, m := range out {
		switch {
		case m.Metadata[bus.MetaStreamDone] == "true":
			terminal = append(terminal, m)
		case m.Metadata[bus.MetaStreaming] == "true":
			interim = append(interim, m)
		case m.Metadata[bus.MetaProgress] != "":
		default:
			finals = append(finals, m)
		}
	}

	if len(interim) == 0 {
		t.Fatal("no interim stream chunks")
	}
	for _, m := range interim {
		if m.Metadata[bus.MetaStreamID] != "s-1" {
			t.Errorf("chunk missing stream id: %v", m.Metadata)
		}
	}
	if interim[0].Metadata[bus.MetaStreamSeq] != "0" {
		t.Errorf("first chunk seq = %q, want 0", interim[0].Metadata[bus.MetaStreamSeq])
	}
	if len(terminal) != 1 {
		t.Fatalf("terminal chunks = %d, want 1", len(terminal))
	}
	if terminal[0].Metadata[bus.MetaHasToolCalls] == "true" {
		t.Error("final round must not advertise tool calls")
	}
	if len(finals) != 1 || !strings.Contains(finals[0].Content, "streamed answer") {
		t.Errorf("final reply missing or wrong: %v", finals)
	}

	// Every chunk carries the cumulative text so far: each interim is a
	// growing prefix of the final reply, and the terminal chunk is the
	// whole reply.
	prev := 0
	for _, m := range interim {
		if !strings.HasPrefix(finals[0].Content, m.Content) {
			t.Errorf("chunk %q is not a prefix of the final reply", m.Content)
		}
		if len(m.Content) <= prev {
			t.Errorf("chunk did not grow: %d -> %d", prev, len(m.Content))
		}
		prev = len(m.Content)
	}
	if terminal[0].Content != finals[0].Content {
		t.Errorf("terminal chunk = %q, want full reply %q", terminal[0].Content, finals[0].Content)
	}
}

func TestProviderFailureIsOpaque(t *testing.T) {
	rig := newTestRig(t, nil, Options{})
	rig.provider.responses = []*providers.ChatResponse{
		providers.ErrorResponse("api_key=sk-secret leaked in error"),
	}

	rig.handle(inbound("trigger failure"))

	out := rig.waitOutbound(t, 1)
	if strings.Contains(out[0].Content, "sk-secret") {
		t.Fatalf("provider error leaked to user: %q", out[0].Content)
	}
	if !strings.Contains(out[0].Content, "couldn't reach any language model provider") {
		t.Errorf("reply = %q", out[0].Content)
	}
}

// chartTool attaches a generated file to its result.
type chartTool struct{}

func (chartTool) Name() string        { return "chart" }
func (chartTool) Description() string { return "draws a chart" }
func (chartTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (chartTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return "chart written\nMEDIA:/tmp/chart.png", nil
}

func TestMediaFlowsThroughTurn(t *testing.T) {
	rig := newTestRig(t, nil, Options{})
	rig.loop.registry.Register(chartTool{})
	rig.provider.responses = []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "c1", Name: "chart"}},
		},
		{Content: "here is your chart", FinishReason: "stop"},
	}

	msg := inbound("plot this photo")
	msg.Media = []string{"/tmp/input.jpg"}
	rig.handle(msg)

	out := rig.waitOutbound(t, 1)
	if out[0].Content != "here is your chart" {
		t.Fatalf("reply = %q", out[0].Content)
	}
	// The reply carries the file the tool produced.
	if len(out[0].Media) != 1 || out[0].Media[0] != "/tmp/chart.png" {
		t.Errorf("reply media = %v, want [/tmp/chart.png]", out[0].Media)
	}

	// The inbound attachment reaches the model as an attachment tag.
	first := rig.provider.requests[0]
	var userContent string
	for _, m := range first.Messages {
		if m.Role == "user" {
			userContent = m.Content
		}
	}
	if !strings.Contains(userContent, "<attachment: /tmp/input.jpg>") {
		t.Errorf("attachment tag missing from model input: %q", userContent)
	}

	// And it is persisted on the stored user message.
	sess, _ := rig.store.GetOrCreate("test:chat1")
	if len(sess.Messages[0].Media) != 1 || sess.Messages[0].Media[0] != "/tmp/input.jpg" {
		t.Errorf("stored media = %v", sess.Messages[0].Media)
	}
}

func TestExtractMedia(t *testing.T) {
	got := extractMedia("did the thing\nMEDIA:/a/b.png\nmore text\n  MEDIA: /c/d.gif  \nMEDIA:")
	want := []string{"/a/b.png", "/c/d.gif"}
	if len(got) != len(want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if extractMedia("no attachments here") != nil {
		t.Error("plain content must yield no media")
	}
}

func TestStopWaitsForInFlightTurn(t *testing.T) {
	prov := &sleepProvider{delay: 150 * time.Millisecond}
	rig := newTestRigWith(t, nil, Options{}, prov)

	runCtx, cancelRun := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})
	go func() {
		rig.loop.Run(runCtx)
		close(pumpDone)
	}()

	rig.bus.PublishInbound(inbound("take your time"))
	time.Sleep(30 * time.Millisecond) // let the handler reach the provider
	cancelRun()
	<-pumpDone

	// Cancelling the pump stops consumption only; the turn already in
	// flight still completes and replies.
	out := rig.waitOutbound(t, 1)
	if out[0].Content != "done after a nap" {
		t.Fatalf("reply = %q, want the completed turn", out[0].Content)
	}
	if n := prov.abortCount(); n != 0 {
		t.Errorf("provider call cancelled %d times, want 0", n)
	}
	rig.loop.Stop()
}

func TestParallelSessionsCompleteConcurrently(t *testing.T) {
	prov := &sleepProvider{delay: 200 * time.Millisecond}
	rig := newTestRigWith(t, nil, Options{}, prov)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := inbound("slow question")
			msg.ChatID = fmt.Sprintf("chat-%d", i)
			rig.handle(msg)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	out := rig.waitOutbound(t, 5)
	chats := make(map[string]bool)
	for _, m := range out {
		if m.Content != "done after a nap" {
			t.Errorf("reply = %q", m.Content)
		}
		chats[m.ChatID] = true
	}
	if len(chats) != 5 {
		t.Errorf("distinct sessions replied = %d, want 5", len(chats))
	}

	// Five sessions under a 200ms provider must overlap; run serially they
	// would need a full second.
	if elapsed > 600*time.Millisecond {
		t.Errorf("five sessions took %v, want concurrent completion well under 1s", elapsed)
	}
}

func TestConcurrentSessionsSerializePerKey(t *testing.T) {
	rig := newTestRig(t, nil, Options{})
	for i := 0; i < 20; i++ {
		rig.provider.responses = append(rig.provider.responses,
			&providers.ChatResponse{Content: "ok", FinishReason: "stop"})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rig.handle(inbound("concurrent"))
		}()
	}
	wg.Wait()

	sess, _ := rig.store.GetOrCreate("test:chat1")
	if len(sess.Messages) != 20 {
		t.Errorf("messages = %d, want 20 (10 user + 10 assistant)", len(sess.Messages))
	}
	// Every message after the first links to its predecessor.
	for i := 1; i < len(sess.Messages); i++ {
		if sess.Messages[i].ParentID != sess.Messages[i-1].ID {
			t.Fatalf("parent chain broken at %d", i)
		}
	}
}
