package subagent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nibot-ai/nibot/internal/bus"
	"github.com/nibot-ai/nibot/internal/providers"
	"github.com/nibot-ai/nibot/internal/tools"
)

// slowProvider optionally blocks until the call context expires.
type slowProvider struct {
	mu    sync.Mutex
	reply string
	block bool
}

func (p *slowProvider) Name() string         { return "fake" }
func (p *slowProvider) DefaultModel() string { return "fake-model" }

func (p *slowProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	block := p.block
	reply := p.reply
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &providers.ChatResponse{Content: reply, FinishReason: "stop"}, nil
}

func (p *slowProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func newTestManager(t *testing.T, prov providers.Provider, opts Options) (*Manager, *bus.MessageBus) {
	t.Helper()
	b := bus.New(64)
	pool := providers.NewPool(prov, nil, nil)
	reg := tools.NewRegistry(nil)
	if opts.Workspace == "" {
		opts.Workspace = t.TempDir()
	}
	return NewManager(pool, reg, b, nil, opts), b
}

func waitFinished(t *testing.T, m *Manager, id string) TaskInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := m.Task(id); ok && info.Status != StatusRunning {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", id)
	return TaskInfo{}
}

func TestSpawnCompletesAndAnnounces(t *testing.T) {
	m, b := newTestManager(t, &slowProvider{reply: "research complete"}, Options{})

	announced := make(chan bus.OutboundMessage, 1)
	b.SubscribeOutbound("web", func(ctx context.Context, msg bus.OutboundMessage) error {
		announced <- msg
		return nil
	})
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	go b.DispatchOutbound(dispatchCtx)

	id, err := m.Spawn(SpawnRequest{
		Task:          "investigate the thing",
		Label:         "investigation",
		OriginChannel: "web",
		OriginChatID:  "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 8 {
		t.Errorf("task id = %q, want 8 hex chars", id)
	}

	info := waitFinished(t, m, id)
	if info.Status != StatusDone {
		t.Fatalf("status = %s, result = %q", info.Status, info.Result)
	}
	if info.Result != "research complete" {
		t.Errorf("result = %q", info.Result)
	}

	var msg bus.OutboundMessage
	select {
	case msg = <-announced:
	case <-time.After(2 * time.Second):
		t.Fatal("no completion announcement published")
	}
	if msg.Channel != "web" || msg.ChatID != "alice" {
		t.Errorf("announcement target = %s:%s", msg.Channel, msg.ChatID)
	}
	if !strings.Contains(msg.Content, "investigation") || !strings.Contains(msg.Content, "research complete") {
		t.Errorf("announcement = %q", msg.Content)
	}
	if msg.Metadata[bus.MetaTaskType] != "subagent" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestSpawnUnknownAgentType(t *testing.T) {
	m, _ := newTestManager(t, &slowProvider{reply: "x"}, Options{})
	if _, err := m.Spawn(SpawnRequest{Task: "t", AgentType: "ghost"}); err == nil {
		t.Error("unknown agent type should be rejected")
	}
	if _, err := m.Spawn(SpawnRequest{}); err == nil {
		t.Error("empty task should be rejected")
	}
}

func TestTaskTimeout(t *testing.T) {
	m, _ := newTestManager(t, &slowProvider{block: true}, Options{
		AgentTypes: map[string]AgentConfig{
			"slow": {TimeoutSeconds: 1},
		},
	})

	id, err := m.Spawn(SpawnRequest{Task: "hang forever", AgentType: "slow"})
	if err != nil {
		t.Fatal(err)
	}

	info := waitFinished(t, m, id)
	if info.Status != StatusError {
		t.Fatalf("status = %s, want error", info.Status)
	}
	if info.Result != "Task timed out after 1s" {
		t.Errorf("result = %q", info.Result)
	}
}

func TestDefaultToolDenials(t *testing.T) {
	b := bus.New(4)
	pool := providers.NewPool(&slowProvider{reply: "x"}, nil, nil)
	reg := tools.NewRegistry(nil)
	reg.Register(tools.NewMessageTool(b))
	reg.Register(tools.NewWebFetchTool())
	m := NewManager(pool, reg, b, nil, Options{Workspace: t.TempDir()})

	// Nil tools: parent's registry minus message and spawn.
	def := m.registryFor(AgentConfig{}, m.workspace)
	if _, ok := def.Get("message"); ok {
		t.Error("message tool must be denied by default")
	}
	if _, ok := def.Get("web_fetch"); !ok {
		t.Error("other tools must pass through")
	}

	// Explicit whitelist wins, even for normally denied tools.
	allow := m.registryFor(AgentConfig{Tools: []string{"message"}}, m.workspace)
	if _, ok := allow.Get("message"); !ok {
		t.Error("whitelisted tool missing")
	}
	if _, ok := allow.Get("web_fetch"); ok {
		t.Error("non-whitelisted tool present")
	}

	// Empty non-nil whitelist means no tools at all.
	none := m.registryFor(AgentConfig{Tools: []string{}}, m.workspace)
	if got := none.List(); len(got) != 0 {
		t.Errorf("empty whitelist produced tools: %v", got)
	}
}

func TestCompletedTaskEviction(t *testing.T) {
	m, _ := newTestManager(t, &slowProvider{reply: "done"}, Options{MaxCompleted: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Spawn(SpawnRequest{Task: "t"})
		if err != nil {
			t.Fatal(err)
		}
		waitFinished(t, m, id)
		ids = append(ids, id)
	}

	if _, ok := m.Task(ids[0]); ok {
		t.Error("oldest completed task should have been evicted")
	}
	for _, id := range ids[1:] {
		if _, ok := m.Task(id); !ok {
			t.Errorf("task %s missing", id)
		}
	}
}

func TestSpawnCallback(t *testing.T) {
	m, _ := newTestManager(t, &slowProvider{reply: "done"}, Options{})

	got := make(chan TaskInfo, 1)
	id, err := m.Spawn(SpawnRequest{
		Task:   "quick job",
		OnDone: func(info TaskInfo) { got <- info },
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case info := <-got:
		if info.ID != id || info.Status != StatusDone || info.Result != "done" {
			t.Errorf("callback info = %+v", info)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never fired")
	}
}

func TestStopCancelsRunningTasks(t *testing.T) {
	m, _ := newTestManager(t, &slowProvider{block: true}, Options{})

	id, err := m.Spawn(SpawnRequest{Task: "hang"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Stop(ctx)

	info, ok := m.Task(id)
	if !ok {
		t.Fatal("task record lost")
	}
	if info.Status == StatusRunning {
		t.Error("task still running after Stop")
	}
}
