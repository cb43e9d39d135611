// Package subagent runs background agent tasks spawned from a conversation.
// Each task gets its own tool surface, provider chain and deadline, and
// announces its result back to the conversation that spawned it.
package subagent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nibot-ai/nibot/internal/bus"
	"github.com/nibot-ai/nibot/internal/events"
	"github.com/nibot-ai/nibot/internal/providers"
	"github.com/nibot-ai/nibot/internal/tools"
)

const (
	defaultTimeoutSeconds = 1800
	defaultMaxCompleted   = 100
	defaultMaxIterations  = 20
)

// Tools that a subagent never gets unless its agent type whitelists them.
// A background task must not talk to the user or spawn further tasks.
var defaultDeniedTools = []string{"message", "spawn"}

// AgentConfig describes one named subagent type. A nil Tools slice means the
// parent's tools minus the default denials; a non-nil slice (including empty)
// is an exact whitelist.
type AgentConfig struct {
	Tools          []string `json:"tools"`
	Model          string   `json:"model,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	FallbackChain  []string `json:"fallback_chain,omitempty"`
	WorkspaceMode  string   `json:"workspace_mode,omitempty"` // "shared" (default) or "worktree"
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// TaskStatus is the lifecycle state of a spawned task.
type TaskStatus string

const (
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusError   TaskStatus = "error"
)

// TaskInfo is the externally visible record of a task.
type TaskInfo struct {
	ID            string     `json:"id"`
	Label         string     `json:"label"`
	Task          string     `json:"task"`
	AgentType     string     `json:"agent_type"`
	Status        TaskStatus `json:"status"`
	Result        string     `json:"result,omitempty"`
	OriginChannel string     `json:"origin_channel"`
	OriginChatID  string     `json:"origin_chat_id"`
	Worktree      string     `json:"worktree,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at,omitzero"`
}

// SpawnRequest asks the manager to start a background task. OnDone, when
// set, is invoked with the terminal TaskInfo after the announcement.
type SpawnRequest struct {
	Task          string
	Label         string
	AgentType     string
	OriginChannel string
	OriginChatID  string
	OnDone        func(TaskInfo)
}

// Options configures a Manager.
type Options struct {
	Workspace     string
	MaxIterations int
	MaxCompleted  int
	AgentTypes    map[string]AgentConfig
}

// Manager tracks running tasks and a bounded history of finished ones.
type Manager struct {
	pool     *providers.Pool
	registry *tools.Registry
	bus      *bus.MessageBus
	eventLog *events.Log

	workspace     string
	maxIterations int
	maxCompleted  int
	agentTypes    map[string]AgentConfig

	mu        sync.Mutex
	running   map[string]*TaskInfo
	completed map[string]*TaskInfo
	wg        sync.WaitGroup
	cancels   map[string]context.CancelFunc
	callbacks map[string]func(TaskInfo)
}

func NewManager(pool *providers.Pool, registry *tools.Registry, b *bus.MessageBus, eventLog *events.Log, opts Options) *Manager {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxCompleted <= 0 {
		opts.MaxCompleted = defaultMaxCompleted
	}
	return &Manager{
		pool:          pool,
		registry:      registry,
		bus:           b,
		eventLog:      eventLog,
		workspace:     opts.Workspace,
		maxIterations: opts.MaxIterations,
		maxCompleted:  opts.MaxCompleted,
		agentTypes:    opts.AgentTypes,
		running:       make(map[string]*TaskInfo),
		completed:     make(map[string]*TaskInfo),
		cancels:       make(map[string]context.CancelFunc),
		callbacks:     make(map[string]func(TaskInfo)),
	}
}

// newTaskID returns an 8-hex-digit task id.
func newTaskID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b)
}

// Spawn starts a background task and returns its id immediately.
func (m *Manager) Spawn(req SpawnRequest) (string, error) {
	if req.Task == "" {
		return "", fmt.Errorf("task description is required")
	}
	cfg := m.configFor(req.AgentType)
	if req.AgentType != "" && cfg == nil {
		return "", fmt.Errorf("unknown agent type %q", req.AgentType)
	}
	if cfg == nil {
		cfg = &AgentConfig{}
	}

	id := newTaskID()
	if req.Label == "" {
		req.Label = "task-" + id
	}
	info := &TaskInfo{
		ID:            id,
		Label:         req.Label,
		Task:          req.Task,
		AgentType:     req.AgentType,
		Status:        StatusRunning,
		OriginChannel: req.OriginChannel,
		OriginChatID:  req.OriginChatID,
		StartedAt:     time.Now(),
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if cfg.TimeoutSeconds <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	m.mu.Lock()
	m.running[id] = info
	m.cancels[id] = cancel
	if req.OnDone != nil {
		m.callbacks[id] = req.OnDone
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.runTask(ctx, info, *cfg, timeout)
	}()

	slog.Info("subagent spawned", "task_id", id, "label", req.Label, "agent_type", req.AgentType)
	return id, nil
}

func (m *Manager) configFor(agentType string) *AgentConfig {
	if agentType == "" {
		return &AgentConfig{}
	}
	cfg, ok := m.agentTypes[agentType]
	if !ok {
		return nil
	}
	return &cfg
}

// registryFor builds the task's tool surface.
func (m *Manager) registryFor(cfg AgentConfig, workspace string) *tools.Registry {
	var reg *tools.Registry
	if cfg.Tools == nil {
		reg = m.registry.Without(defaultDeniedTools)
	} else {
		reg = m.registry.Subset(cfg.Tools)
	}
	if workspace != m.workspace && workspace != "" {
		// Worktree mode: rebind the file tools to the task's private tree.
		reg.Register(tools.NewReadFileTool(workspace, true))
		reg.Register(tools.NewWriteFileTool(workspace, true))
		reg.Register(tools.NewListDirTool(workspace, true))
		reg.Register(tools.NewShellTool(workspace))
	}
	return reg
}

// runTask drives the task's own agent loop to completion.
func (m *Manager) runTask(ctx context.Context, info *TaskInfo, cfg AgentConfig, timeout time.Duration) {
	workspace := m.workspace
	var cleanup func()
	if cfg.WorkspaceMode == "worktree" {
		wt, cl, err := setupWorktree(m.workspace, info.ID)
		if err != nil {
			slog.Warn("worktree setup failed, using shared workspace", "task_id", info.ID, "error", err)
		} else {
			workspace = wt
			cleanup = cl
			m.mu.Lock()
			info.Worktree = wt
			m.mu.Unlock()
		}
	}
	if cleanup != nil {
		defer cleanup()
	}

	reg := m.registryFor(cfg, workspace)
	result, err := m.iterate(ctx, info, cfg, reg)

	status := StatusDone
	if err != nil {
		status = StatusError
		if ctx.Err() == context.DeadlineExceeded {
			result = fmt.Sprintf("Task timed out after %ds", int(timeout.Seconds()))
		} else if result == "" {
			result = "Task failed: " + errorKind(err)
		}
	}
	m.finish(info, status, result)
}

// iterate is the subagent's tool loop. It mirrors the main agent loop but
// without streaming, progress events or session persistence.
func (m *Manager) iterate(ctx context.Context, info *TaskInfo, cfg AgentConfig, reg *tools.Registry) (string, error) {
	system := cfg.SystemPrompt
	if system == "" {
		system = "You are a background task agent. Complete the assigned task and reply with a concise result summary."
	}
	messages := []providers.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: info.Task},
	}

	chain := cfg.FallbackChain
	if len(chain) == 0 && cfg.Provider != "" {
		chain = []string{cfg.Provider}
	}

	tc := tools.ToolContext{
		Channel:    info.OriginChannel,
		ChatID:     info.OriginChatID,
		SessionKey: "subagent:" + info.ID,
		SenderID:   "subagent",
	}

	for i := 0; i < m.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		req := providers.ChatRequest{
			Messages: messages,
			Tools:    reg.Definitions(),
			Model:    cfg.Model,
		}
		resp, _ := m.pool.ChatWithFallback(ctx, req, chain)
		if resp.FinishReason == "error" {
			return "", fmt.Errorf("%s", resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			res := reg.Execute(ctx, call.Name, call.Arguments, call.ID, tc)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    res.Content,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
	return "Task stopped: iteration limit reached without a final answer", nil
}

// finish records the terminal state and announces it to the origin chat.
func (m *Manager) finish(info *TaskInfo, status TaskStatus, result string) {
	m.mu.Lock()
	delete(m.running, info.ID)
	delete(m.cancels, info.ID)
	onDone := m.callbacks[info.ID]
	delete(m.callbacks, info.ID)
	info.Status = status
	info.Result = result
	info.FinishedAt = time.Now()
	m.completed[info.ID] = info
	m.evictLocked()
	snapshot := *info
	m.mu.Unlock()

	slog.Info("subagent finished", "task_id", info.ID, "status", status,
		"duration", time.Since(info.StartedAt).Round(time.Millisecond))

	if info.OriginChannel != "" && info.OriginChatID != "" {
		verb := "completed"
		if status == StatusError {
			verb = "failed"
		}
		m.bus.PublishOutbound(bus.OutboundMessage{
			Channel: info.OriginChannel,
			ChatID:  info.OriginChatID,
			Content: fmt.Sprintf("Background task '%s' %s:\n%s", info.Label, verb, result),
			Metadata: map[string]string{
				bus.MetaTaskType: "subagent",
				"task_id":        info.ID,
			},
		})
	}

	if onDone != nil {
		onDone(snapshot)
	}
}

// evictLocked drops the oldest-finished completed tasks beyond the bound.
// Running tasks are never evicted. Caller holds m.mu.
func (m *Manager) evictLocked() {
	for len(m.completed) > m.maxCompleted {
		oldestID := ""
		var oldestAt time.Time
		for id, t := range m.completed {
			if oldestID == "" || t.FinishedAt.Before(oldestAt) {
				oldestID = id
				oldestAt = t.FinishedAt
			}
		}
		delete(m.completed, oldestID)
	}
}

// Task returns a task by id, running or completed.
func (m *Manager) Task(id string) (TaskInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.running[id]; ok {
		return *t, true
	}
	if t, ok := m.completed[id]; ok {
		return *t, true
	}
	return TaskInfo{}, false
}

// Tasks returns all known tasks, running first, then completed newest first.
func (m *Manager) Tasks() []TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskInfo, 0, len(m.running)+len(m.completed))
	for _, t := range m.running {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	done := make([]TaskInfo, 0, len(m.completed))
	for _, t := range m.completed {
		done = append(done, *t)
	}
	sort.Slice(done, func(i, j int) bool { return done[i].FinishedAt.After(done[j].FinishedAt) })
	return append(out, done...)
}

// RunningCount reports how many tasks are in flight.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Stop cancels all running tasks and waits for them to finish or for ctx to
// expire, whichever comes first.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("subagent drain timed out", "still_running", m.RunningCount())
	}
}

// errorKind names the error type without leaking its message, which may
// contain request payloads or credentials.
func errorKind(err error) string {
	if err == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%T", err)
}
