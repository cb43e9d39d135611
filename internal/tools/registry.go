package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nibot-ai/nibot/internal/events"
	"github.com/nibot-ai/nibot/internal/providers"
)

// Registry holds the tool catalog and mediates every execution.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	eventLog *events.Log
}

func NewRegistry(eventLog *events.Log) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		eventLog: eventLog,
	}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider tool definitions for every registered tool.
func (r *Registry) Definitions() []providers.ToolDefinition {
	return r.FilteredDefinitions(nil)
}

// FilteredDefinitions returns definitions restricted to the allow list.
// A nil list means all tools; an empty non-nil list means none.
func (r *Registry) FilteredDefinitions(allow []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allowed map[string]bool
	if allow != nil {
		allowed = make(map[string]bool, len(allow))
		for _, name := range allow {
			allowed[name] = true
		}
	}

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if allowed != nil && !allowed[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Subset returns a new registry containing only the named tools.
// Unknown names are ignored.
func (r *Registry) Subset(allow []string) *Registry {
	sub := NewRegistry(r.eventLog)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range allow {
		if t, ok := r.tools[name]; ok {
			sub.tools[name] = t
		}
	}
	return sub
}

// Without returns a new registry excluding the named tools.
func (r *Registry) Without(deny []string) *Registry {
	denied := make(map[string]bool, len(deny))
	for _, name := range deny {
		denied[name] = true
	}
	sub := NewRegistry(r.eventLog)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, t := range r.tools {
		if !denied[name] {
			sub.tools[name] = t
		}
	}
	return sub
}

// Execute runs one tool call. Any error or panic raised by the tool is
// converted into a ToolResult with IsError=true; the caller never observes
// a raw tool failure.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, callID string, tc ToolContext) ToolResult {
	result := ToolResult{CallID: callID, Name: name}

	t, ok := r.Get(name)
	if !ok {
		result.Content = fmt.Sprintf("Error: unknown tool '%s'", name)
		result.IsError = true
		return result
	}

	start := time.Now()
	content, err := r.executeSafe(WithToolContext(ctx, tc), t, args)
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		result.Content = "Error: " + err.Error()
		result.IsError = true
		slog.Warn("tool error", "tool", name, "duration_ms", durationMS, "error", err)
		r.eventLog.ToolCall(name, durationMS, false, err.Error())
		return result
	}

	result.Content = content
	slog.Debug("tool executed", "tool", name, "duration_ms", durationMS)
	r.eventLog.ToolCall(name, durationMS, true, "")
	return result
}

func (r *Registry) executeSafe(ctx context.Context, t Tool, args map[string]interface{}) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return t.Execute(ctx, args)
}
