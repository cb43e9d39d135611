// Package tools provides the tool registry and the builtin tool catalog.
//
// Tools are capability objects: name, description, JSON-Schema parameters
// and an Execute method. The registry is the only caller of Execute and
// converts every failure (returned error or panic) into a ToolResult the
// LLM can read. Per-invocation context (channel, chat, session, sender)
// travels on the context.Context, keeping tool instances immutable and safe
// for concurrent execution.
package tools

import "context"

// Tool is the interface all tools must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolContext is the per-invocation sidecar describing where a call came
// from. Not persisted.
type ToolContext struct {
	Channel    string
	ChatID     string
	SessionKey string
	SenderID   string
}

// ToolResult is the outcome of one tool call. Errors are returned as
// strings with IsError=true, never as exceptions at the registry boundary.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

type toolContextKey string

const ctxToolContext toolContextKey = "tool_context"

// WithToolContext injects the invocation sidecar into ctx.
func WithToolContext(ctx context.Context, tc ToolContext) context.Context {
	return context.WithValue(ctx, ctxToolContext, tc)
}

// ToolContextFrom reads the invocation sidecar, zero-valued when absent.
func ToolContextFrom(ctx context.Context) ToolContext {
	tc, _ := ctx.Value(ctxToolContext).(ToolContext)
	return tc
}
