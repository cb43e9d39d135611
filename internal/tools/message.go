package tools

import (
	"context"
	"fmt"

	"github.com/nibot-ai/nibot/internal/bus"
)

// MessageTool sends a message to the current conversation out of band,
// without ending the agent's turn. Denied to subagents by default so a
// background task cannot talk to the user directly.
type MessageTool struct {
	bus *bus.MessageBus
}

func NewMessageTool(b *bus.MessageBus) *MessageTool {
	return &MessageTool{bus: b}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send an immediate message to the user before continuing"
}
func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send",
			},
		},
		"required": []string{"text"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return "", fmt.Errorf("text is required")
	}

	tc := ToolContextFrom(ctx)
	if tc.Channel == "" || tc.ChatID == "" {
		return "", fmt.Errorf("no conversation context available")
	}

	t.bus.PublishOutbound(bus.OutboundMessage{
		Channel: tc.Channel,
		ChatID:  tc.ChatID,
		Content: text,
	})
	return "Message sent.", nil
}
