package subagent

import (
	"context"
	"fmt"

	"github.com/nibot-ai/nibot/internal/tools"
)

// SpawnTool lets the main agent start a background task. The tool returns as
// soon as the task is registered; the result arrives later as a separate
// message in the originating chat.
type SpawnTool struct {
	manager *Manager
}

func NewSpawnTool(m *Manager) *SpawnTool {
	return &SpawnTool{manager: m}
}

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Description() string {
	return "Spawn a background agent task; its result is announced in this chat when done"
}
func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Full task description for the background agent",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for the task",
			},
			"agent_type": map[string]interface{}{
				"type":        "string",
				"description": "Named agent type from configuration (optional)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return "", fmt.Errorf("task is required")
	}
	label, _ := args["label"].(string)
	agentType, _ := args["agent_type"].(string)

	tc := tools.ToolContextFrom(ctx)
	id, err := t.manager.Spawn(SpawnRequest{
		Task:          task,
		Label:         label,
		AgentType:     agentType,
		OriginChannel: tc.Channel,
		OriginChatID:  tc.ChatID,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Spawned background task %s. The result will be announced here when it finishes.", id), nil
}
