// Package events provides the append-only JSONL operational trace.
//
// Four record shapes are emitted: llm_call, tool_call, provider_switch and
// request. Writes are best-effort: the hot path never blocks or fails on a
// full disk. A dedicated writer goroutine serializes appends.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const writeQueueSize = 256

// Log is the JSONL event writer. A nil *Log is valid and discards everything.
type Log struct {
	path     string
	maxBytes int64

	ch   chan map[string]interface{}
	done chan struct{}

	warnOnce sync.Once
	stopOnce sync.Once
}

// Open creates the event log at path. maxBytes > 0 enables size-based
// rotation (the current file is renamed to path+".1").
func Open(path string, maxBytes int64) *Log {
	l := &Log{
		path:     path,
		maxBytes: maxBytes,
		ch:       make(chan map[string]interface{}, writeQueueSize),
		done:     make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Close flushes queued records and stops the writer.
func (l *Log) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.ch)
		<-l.done
	})
}

func (l *Log) emit(eventType string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	record := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		record[k] = v
	}
	record["ts"] = time.Now().UTC().Format(time.RFC3339)
	record["type"] = eventType

	// Best-effort: drop when the queue is full rather than stall a handler.
	select {
	case l.ch <- record:
	default:
	}
}

func (l *Log) writeLoop() {
	defer close(l.done)
	for record := range l.ch {
		if err := l.append(record); err != nil {
			// Swallowed by contract; warn once per process so operators
			// can notice a dead disk without log spam.
			l.warnOnce.Do(func() {
				slog.Warn("event log write failed, further failures suppressed", "path", l.path, "error", err)
			})
		}
	}
}

func (l *Log) append(record map[string]interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if l.maxBytes > 0 {
		if st, err := os.Stat(l.path); err == nil && st.Size()+int64(len(data)) > l.maxBytes {
			_ = os.Rename(l.path, l.path+".1")
		}
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// LLMCall records one provider round trip.
func (l *Log) LLMCall(provider, model string, inputTokens, outputTokens, latencyMS int, success bool, errMsg string) {
	fields := map[string]interface{}{
		"provider":      provider,
		"model":         model,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"latency_ms":    latencyMS,
		"success":       success,
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	l.emit("llm_call", fields)
}

// ToolCall records one tool execution.
func (l *Log) ToolCall(tool string, durationMS int, success bool, errMsg string) {
	fields := map[string]interface{}{
		"tool":        tool,
		"duration_ms": durationMS,
		"success":     success,
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	l.emit("tool_call", fields)
}

// ProviderSwitch records a failover decision.
func (l *Log) ProviderSwitch(chain []string, selected string, skipped []string, reason string) {
	l.emit("provider_switch", map[string]interface{}{
		"chain":    chain,
		"selected": selected,
		"skipped":  skipped,
		"reason":   reason,
	})
}

// Request records one completed agent handler.
func (l *Log) Request(channel, sessionKey string, latencyMS, toolCount, totalTokens int, provider string) {
	l.emit("request", map[string]interface{}{
		"channel":      channel,
		"session_key":  sessionKey,
		"latency_ms":   latencyMS,
		"tool_count":   toolCount,
		"total_tokens": totalTokens,
		"provider":     provider,
	})
}
