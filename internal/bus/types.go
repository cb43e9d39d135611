package bus

import "time"

// InboundMessage is the envelope a channel publishes toward the agent loop.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// OutboundMessage is the envelope the agent loop publishes back to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionKey returns the composite conversation key for this message.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// Meta returns a metadata value, tolerating a nil map.
func (m InboundMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// Reserved metadata keys carried on envelopes.
const (
	MetaResponseKey   = "response_key"   // ties an outbound reply to a waiting synchronous request
	MetaStreamID      = "stream_id"      // progress/streaming correlation id
	MetaStreaming     = "streaming"      // "true" on interim stream chunks
	MetaStreamSeq     = "stream_seq"     // monotonic chunk index within one stream_id
	MetaStreamDone    = "stream_done"    // "true" on the last chunk of a streaming response
	MetaHasToolCalls  = "has_tool_calls" // on stream_done: another round follows
	MetaProgress      = "progress"       // "thinking" | "tool_start" | "tool_done"
	MetaToolName      = "tool_name"      // for tool_start/tool_done
	MetaIteration     = "iteration"
	MetaMaxIterations = "max_iterations"
	MetaElapsed       = "elapsed" // seconds since tool start
	MetaScheduled     = "scheduled"
	MetaJobID         = "job_id"
	MetaSourceFile    = "source_file"
	MetaTaskType      = "task_type"
	MetaSecret        = "secret"
)
