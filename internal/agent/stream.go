package agent

import (
	"strconv"
	"strings"

	"github.com/nibot-ai/nibot/internal/bus"
	"github.com/nibot-ai/nibot/internal/providers"
)

// Interim chunks are flushed once at least this much text has accumulated,
// batching token deltas into readable pieces.
const streamFlushThreshold = 30

// streamFlusher turns provider token deltas into interim outbound envelopes
// tagged with the caller's stream id and a monotonic sequence number. Every
// envelope carries the cumulative text so far, so edit-in-place channels can
// replace their message with each chunk.
type streamFlusher struct {
	bus      *bus.MessageBus
	channel  string
	chatID   string
	streamID string

	seq     int
	buf     strings.Builder // full text accumulated for this stream
	flushed int             // buf length at the last flush
}

func newStreamFlusher(b *bus.MessageBus, msg bus.InboundMessage, streamID string) *streamFlusher {
	return &streamFlusher{
		bus:      b,
		channel:  msg.Channel,
		chatID:   msg.ChatID,
		streamID: streamID,
	}
}

func (f *streamFlusher) onChunk(chunk providers.StreamChunk) {
	if chunk.Content != "" {
		f.buf.WriteString(chunk.Content)
	}
	if f.buf.Len()-f.flushed >= streamFlushThreshold {
		f.flush(nil)
	}
}

// finish flushes any remainder and emits the terminal chunk. hasToolCalls
// tells the consumer another LLM round (and stream) follows for this turn.
func (f *streamFlusher) finish(hasToolCalls bool) {
	meta := map[string]string{
		bus.MetaStreamDone: "true",
	}
	if hasToolCalls {
		meta[bus.MetaHasToolCalls] = "true"
	}
	f.flush(meta)
}

func (f *streamFlusher) flush(extra map[string]string) {
	content := f.buf.String()
	if extra == nil && (content == "" || f.buf.Len() == f.flushed) {
		return
	}
	f.flushed = f.buf.Len()

	meta := map[string]string{
		bus.MetaStreaming: "true",
		bus.MetaStreamID:  f.streamID,
		bus.MetaStreamSeq: strconv.Itoa(f.seq),
	}
	for k, v := range extra {
		meta[k] = v
	}
	f.seq++

	f.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  f.channel,
		ChatID:   f.chatID,
		Content:  content,
		Metadata: meta,
	})
}
