package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nibot-ai/nibot/internal/bus"
)

// echoAgent simulates the agent loop: consume inbound, reply through the bus
// preserving the response key.
func echoAgent(ctx context.Context, b *bus.MessageBus, reply string) {
	for {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			return
		}
		b.PublishOutbound(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  reply,
			Metadata: map[string]string{bus.MetaResponseKey: msg.Metadata[bus.MetaResponseKey]},
		})
	}
}

func TestHandleMessageRoundTrip(t *testing.T) {
	b := bus.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)
	go echoAgent(ctx, b, "agent says hi")

	ch := NewHTTPAPIChannel("127.0.0.1:0", 2*time.Second, 0, b)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"sender_id":"alice","chat_id":"c1","content":"hello"}`))
	w := httptest.NewRecorder()
	ch.handleMessage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "agent says hi" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestHandleMessageValidation(t *testing.T) {
	b := bus.New(16)
	ch := NewHTTPAPIChannel("127.0.0.1:0", time.Second, 0, b)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", "{nope", http.StatusBadRequest},
		{"missing content", `{"chat_id":"c"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			ch.handleMessage(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandleMessageTimeout(t *testing.T) {
	b := bus.New(16)
	// No agent: the waiter must expire.
	ch := NewHTTPAPIChannel("127.0.0.1:0", 50*time.Millisecond, 0, b)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"content":"anyone home"}`))
	w := httptest.NewRecorder()
	ch.handleMessage(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
}

func TestHandleMessagePacing(t *testing.T) {
	b := bus.New(16)
	// 1 request budget, immediately exhausted by the burst of two.
	ch := NewHTTPAPIChannel("127.0.0.1:0", 50*time.Millisecond, 0.001, b)

	hit := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages",
			strings.NewReader(`{"content":"x"}`))
		w := httptest.NewRecorder()
		ch.handleMessage(w, req)
		return w.Code
	}

	hit()
	if code := hit(); code != http.StatusTooManyRequests {
		t.Errorf("second burst request = %d, want 429", code)
	}
}
