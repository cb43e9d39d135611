package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nibot-ai/nibot/internal/bus"
)

// HTTPAPIChannel exposes a synchronous request/response API. A POST to
// /v1/messages publishes an inbound envelope with a response waiter key and
// blocks until the agent's reply resolves it or the timeout fires.
type HTTPAPIChannel struct {
	addr    string
	timeout time.Duration
	bus     *bus.MessageBus
	limiter *rate.Limiter

	server *http.Server
}

func NewHTTPAPIChannel(addr string, timeout time.Duration, rps float64, b *bus.MessageBus) *HTTPAPIChannel {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	var lim *rate.Limiter
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return &HTTPAPIChannel{addr: addr, timeout: timeout, bus: b, limiter: lim}
}

func (c *HTTPAPIChannel) Name() string { return "httpapi" }

type apiRequest struct {
	SenderID string `json:"sender_id"`
	ChatID   string `json:"chat_id"`
	Content  string `json:"content"`
	Stream   bool   `json:"stream,omitempty"`
}

type apiResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func (c *HTTPAPIChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", c.handleMessage)

	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.addr, err)
	}
	c.server = &http.Server{Handler: mux}
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http api server failed", "error", err)
		}
	}()
	slog.Info("http api listening", "addr", c.addr)
	return nil
}

func (c *HTTPAPIChannel) handleMessage(w http.ResponseWriter, r *http.Request) {
	if c.limiter != nil && !c.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, apiResponse{Error: "too many requests"})
		return
	}

	var req apiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "invalid JSON body"})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "content is required"})
		return
	}
	if req.ChatID == "" {
		req.ChatID = "api"
	}
	if req.SenderID == "" {
		req.SenderID = "api-client"
	}

	key, respCh := c.bus.CreateResponseWaiter(c.timeout)
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.Name(),
		SenderID: req.SenderID,
		ChatID:   req.ChatID,
		Content:  req.Content,
		Metadata: map[string]string{bus.MetaResponseKey: key},
	})

	select {
	case msg, ok := <-respCh:
		if !ok {
			writeJSON(w, http.StatusGatewayTimeout, apiResponse{Error: "request timed out"})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Content: msg.Content})
	case <-r.Context().Done():
		// Client went away; the waiter times out on its own.
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Send is a no-op: replies reach the API caller through the response waiter,
// not through subscriber dispatch. Envelopes without a waiter (subagent
// announcements, stream chunks) have no HTTP client to deliver to.
func (c *HTTPAPIChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return nil
}

func (c *HTTPAPIChannel) Stop() error {
	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}
