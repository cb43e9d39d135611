package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nibot-ai/nibot/internal/events"
)

// Spec holds the construction parameters for one named provider.
type Spec struct {
	Kind     string // "openai" (default) or "anthropic"
	APIKey   string
	APIBase  string
	Model    string
	RPMLimit int // 0 = unlimited
	TPMLimit int
}

// Pool multiplexes LLM calls across named providers with lazy instantiation,
// ordered failover and quota-aware skipping.
type Pool struct {
	mu          sync.Mutex
	def         Provider
	defQuota    *Quota
	specs       map[string]Spec
	cache       map[string]Provider
	quotas      map[string]*Quota
	eventLog    *events.Log
	defaultName string
}

// NewPool creates a provider pool. def is the provider used when a chain
// entry is empty or unknown.
func NewPool(def Provider, specs map[string]Spec, eventLog *events.Log) *Pool {
	p := &Pool{
		def:         def,
		specs:       specs,
		cache:       make(map[string]Provider),
		quotas:      make(map[string]*Quota),
		eventLog:    eventLog,
		defaultName: def.Name(),
	}
	p.defQuota = p.QuotaFor(def.Name())
	return p
}

// Default returns the pool's default provider.
func (p *Pool) Default() Provider { return p.def }

// Names lists the default provider plus every configured name, sorted.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := []string{p.defaultName}
	for name := range p.specs {
		if name != p.defaultName {
			names = append(names, name)
		}
	}
	sort.Strings(names[1:])
	return names
}

// ProviderStatus is one provider's availability snapshot.
type ProviderStatus struct {
	Available bool
	RPMLimit  int
}

// Statuses reports quota availability and the configured rpm limit for every
// known provider.
func (p *Pool) Statuses() map[string]ProviderStatus {
	out := make(map[string]ProviderStatus)
	for _, name := range p.Names() {
		ok, _ := p.QuotaFor(name).Available()
		p.mu.Lock()
		rpm := p.specs[name].RPMLimit
		p.mu.Unlock()
		out[name] = ProviderStatus{Available: ok, RPMLimit: rpm}
	}
	return out
}

// Get resolves a provider by name. Empty or unknown names resolve to the
// default; configured names are constructed on first use and cached.
func (p *Pool) Get(name string) Provider {
	if name == "" || name == p.defaultName {
		return p.def
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prov, ok := p.cache[name]; ok {
		return prov
	}

	spec, ok := p.specs[name]
	if !ok || (spec.APIKey == "" && spec.APIBase == "") {
		return p.def
	}

	var prov Provider
	if spec.Kind == "anthropic" {
		prov = NewAnthropicProvider(spec.APIKey, WithAnthropicModel(spec.Model), WithAnthropicBaseURL(spec.APIBase))
	} else {
		prov = NewOpenAIProvider(name, spec.APIKey, spec.APIBase, spec.Model)
	}
	p.cache[name] = prov
	return prov
}

// QuotaFor returns the quota tracker for a named provider, creating it with
// the configured rpm/tpm limits on first use.
func (p *Pool) QuotaFor(name string) *Quota {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.quotas[name]; ok {
		return q
	}
	spec := p.specs[name]
	q := NewQuota(spec.RPMLimit, spec.TPMLimit)
	p.quotas[name] = q
	return q
}

// call runs one provider round with instrumentation and quota accounting.
func (p *Pool) call(ctx context.Context, name string, prov Provider, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	start := time.Now()

	var resp *ChatResponse
	var err error
	if onChunk != nil {
		resp, err = prov.ChatStream(ctx, req, onChunk)
	} else {
		resp, err = prov.Chat(ctx, req)
	}
	latency := int(time.Since(start).Milliseconds())

	quota := p.QuotaFor(name)
	model := req.Model
	if model == "" {
		model = prov.DefaultModel()
	}

	if err != nil {
		p.eventLog.LLMCall(name, model, 0, 0, latency, false, err.Error())
		if IsRateLimitError(err) {
			quota.MarkExhausted(RetryAfterSeconds(err, defaultExhaustSecs))
		}
		return nil, err
	}

	tokens := 0
	inTok, outTok := 0, 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
		inTok = resp.Usage.PromptTokens
		outTok = resp.Usage.CompletionTokens
	}
	quota.RecordUsage(tokens)
	quota.UpdateFromHeaders(resp.RateLimit)

	success := resp.FinishReason != "error"
	errMsg := ""
	if !success {
		errMsg = resp.Content
	}
	p.eventLog.LLMCall(name, model, inTok, outTok, latency, success, errMsg)
	return resp, nil
}

// Chat calls a single named provider (no failover) with instrumentation.
func (p *Pool) Chat(ctx context.Context, name string, req ChatRequest) (*ChatResponse, error) {
	if name == "" {
		name = p.defaultName
	}
	return p.call(ctx, name, p.Get(name), req, nil)
}

// ChatStream calls a single named provider in streaming mode.
func (p *Pool) ChatStream(ctx context.Context, name string, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if name == "" {
		name = p.defaultName
	}
	return p.call(ctx, name, p.Get(name), req, onChunk)
}

// ChatWithFallback walks the chain in order, skipping providers whose quota
// blocks, and returns the first non-error response together with the name of
// the provider that produced it. When every candidate fails, the returned
// response has finish_reason=error and concatenates the failure reasons.
func (p *Pool) ChatWithFallback(ctx context.Context, req ChatRequest, chain []string) (*ChatResponse, string) {
	return p.chatWithFallback(ctx, req, chain, nil)
}

// ChatStreamWithFallback is ChatWithFallback with streaming on the selected
// provider.
func (p *Pool) ChatStreamWithFallback(ctx context.Context, req ChatRequest, chain []string, onChunk func(StreamChunk)) (*ChatResponse, string) {
	return p.chatWithFallback(ctx, req, chain, onChunk)
}

func (p *Pool) chatWithFallback(ctx context.Context, req ChatRequest, chain []string, onChunk func(StreamChunk)) (*ChatResponse, string) {
	var candidates []string
	var skipped []string
	var reasons []string

	for _, name := range chain {
		if name == "" {
			name = p.defaultName
		}
		if ok, reason := p.QuotaFor(name).Available(); !ok {
			skipped = append(skipped, name)
			reasons = append(reasons, fmt.Sprintf("%s: %s", name, reason))
			slog.Debug("provider skipped by quota", "provider", name, "reason", reason)
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		candidates = []string{p.defaultName}
	}

	for _, name := range candidates {
		resp, err := p.call(ctx, name, p.Get(name), req, onChunk)
		if err == nil && resp.FinishReason != "error" {
			if len(skipped) > 0 {
				p.eventLog.ProviderSwitch(chain, name, skipped, strings.Join(reasons, "; "))
				slog.Info("provider failover", "selected", name, "skipped", skipped)
			}
			return resp, name
		}

		reason := ""
		if err != nil {
			reason = err.Error()
		} else {
			reason = resp.Content
		}
		skipped = append(skipped, name)
		reasons = append(reasons, fmt.Sprintf("%s: %s", name, reason))
		slog.Warn("provider call failed, trying next", "provider", name, "error", reason)
	}

	return ErrorResponse("all providers failed: " + strings.Join(reasons, "; ")), ""
}
