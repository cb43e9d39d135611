package config

import (
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
)

// Validate checks the whole tree and returns every problem found, not just
// the first, so an operator can fix a config file in one pass.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for name, p := range c.Providers {
		switch p.Kind {
		case "openai", "anthropic":
		case "":
			add("providers.%s: kind is required (openai or anthropic)", name)
		default:
			add("providers.%s: unknown kind %q", name, p.Kind)
		}
		if p.RPMLimit < 0 {
			add("providers.%s: rpm_limit must not be negative", name)
		}
		if p.TPMLimit < 0 {
			add("providers.%s: tpm_limit must not be negative", name)
		}
	}

	for _, name := range c.Agent.FallbackChain {
		if _, ok := c.Providers[name]; !ok {
			add("agent.fallback_chain: provider %q is not defined", name)
		}
	}
	if c.Agent.MaxToolIterations < 1 {
		add("agent.max_tool_iterations must be at least 1")
	}
	if c.Agent.ContextReserve >= c.Agent.ContextWindow {
		add("agent.context_reserve (%d) must be smaller than context_window (%d)",
			c.Agent.ContextReserve, c.Agent.ContextWindow)
	}

	if c.RateLimit.UserRPM < 0 {
		add("rate_limit.user_rpm must not be negative")
	}
	if c.RateLimit.ChannelRPM < 0 {
		add("rate_limit.channel_rpm must not be negative")
	}
	if c.Bus.QueueSize < 0 {
		add("bus.queue_size must not be negative")
	}
	if c.Sessions.MaxCached < 0 {
		add("sessions.max_cached must not be negative")
	}

	g := gronx.New()
	for i, job := range c.Scheduler.Jobs {
		if !g.IsValid(job.CronExpr) {
			add("scheduler.jobs[%d] (%s): invalid cron expression %q", i, job.Name, job.CronExpr)
		}
		if job.Channel == "" || job.ChatID == "" {
			add("scheduler.jobs[%d] (%s): channel and chat_id are required", i, job.Name)
		}
	}

	for name, t := range c.Subagents.Types {
		if t.Provider != "" {
			if _, ok := c.Providers[t.Provider]; !ok {
				add("subagents.types.%s: provider %q is not defined", name, t.Provider)
			}
		}
		for _, p := range t.FallbackChain {
			if _, ok := c.Providers[p]; !ok {
				add("subagents.types.%s: fallback provider %q is not defined", name, p)
			}
		}
		switch t.WorkspaceMode {
		case "", "shared", "worktree":
		default:
			add("subagents.types.%s: unknown workspace_mode %q", name, t.WorkspaceMode)
		}
		if t.TimeoutSeconds < 0 {
			add("subagents.types.%s: timeout_seconds must not be negative", name)
		}
	}

	if c.Channels.HTTPAPI.Enabled && c.Channels.HTTPAPI.Addr == "" {
		add("channels.httpapi.addr is required when the HTTP API is enabled")
	}
	if c.Channels.FileWatch.Enabled && c.Channels.FileWatch.WatchDir == "" {
		add("channels.filewatch.watch_dir is required when the file watcher is enabled")
	}
	if c.Gateway.Enabled && c.Gateway.Addr == "" {
		add("gateway.addr is required when the gateway is enabled")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
}
