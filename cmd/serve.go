package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nibot-ai/nibot/internal/agent"
	"github.com/nibot-ai/nibot/internal/bus"
	"github.com/nibot-ai/nibot/internal/channels"
	"github.com/nibot-ai/nibot/internal/config"
	"github.com/nibot-ai/nibot/internal/events"
	"github.com/nibot-ai/nibot/internal/gateway"
	"github.com/nibot-ai/nibot/internal/providers"
	"github.com/nibot-ai/nibot/internal/ratelimit"
	"github.com/nibot-ai/nibot/internal/scheduler"
	"github.com/nibot-ai/nibot/internal/sessions"
	"github.com/nibot-ai/nibot/internal/subagent"
	"github.com/nibot-ai/nibot/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

const subagentDrainTimeout = 30 * time.Second

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers configured; add at least one to the providers block")
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	var eventLog *events.Log
	if cfg.Events.Enabled {
		eventLog = events.Open(cfg.Events.Path, cfg.Events.MaxBytes)
	}

	b := bus.New(cfg.Bus.QueueSize)

	defName, def, specs := buildProviders(cfg)
	pool := providers.NewPool(def, specs, eventLog)
	slog.Info("providers configured", "default", defName, "chain", cfg.Agent.FallbackChain)

	store, err := sessions.NewStore(cfg.Sessions.Dir, cfg.Sessions.MaxCached)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.RateLimit.UserRPM, cfg.RateLimit.ChannelRPM)

	registry := buildRegistry(cfg, b, eventLog)
	manager := subagent.NewManager(pool, registry, b, eventLog, subagent.Options{
		Workspace:     cfg.Workspace,
		MaxIterations: cfg.Subagents.MaxIterations,
		MaxCompleted:  cfg.Subagents.MaxCompleted,
		AgentTypes:    subagentTypes(cfg),
	})
	if !slices.Contains(cfg.Tools.Deny, "spawn") {
		registry.Register(subagent.NewSpawnTool(manager))
	}

	loop := agent.NewLoop(b, pool, store, registry, limiter, eventLog, agent.Options{
		SystemPrompt:      cfg.Agent.SystemPrompt,
		Model:             cfg.Agent.Model,
		FallbackChain:     cfg.Agent.FallbackChain,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		ContextWindow:     cfg.Agent.ContextWindow,
		ContextReserve:    cfg.Agent.ContextReserve,
	})

	sched, err := scheduler.New(cfg.Scheduler.JobsPath, b)
	if err != nil {
		return err
	}
	seedJobs(sched, cfg.Scheduler.Jobs)

	chanMgr := channels.NewManager(b)
	if cfg.Channels.FileWatch.Enabled {
		chanMgr.Register(channels.NewFileWatchChannel(cfg.Channels.FileWatch.WatchDir, b))
	}
	if cfg.Channels.HTTPAPI.Enabled {
		chanMgr.Register(channels.NewHTTPAPIChannel(
			cfg.Channels.HTTPAPI.Addr,
			time.Duration(cfg.Channels.HTTPAPI.TimeoutSeconds)*time.Second,
			cfg.Channels.HTTPAPI.RequestsPerSec,
			b,
		))
	}

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.NewServer(cfg.Gateway.Addr, func() gateway.Status {
			provs := make(map[string]gateway.ProviderStatus)
			for name, ps := range pool.Statuses() {
				provs[name] = gateway.ProviderStatus{Available: ps.Available, RPMLimit: ps.RPMLimit}
			}
			return gateway.Status{
				Model:          cfg.Agent.Model,
				Channels:       chanMgr.Names(),
				ActiveSessions: store.CachedCount(),
				ActiveTasks:    manager.RunningCount(),
				SchedulerJobs:  sched.Count(),
				Providers:      provs,
			}
		})
		b.SubscribeOutbound("*", gw.Broadcast)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go b.DispatchOutbound(ctx)
	go loop.Run(ctx)
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
	}
	if err := chanMgr.StartAll(ctx); err != nil {
		return err
	}
	if gw != nil {
		if err := gw.Start(ctx); err != nil {
			return err
		}
	}

	slog.Info("nibot running", "version", Version, "workspace", cfg.Workspace)
	<-ctx.Done()
	slog.Info("shutting down")

	// Stop intake first, then drain workers, then flush state.
	if gw != nil {
		_ = gw.Stop()
	}
	chanMgr.StopAll()
	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	loop.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), subagentDrainTimeout)
	manager.Stop(drainCtx)
	cancel()

	b.Stop()
	store.Flush()
	eventLog.Close()
	slog.Info("shutdown complete")
	return nil
}

// buildProviders constructs the default provider and the spec map for the
// pool. The default is the first fallback chain entry, or the alphabetically
// first provider when no chain is configured.
func buildProviders(cfg *config.Config) (string, providers.Provider, map[string]providers.Spec) {
	specs := make(map[string]providers.Spec, len(cfg.Providers))
	for name, p := range cfg.Providers {
		specs[name] = providers.Spec{
			Kind:     p.Kind,
			APIKey:   p.APIKey,
			APIBase:  p.APIBase,
			Model:    p.Model,
			RPMLimit: p.RPMLimit,
			TPMLimit: p.TPMLimit,
		}
	}

	defName := ""
	if len(cfg.Agent.FallbackChain) > 0 {
		defName = cfg.Agent.FallbackChain[0]
	} else {
		names := make([]string, 0, len(cfg.Providers))
		for name := range cfg.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		defName = names[0]
	}

	spec := cfg.Providers[defName]
	var def providers.Provider
	if spec.Kind == "anthropic" {
		def = providers.NewAnthropicProvider(spec.APIKey,
			providers.WithAnthropicModel(spec.Model),
			providers.WithAnthropicBaseURL(spec.APIBase))
	} else {
		def = providers.NewOpenAIProvider(defName, spec.APIKey, spec.APIBase, spec.Model)
	}
	return defName, def, specs
}

// buildRegistry registers the tool surface allowed by configuration.
func buildRegistry(cfg *config.Config, b *bus.MessageBus, eventLog *events.Log) *tools.Registry {
	denied := func(name string) bool { return slices.Contains(cfg.Tools.Deny, name) }

	reg := tools.NewRegistry(eventLog)
	restrict := cfg.Tools.RestrictToWorkspace
	for _, t := range []tools.Tool{
		tools.NewReadFileTool(cfg.Workspace, restrict),
		tools.NewWriteFileTool(cfg.Workspace, restrict),
		tools.NewListDirTool(cfg.Workspace, restrict),
	} {
		if !denied(t.Name()) {
			reg.Register(t)
		}
	}
	if cfg.Tools.EnableShell && !denied("exec") {
		reg.Register(tools.NewShellTool(cfg.Workspace))
	}
	if cfg.Tools.EnableWebFetch && !denied("web_fetch") {
		reg.Register(tools.NewWebFetchTool())
	}
	if !denied("message") {
		reg.Register(tools.NewMessageTool(b))
	}
	return reg
}

func subagentTypes(cfg *config.Config) map[string]subagent.AgentConfig {
	out := make(map[string]subagent.AgentConfig, len(cfg.Subagents.Types))
	for name, t := range cfg.Subagents.Types {
		out[name] = subagent.AgentConfig{
			Tools:          t.Tools,
			Model:          t.Model,
			Provider:       t.Provider,
			FallbackChain:  t.FallbackChain,
			WorkspaceMode:  t.WorkspaceMode,
			SystemPrompt:   t.SystemPrompt,
			TimeoutSeconds: t.TimeoutSeconds,
		}
	}
	return out
}

// seedJobs adds config-declared jobs missing from the job store, matched by
// name so restarts do not duplicate them.
func seedJobs(sched *scheduler.Scheduler, jobs []config.SchedulerJob) {
	existing := make(map[string]bool)
	for _, j := range sched.Jobs() {
		existing[j.Name] = true
	}
	for _, j := range jobs {
		if existing[j.Name] {
			continue
		}
		if _, err := sched.Add(scheduler.Job{
			Name:     j.Name,
			CronExpr: j.CronExpr,
			Message:  j.Message,
			Channel:  j.Channel,
			ChatID:   j.ChatID,
			Enabled:  true,
		}); err != nil {
			slog.Warn("seeding scheduled job failed", "name", j.Name, "error", err)
		}
	}
}
