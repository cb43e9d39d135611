// Package config loads the gateway configuration: JSON5 on disk, defaults
// for everything, and a NIBOT_* environment overlay for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Config is the full gateway configuration tree.
type Config struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"log_level"`

	Agent     AgentConfig               `json:"agent"`
	Providers map[string]ProviderConfig `json:"providers"`
	Bus       BusConfig                 `json:"bus"`
	Sessions  SessionsConfig            `json:"sessions"`
	RateLimit RateLimitConfig           `json:"rate_limit"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Events    EventsConfig              `json:"events"`
	Subagents SubagentsConfig           `json:"subagents"`
	Tools     ToolsConfig               `json:"tools"`
	Channels  ChannelsConfig            `json:"channels"`
	Gateway   GatewayConfig             `json:"gateway"`
}

// AgentConfig tunes the main loop.
type AgentConfig struct {
	SystemPrompt      string   `json:"system_prompt"`
	Model             string   `json:"model"`
	FallbackChain     []string `json:"fallback_chain"`
	MaxToolIterations int      `json:"max_tool_iterations"`
	ContextWindow     int      `json:"context_window"`
	ContextReserve    int      `json:"context_reserve"`
}

// ProviderConfig describes one named LLM provider.
type ProviderConfig struct {
	Kind     string `json:"kind"` // "openai" or "anthropic"
	APIKey   string `json:"api_key"`
	APIBase  string `json:"api_base"`
	Model    string `json:"model"`
	RPMLimit int    `json:"rpm_limit"`
	TPMLimit int    `json:"tpm_limit"`
}

type BusConfig struct {
	QueueSize int `json:"queue_size"`
}

type SessionsConfig struct {
	Dir       string `json:"dir"`
	MaxCached int    `json:"max_cached"`
}

type RateLimitConfig struct {
	UserRPM    int `json:"user_rpm"`
	ChannelRPM int `json:"channel_rpm"`
}

// SchedulerJob seeds the job store from configuration at startup.
type SchedulerJob struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	Message  string `json:"message"`
	Channel  string `json:"channel"`
	ChatID   string `json:"chat_id"`
}

type SchedulerConfig struct {
	Enabled  bool           `json:"enabled"`
	JobsPath string         `json:"jobs_path"`
	Jobs     []SchedulerJob `json:"jobs"`
}

type EventsConfig struct {
	Enabled  bool   `json:"enabled"`
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes"`
}

// SubagentType mirrors one named background agent profile.
type SubagentType struct {
	Tools          []string `json:"tools"`
	Model          string   `json:"model"`
	Provider       string   `json:"provider"`
	FallbackChain  []string `json:"fallback_chain"`
	WorkspaceMode  string   `json:"workspace_mode"`
	SystemPrompt   string   `json:"system_prompt"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

type SubagentsConfig struct {
	MaxCompleted  int                     `json:"max_completed"`
	MaxIterations int                     `json:"max_iterations"`
	Types         map[string]SubagentType `json:"types"`
}

type ToolsConfig struct {
	RestrictToWorkspace bool     `json:"restrict_to_workspace"`
	EnableShell         bool     `json:"enable_shell"`
	EnableWebFetch      bool     `json:"enable_web_fetch"`
	Deny                []string `json:"deny"`
}

type FileWatchConfig struct {
	Enabled  bool   `json:"enabled"`
	WatchDir string `json:"watch_dir"`
}

type HTTPAPIConfig struct {
	Enabled        bool    `json:"enabled"`
	Addr           string  `json:"addr"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

type ChannelsConfig struct {
	FileWatch FileWatchConfig `json:"filewatch"`
	HTTPAPI   HTTPAPIConfig   `json:"httpapi"`
}

type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default returns the configuration used when a field is absent from the
// config file.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".nibot")
	return &Config{
		Workspace: filepath.Join(base, "workspace"),
		LogLevel:  "info",
		Agent: AgentConfig{
			SystemPrompt:      "You are NiBot, a helpful assistant with access to tools.",
			MaxToolIterations: 20,
			ContextWindow:     200000,
			ContextReserve:    20000,
		},
		Providers: map[string]ProviderConfig{},
		Bus:       BusConfig{QueueSize: 1024},
		Sessions: SessionsConfig{
			Dir:       filepath.Join(base, "sessions"),
			MaxCached: 200,
		},
		RateLimit: RateLimitConfig{UserRPM: 30, ChannelRPM: 120},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			JobsPath: filepath.Join(base, "jobs.json"),
		},
		Events: EventsConfig{
			Enabled:  true,
			Path:     filepath.Join(base, "events.jsonl"),
			MaxBytes: 64 * 1024 * 1024,
		},
		Subagents: SubagentsConfig{
			MaxCompleted:  100,
			MaxIterations: 20,
			Types:         map[string]SubagentType{},
		},
		Tools: ToolsConfig{
			RestrictToWorkspace: true,
			EnableShell:         true,
			EnableWebFetch:      true,
		},
		Channels: ChannelsConfig{
			FileWatch: FileWatchConfig{WatchDir: filepath.Join(base, "inbox")},
			HTTPAPI: HTTPAPIConfig{
				Addr:           "127.0.0.1:8088",
				TimeoutSeconds: 120,
				RequestsPerSec: 10,
			},
		},
		Gateway: GatewayConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads path as JSON5 over the defaults, then applies the environment
// overlay. A missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays NIBOT_* variables so secrets can stay out of the config
// file. Provider keys use NIBOT_<NAME>_API_KEY with the name uppercased.
func (c *Config) applyEnv() {
	if v := os.Getenv("NIBOT_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("NIBOT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NIBOT_SESSIONS_DIR"); v != "" {
		c.Sessions.Dir = v
	}
	if v := os.Getenv("NIBOT_HTTP_ADDR"); v != "" {
		c.Channels.HTTPAPI.Addr = v
	}
	if v := os.Getenv("NIBOT_GATEWAY_ADDR"); v != "" {
		c.Gateway.Addr = v
	}
	for name, p := range c.Providers {
		env := "NIBOT_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(env); v != "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
}

// DefaultPath is where the gateway looks for its config when --config is not
// given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nibot", "config.json5")
}
