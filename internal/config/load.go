package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		WorkspaceDir: "~/.drost/workspace",
		Providers: ProvidersConfig{
			StartupProbe: StartupProbe{Enabled: true, TimeoutMs: 5000},
		},
		SessionStore: SessionStoreConfig{
			Lock:      LockConfig{TimeoutMs: 5000, StaleMs: 30000},
			History:   HistoryPolicy{MaxMessages: 200, MaxCharacters: 400000},
			Retention: RetentionPolicy{ArchiveFirst: true, SweepIntervalMs: 600000},
		},
		Orchestration: OrchestrationConfig{
			Enabled:           true,
			DefaultMode:       "queue",
			Cap:               8,
			DropPolicy:        "old",
			CollectDebounceMs: 250,
		},
		Shell: ShellConfig{TimeoutMs: 60000, MaxBufferBytes: 1 << 20},
		Web: WebConfig{
			Fetch:  WebFetchConfig{MaxBytes: 512 * 1024},
			Search: WebSearchConfig{MaxResults: 5},
		},
		Health: HealthConfig{Enabled: true, Host: "127.0.0.1", Port: 18800, Path: "/health"},
		ControlAPI: ControlAPIConfig{
			Enabled:                      true,
			Host:                         "127.0.0.1",
			Port:                         18801,
			AllowLoopbackUnauthenticated: true,
			MutationRateLimitPerMin:      30,
		},
		Observability: ObservabilityConfig{
			JSONL: JSONLSinkConfig{Enabled: true},
			OTLP:  OTLPConfig{Protocol: "grpc", ServiceName: "drost"},
		},
		RestartPolicy: RestartPolicyConfig{
			Budget: RestartBudget{MaxRestarts: 5, WindowMs: 600000, Intents: []string{"self_mod"}},
		},
		Runtime: RuntimeConfig{MaxTurnDurationMs: 600000},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{EditThrottleMs: 1500},
		},
	}
}

// Load reads a JSON5 config file over the defaults. A missing file yields
// the defaults. Env overrides are NOT applied here; callers that own the
// process environment call ApplyEnvOverrides separately.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays DROST_* environment variables onto the config.
// Env vars take precedence over file values. Called only from the CLI; the
// gateway core never touches the environment.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("DROST_WORKSPACE", &c.WorkspaceDir)
	envStr("DROST_SESSION_DIR", &c.SessionDir)
	envStr("DROST_TOOL_DIRECTORY", &c.ToolDirectory)
	envStr("DROST_AUTH_STORE", &c.AuthStorePath)
	envStr("DROST_CONTROL_TOKEN", &c.ControlAPI.AuthToken)
	envStr("DROST_CONTROL_READONLY_TOKEN", &c.ControlAPI.ReadOnlyToken)
	envStr("DROST_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("DROST_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("DROST_DEFAULT_PROVIDER", &c.Providers.DefaultSessionProvider)
	envStr("DROST_OTLP_ENDPOINT", &c.Observability.OTLP.Endpoint)
	envStr("DROST_OTLP_PROTOCOL", &c.Observability.OTLP.Protocol)

	if v := os.Getenv("DROST_HEALTH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Health.Port = port
		}
	}
	if v := os.Getenv("DROST_CONTROL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.ControlAPI.Port = port
		}
	}
	if v := os.Getenv("DROST_OTLP_ENABLED"); v != "" {
		c.Observability.OTLP.Enabled = v == "true" || v == "1"
	}

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// Save writes the config as indented JSON (valid JSON5).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
