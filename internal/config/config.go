// Package config holds the gateway configuration object. The gateway core
// never reads environment variables; the CLI loads a file, applies env
// overrides, and injects the resulting Config.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the drost gateway.
type Config struct {
	WorkspaceDir  string `json:"workspaceDir"`
	SessionDir    string `json:"sessionDir,omitempty"`
	ToolDirectory string `json:"toolDirectory,omitempty"`
	AuthStorePath string `json:"authStorePath,omitempty"`

	Agent          AgentConfig                `json:"agent"`
	Providers      ProvidersConfig            `json:"providers"`
	ProviderRouter RouterConfig               `json:"providerRouter,omitempty"`
	Failover       FailoverConfig             `json:"failover,omitempty"`
	SessionStore   SessionStoreConfig         `json:"sessionStore"`
	Orchestration  OrchestrationConfig        `json:"orchestration"`
	BuiltInTools   BuiltInToolsConfig         `json:"builtInTools,omitempty"`
	ToolPolicy     ToolPolicyConfig           `json:"toolPolicy,omitempty"`
	Shell          ShellConfig                `json:"shell"`
	Web            WebConfig                  `json:"web"`
	Health         HealthConfig               `json:"health"`
	ControlAPI     ControlAPIConfig           `json:"controlApi"`
	Observability  ObservabilityConfig        `json:"observability"`
	RestartPolicy  RestartPolicyConfig        `json:"restartPolicy"`
	Evolution      EvolutionConfig            `json:"evolution,omitempty"`
	Runtime        RuntimeConfig              `json:"runtime,omitempty"`
	Channels       ChannelsConfig             `json:"channels,omitempty"`
	MCPServers     map[string]MCPServerConfig `json:"mcpServers,omitempty"`

	// Hooks are provided by the embedding process, never from the file.
	Hooks Hooks `json:"-"`
}

// Hooks are host-provided lifecycle callbacks.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

// AgentConfig describes the agent definition loaded at startup.
type AgentConfig struct {
	ID           string   `json:"id,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	ContextFiles []string `json:"contextFiles,omitempty"`
}

// ProviderProfile identifies one configured provider back-end. Immutable for
// the life of a supervisor generation.
type ProviderProfile struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	AdapterID     string `json:"adapterId"`
	Model         string `json:"model,omitempty"`
	BaseURL       string `json:"baseUrl,omitempty"`
	AuthProfileID string `json:"authProfileId,omitempty"`
}

// ProvidersConfig lists profiles and the default session provider.
type ProvidersConfig struct {
	Profiles               []ProviderProfile `json:"profiles"`
	DefaultSessionProvider string            `json:"defaultSessionProvider,omitempty"`
	StartupProbe           StartupProbe      `json:"startupProbe"`
}

// StartupProbe controls the concurrent provider probes run at Start.
type StartupProbe struct {
	Enabled   bool `json:"enabled"`
	TimeoutMs int  `json:"timeoutMs,omitempty"`
}

// ProviderRoute names a primary provider and ordered fallbacks.
type ProviderRoute struct {
	ID        string   `json:"id"`
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// RouterConfig holds the failover routes.
type RouterConfig struct {
	Routes []ProviderRoute `json:"routes,omitempty"`
}

// FailoverConfig toggles route-based failover on transport-class errors.
type FailoverConfig struct {
	Enabled bool `json:"enabled"`
}

// SessionStoreConfig tunes durability, locking, trimming and retention.
type SessionStoreConfig struct {
	Lock      LockConfig      `json:"lock"`
	History   HistoryPolicy   `json:"history"`
	Retention RetentionPolicy `json:"retention"`
}

// LockConfig tunes the per-session advisory file lock.
type LockConfig struct {
	TimeoutMs int `json:"timeoutMs,omitempty"`
	StaleMs   int `json:"staleMs,omitempty"`
}

// HistoryPolicy caps persisted history. Zero means unlimited.
type HistoryPolicy struct {
	MaxMessages   int `json:"maxMessages,omitempty"`
	MaxCharacters int `json:"maxCharacters,omitempty"`
}

// RetentionPolicy drives the background sweep. ArchiveFirst archives before
// deleting; SweepSchedule is a cron expression, SweepIntervalMs a fallback.
type RetentionPolicy struct {
	MaxAgeDays         int    `json:"maxAgeDays,omitempty"`
	MaxSessions        int    `json:"maxSessions,omitempty"`
	MaxTotalBytes      int64  `json:"maxTotalBytes,omitempty"`
	ArchiveAfterIdleMs int64  `json:"archiveAfterIdleMs,omitempty"`
	ArchiveFirst       bool   `json:"archiveFirst"`
	SweepSchedule      string `json:"sweepSchedule,omitempty"`
	SweepIntervalMs    int    `json:"sweepIntervalMs,omitempty"`
}

// OrchestrationConfig sets the default lane policy for all sessions.
type OrchestrationConfig struct {
	Enabled           bool   `json:"enabled"`
	DefaultMode       string `json:"defaultMode,omitempty"`
	Cap               int    `json:"cap,omitempty"`
	DropPolicy        string `json:"dropPolicy,omitempty"`
	CollectDebounceMs int    `json:"collectDebounceMs,omitempty"`
}

// BuiltInToolsConfig restricts which built-ins register. Empty = all.
type BuiltInToolsConfig struct {
	Enabled []string `json:"enabled,omitempty"`
}

// ToolPolicyConfig is the command prefix allow/deny list for the shell tool
// plus the workspace-relative roots tools may mutate.
type ToolPolicyConfig struct {
	AllowPrefixes []string `json:"allowPrefixes,omitempty"`
	DenyPrefixes  []string `json:"denyPrefixes,omitempty"`
	MutableRoots  []string `json:"mutableRoots,omitempty"`
}

// ShellConfig bounds shell tool executions.
type ShellConfig struct {
	TimeoutMs      int `json:"timeoutMs,omitempty"`
	MaxBufferBytes int `json:"maxBufferBytes,omitempty"`
}

// WebConfig bounds the web tool.
type WebConfig struct {
	Fetch  WebFetchConfig  `json:"fetch"`
	Search WebSearchConfig `json:"search"`
}

// WebFetchConfig caps fetched bodies.
type WebFetchConfig struct {
	MaxBytes int `json:"maxBytes,omitempty"`
}

// WebSearchConfig points the search tool at an external API.
type WebSearchConfig struct {
	BaseURL       string `json:"baseUrl,omitempty"`
	AuthProfileID string `json:"authProfileId,omitempty"`
	MaxResults    int    `json:"maxResults,omitempty"`
}

// HealthConfig binds the liveness endpoint.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ControlAPIConfig binds the control surface.
type ControlAPIConfig struct {
	Enabled                      bool   `json:"enabled"`
	Host                         string `json:"host,omitempty"`
	Port                         int    `json:"port,omitempty"`
	AuthToken                    string `json:"authToken,omitempty"`
	ReadOnlyToken                string `json:"readOnlyToken,omitempty"`
	AllowLoopbackUnauthenticated bool   `json:"allowLoopbackUnauthenticated,omitempty"`
	MutationRateLimitPerMin      int    `json:"mutationRateLimitPerMin,omitempty"`
}

// ObservabilityConfig controls the JSONL sinks and the optional OTLP export.
type ObservabilityConfig struct {
	JSONL JSONLSinkConfig `json:"jsonl"`
	OTLP  OTLPConfig      `json:"otlp,omitempty"`
}

// JSONLSinkConfig toggles the on-disk observability streams.
type JSONLSinkConfig struct {
	Enabled bool `json:"enabled"`
}

// OTLPConfig configures span export. Protocol is "grpc" or "http".
type OTLPConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// RestartPolicyConfig gates RequestRestart.
type RestartPolicyConfig struct {
	Budget        RestartBudget     `json:"budget,omitempty"`
	Approval      RestartApproval   `json:"approval,omitempty"`
	GitCheckpoint GitCheckpointSpec `json:"gitCheckpoint,omitempty"`
}

// RestartBudget limits restarts of the listed intents inside a window.
type RestartBudget struct {
	MaxRestarts int      `json:"maxRestarts,omitempty"`
	WindowMs    int64    `json:"windowMs,omitempty"`
	Intents     []string `json:"intents,omitempty"`
}

// RestartApproval selects the approval gate mode: "auto" (default), "deny".
type RestartApproval struct {
	Mode string `json:"mode,omitempty"`
}

// GitCheckpointSpec commits the workspace before a restart when enabled.
type GitCheckpointSpec struct {
	Enabled bool `json:"enabled"`
}

// EvolutionConfig toggles self-modification transactions.
type EvolutionConfig struct {
	Enabled bool `json:"enabled"`
}

// RuntimeConfig bounds turn execution.
type RuntimeConfig struct {
	MaxTurnDurationMs int `json:"maxTurnDurationMs,omitempty"`
}

// ChannelsConfig configures the bundled channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// TelegramConfig configures the Telegram poller. Token may come from env or
// be resolved through the auth store by AuthProfileID.
type TelegramConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"-"`
	AuthProfileID string              `json:"authProfileId,omitempty"`
	AllowFrom     FlexibleStringSlice `json:"allowFrom,omitempty"`
	EditThrottleMs int                `json:"editThrottleMs,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"-"`
	AuthProfileID string              `json:"authProfileId,omitempty"`
	AllowFrom     FlexibleStringSlice `json:"allowFrom,omitempty"`
}

// MCPServerConfig declares one MCP server to discover tools from.
type MCPServerConfig struct {
	Transport string            `json:"transport,omitempty"` // stdio | sse | streamable-http
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Allow     []string          `json:"allow,omitempty"`
	Deny      []string          `json:"deny,omitempty"`
}

// DataDir returns the gateway state root under the workspace.
func (c *Config) DataDir() string {
	return filepath.Join(ExpandHome(c.WorkspaceDir), ".drost")
}

// SessionDirOrDefault returns the session directory, defaulting under DataDir.
func (c *Config) SessionDirOrDefault() string {
	if c.SessionDir != "" {
		return ExpandHome(c.SessionDir)
	}
	return filepath.Join(c.DataDir(), "sessions")
}

// ProfileByID looks up a provider profile.
func (c *Config) ProfileByID(id string) (ProviderProfile, bool) {
	for _, p := range c.Providers.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderProfile{}, false
}

// RouteFor returns the route whose primary is providerID, if any.
func (c *Config) RouteFor(providerID string) (ProviderRoute, bool) {
	for _, r := range c.ProviderRouter.Routes {
		if r.Primary == providerID {
			return r, true
		}
	}
	return ProviderRoute{}, false
}

// Validate reports configuration mistakes that would break startup.
func (c *Config) Validate() error {
	if c.WorkspaceDir == "" {
		return fmt.Errorf("workspaceDir is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers.Profiles {
		if p.ID == "" {
			return fmt.Errorf("provider profile with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider profile %q", p.ID)
		}
		seen[p.ID] = true
		if p.AdapterID == "" {
			return fmt.Errorf("provider profile %q: adapterId is required", p.ID)
		}
	}
	if d := c.Providers.DefaultSessionProvider; d != "" && !seen[d] {
		return fmt.Errorf("defaultSessionProvider %q is not a configured profile", d)
	}
	for _, r := range c.ProviderRouter.Routes {
		if !seen[r.Primary] {
			return fmt.Errorf("route %q: primary %q is not a configured profile", r.ID, r.Primary)
		}
		for _, f := range r.Fallbacks {
			if !seen[f] {
				return fmt.Errorf("route %q: fallback %q is not a configured profile", r.ID, f)
			}
		}
	}
	switch c.Orchestration.DefaultMode {
	case "", "queue", "interrupt", "collect", "steer", "steer_backlog":
	default:
		return fmt.Errorf("orchestration.defaultMode %q is not a lane mode", c.Orchestration.DefaultMode)
	}
	switch c.Orchestration.DropPolicy {
	case "", "old", "new", "summarize":
	default:
		return fmt.Errorf("orchestration.dropPolicy %q is not a drop policy", c.Orchestration.DropPolicy)
	}
	return nil
}
