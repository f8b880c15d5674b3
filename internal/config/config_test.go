package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestration.DefaultMode != "queue" {
		t.Errorf("DefaultMode = %q, want %q", cfg.Orchestration.DefaultMode, "queue")
	}
	if !cfg.SessionStore.Retention.ArchiveFirst {
		t.Error("Retention.ArchiveFirst = false, want default true")
	}
}

func TestLoadOverlaysJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// comments are allowed
		workspaceDir: "/tmp/ws",
		providers: {
			profiles: [{id: "p1", kind: "echo", adapterId: "echo"}],
			defaultSessionProvider: "p1",
		},
		health: {enabled: false},
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkspaceDir != "/tmp/ws" {
		t.Errorf("WorkspaceDir = %q, want %q", cfg.WorkspaceDir, "/tmp/ws")
	}
	if cfg.Health.Enabled {
		t.Error("Health.Enabled = true, want explicit false to override default")
	}
	if cfg.ControlAPI.Port != 18801 {
		t.Errorf("ControlAPI.Port = %d, want default 18801", cfg.ControlAPI.Port)
	}
	if got := len(cfg.Providers.Profiles); got != 1 {
		t.Fatalf("len(Profiles) = %d, want 1", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.WorkspaceDir = "/tmp/ws"
		cfg.Providers.Profiles = []ProviderProfile{
			{ID: "p1", Kind: "echo", AdapterID: "echo"},
			{ID: "p2", Kind: "anthropic", AdapterID: "anthropic", AuthProfileID: "a1"},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty workspace", func(c *Config) { c.WorkspaceDir = "" }, true},
		{"duplicate profile", func(c *Config) {
			c.Providers.Profiles = append(c.Providers.Profiles, ProviderProfile{ID: "p1", AdapterID: "echo"})
		}, true},
		{"unknown default provider", func(c *Config) { c.Providers.DefaultSessionProvider = "nope" }, true},
		{"route to unknown fallback", func(c *Config) {
			c.ProviderRouter.Routes = []ProviderRoute{{ID: "r1", Primary: "p1", Fallbacks: []string{"ghost"}}}
		}, true},
		{"bad lane mode", func(c *Config) { c.Orchestration.DefaultMode = "roundrobin" }, true},
		{"steer alias accepted", func(c *Config) { c.Orchestration.DefaultMode = "steer" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DROST_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("DROST_CONTROL_PORT", "9999")
	cfg := Default()
	cfg.ApplyEnvOverrides()
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("Telegram.Token = %q, want env value", cfg.Channels.Telegram.Token)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("Telegram.Enabled = false, want auto-enable when token present")
	}
	if cfg.ControlAPI.Port != 9999 {
		t.Errorf("ControlAPI.Port = %d, want 9999", cfg.ControlAPI.Port)
	}
}

func TestSessionDirOrDefault(t *testing.T) {
	cfg := Default()
	cfg.WorkspaceDir = "/srv/agent"
	if got, want := cfg.SessionDirOrDefault(), "/srv/agent/.drost/sessions"; got != want {
		t.Errorf("SessionDirOrDefault() = %q, want %q", got, want)
	}
	cfg.SessionDir = "/var/lib/drost/sessions"
	if got, want := cfg.SessionDirOrDefault(), "/var/lib/drost/sessions"; got != want {
		t.Errorf("SessionDirOrDefault() = %q, want %q", got, want)
	}
}
