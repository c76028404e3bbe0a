package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestDefaultPaths(t *testing.T) {
	paths := DefaultPaths()

	if paths.ConfigDir != DefaultConfigDir {
		t.Errorf("ConfigDir = %q, want %q", paths.ConfigDir, DefaultConfigDir)
	}
	if paths.ConfigFile != filepath.Join(DefaultConfigDir, ConfigFileName) {
		t.Errorf("ConfigFile = %q", paths.ConfigFile)
	}
	if paths.AuditDir != filepath.Join(DefaultStateDir, "audit") {
		t.Errorf("AuditDir = %q", paths.AuditDir)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[ratelimit.user]
max_per_window = 5
window = "30s"

[ratelimit.groups.ops]
max_per_window = 100
window = "1m"

[sandbox]
command = "agent --stdio"
timeout = "90s"

[secrets]
allow = ["API_KEY", "OTHER"]
required = ["API_KEY"]

[scheduler]
owner = "test-owner"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RateLimit.User.MaxPerWindow != 5 || cfg.RateLimit.User.Window != 30*time.Second {
		t.Errorf("user limit = %+v", cfg.RateLimit.User)
	}
	// Untouched keys keep their defaults.
	if cfg.RateLimit.Global.MaxPerWindow != 120 {
		t.Errorf("global limit = %+v, want default", cfg.RateLimit.Global)
	}
	if cfg.Sandbox.Timeout != 90*time.Second {
		t.Errorf("sandbox timeout = %s", cfg.Sandbox.Timeout)
	}
	if got := cfg.RateLimit.GroupLimit("ops").MaxPerWindow; got != 100 {
		t.Errorf("GroupLimit(ops) = %d, want 100", got)
	}
	if got := cfg.RateLimit.GroupLimit("other").MaxPerWindow; got != 30 {
		t.Errorf("GroupLimit(other) = %d, want default 30", got)
	}
	if cfg.Scheduler.Owner != "test-owner" {
		t.Errorf("owner = %q", cfg.Scheduler.Owner)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
[sandbox]
comand = "typo"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown config keys") {
		t.Fatalf("Load() error = %v, want unknown key error", err)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero user limit", func(c *Config) { c.RateLimit.User.MaxPerWindow = 0 }, "ratelimit.user"},
		{"bad override", func(c *Config) { c.RateLimit.Groups = map[string]Limit{"x": {MaxPerWindow: 1}} }, "ratelimit.groups.x"},
		{"bad runtime", func(c *Config) { c.Sandbox.Runtime = "vm" }, "sandbox.runtime"},
		{"docker without image", func(c *Config) { c.Sandbox.Runtime = "docker" }, "sandbox.image"},
		{"process without opt-in", func(c *Config) { c.Sandbox.Runtime = "process" }, "allow_unisolated"},
		{"relative system path", func(c *Config) { c.Sandbox.SystemPaths = []string{"usr"} }, "absolute"},
		{"group secret not allowed", func(c *Config) { c.Secrets.Groups = map[string][]string{"family": {"TOKEN"}} }, "secrets.groups.family"},
		{"relative shared path", func(c *Config) { c.Sandbox.SharedPaths = []string{"shared"} }, "absolute"},
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store = StoreConfig{Driver: "postgres"} }, "store.dsn"},
		{"required not allowed", func(c *Config) { c.Secrets.Required = []string{"TOKEN"} }, "secrets.required"},
		{"no in-flight slots", func(c *Config) { c.Scheduler.MaxInFlight = 0 }, "max_in_flight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultRuntimeIsolates(t *testing.T) {
	cfg := Default()
	if cfg.Sandbox.Runtime != "bwrap" {
		t.Errorf("default runtime = %q, want bwrap", cfg.Sandbox.Runtime)
	}
	cfg.Sandbox.Runtime = "process"
	cfg.Sandbox.AllowUnisolated = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("process runtime with opt-in: %v", err)
	}
}

func TestSecretsKeysFor(t *testing.T) {
	c := SecretsConfig{
		Allow:    []string{"API_TOKEN", "DEPLOY_KEY", "GITHUB_TOKEN"},
		Required: []string{"API_TOKEN"},
		Groups:   map[string][]string{"work": {"GITHUB_TOKEN", "API_TOKEN"}},
	}
	if got := strings.Join(c.KeysFor("work"), ","); got != "API_TOKEN,GITHUB_TOKEN" {
		t.Errorf("KeysFor(work) = %s", got)
	}
	if got := strings.Join(c.KeysFor("family"), ","); got != "API_TOKEN" {
		t.Errorf("KeysFor(family) = %s, want only the required key", got)
	}
}

func TestValidateGroupID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"family", false},
		{"team-42_ops", false},
		{"", true},
		{"Family", true},
		{"../etc", true},
		{"a/b", true},
		{strings.Repeat("a", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateGroupID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGroupID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestGroupDir_StaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	// A symlink planted under root must not redirect the group elsewhere.
	if err := os.Symlink(outside, filepath.Join(root, "evil")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	dir, err := GroupDir(root, "evil")
	if err != nil {
		t.Fatalf("GroupDir() error = %v", err)
	}
	if !strings.HasPrefix(dir, root) {
		t.Errorf("GroupDir() = %q escapes root %q", dir, root)
	}

	if _, err := GroupDir(root, "../x"); err == nil {
		t.Error("GroupDir() should reject traversal")
	}
}

func TestHolderReload(t *testing.T) {
	h := NewHolder(Default())
	path := writeConfig(t, `
[ratelimit.user]
max_per_window = 3
window = "1m"
`)

	if err := h.Reload(path); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := h.RateLimit().User.MaxPerWindow; got != 3 {
		t.Errorf("after reload user limit = %d, want 3", got)
	}

	bad := writeConfig(t, "[sandbox]\nruntime = \"vm\"\n")
	if err := h.Reload(bad); err == nil {
		t.Fatal("Reload() should fail on invalid config")
	}
	if got := h.RateLimit().User.MaxPerWindow; got != 3 {
		t.Errorf("failed reload changed config: user limit = %d", got)
	}
}
