package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	securejoin "github.com/cyphar/filepath-securejoin"
)

// groupIDRegex validates group identifiers used as directory names.
// Identifiers start with a lowercase letter or digit, followed by lowercase
// letters, digits, underscores, or hyphens, at most 63 characters.
var groupIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidateGroupID checks that a group identifier is safe to use as a
// workspace and channel directory name.
func ValidateGroupID(id string) error {
	if id == "" {
		return fmt.Errorf("group id cannot be empty")
	}

	if !groupIDRegex.MatchString(id) {
		return fmt.Errorf("invalid group id %q: must start with a lowercase letter or digit, contain only lowercase letters, digits, underscores, or hyphens, and be at most 63 characters", id)
	}

	return nil
}

// GroupDir resolves a group's directory under root. The result never
// escapes root, even through symlinks planted inside it.
func GroupDir(root, groupID string) (string, error) {
	if err := ValidateGroupID(groupID); err != nil {
		return "", err
	}
	path, err := securejoin.SecureJoin(root, groupID)
	if err != nil {
		return "", fmt.Errorf("resolve group dir: %w", err)
	}
	return path, nil
}

const (
	DefaultConfigDir = "/etc/warden"
	DefaultStateDir  = "/var/lib/warden"
	DefaultRunDir    = "/run/warden"
	ConfigFileName   = "warden.toml"

	// DefaultEnvCeiling is the largest prompt passed through the
	// environment; anything bigger is staged to a file.
	DefaultEnvCeiling = 128 * 1024
)

// DefaultSystemPaths are the host directories a bwrap sandbox needs to run
// ordinary binaries. Missing ones are skipped.
var DefaultSystemPaths = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib64",
	"/etc/ssl", "/etc/ca-certificates", "/etc/resolv.conf", "/etc/hosts",
	"/etc/passwd", "/etc/group", "/etc/nsswitch.conf", "/etc/localtime",
	"/nix/store", "/run/current-system/sw",
}

// Limit is a sliding-window ceiling.
type Limit struct {
	MaxPerWindow int           `toml:"max_per_window"`
	Window       time.Duration `toml:"window"`
}

// Validate checks that the limit admits at least one event per window.
func (l Limit) Validate() error {
	if l.MaxPerWindow < 1 {
		return fmt.Errorf("max_per_window must be at least 1 (got %d)", l.MaxPerWindow)
	}
	if l.Window <= 0 {
		return fmt.Errorf("window must be positive (got %s)", l.Window)
	}
	return nil
}

// RateLimitConfig configures the admission limiter.
type RateLimitConfig struct {
	User          Limit            `toml:"user"`
	Group         Limit            `toml:"group"`
	Global        Limit            `toml:"global"`
	Groups        map[string]Limit `toml:"groups"` // per-group overrides of the group limit
	Retention     time.Duration    `toml:"retention"`
	SweepInterval time.Duration    `toml:"sweep_interval"`
}

// GroupLimit returns the group-scope limit for id, honoring overrides.
func (c RateLimitConfig) GroupLimit(id string) Limit {
	if l, ok := c.Groups[id]; ok {
		return l
	}
	return c.Group
}

// Validate checks every limit and the sweep settings.
func (c RateLimitConfig) Validate() error {
	for name, l := range map[string]Limit{"user": c.User, "group": c.Group, "global": c.Global} {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("ratelimit.%s: %w", name, err)
		}
	}
	for id, l := range c.Groups {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("ratelimit.groups.%s: %w", id, err)
		}
	}
	if c.Retention <= 0 {
		return fmt.Errorf("ratelimit.retention must be positive")
	}
	return nil
}

// SandboxConfig configures how sandboxes are launched.
type SandboxConfig struct {
	Runtime        string        `toml:"runtime"` // "bwrap", "docker" or "process"
	Command        string        `toml:"command"` // shell-quoted agent command
	Image          string        `toml:"image"`
	Timeout        time.Duration `toml:"timeout"`
	GracePeriod    time.Duration `toml:"grace_period"`
	SpawnRetries   int           `toml:"spawn_retries"`
	WorkspaceRoot  string        `toml:"workspace_root"`
	SharedPaths    []string      `toml:"shared_paths"`    // mounted read-only into every sandbox
	ForbiddenPaths []string      `toml:"forbidden_paths"` // never mounted, nor anything beneath them
	EnvCeiling     int           `toml:"env_ceiling"`

	// SystemPaths are bound read-only at the same path by the bwrap runtime.
	SystemPaths []string `toml:"system_paths"`

	// AllowUnisolated permits the process runtime, which shares the host
	// filesystem with the sandbox.
	AllowUnisolated bool `toml:"allow_unisolated"`
}

// Validate checks that the SandboxConfig is usable.
func (c SandboxConfig) Validate() error {
	validRuntimes := map[string]bool{"bwrap": true, "docker": true, "process": true}
	if !validRuntimes[c.Runtime] {
		return fmt.Errorf("invalid sandbox.runtime: %s (must be bwrap, docker or process)", c.Runtime)
	}
	if c.Runtime == "process" && !c.AllowUnisolated {
		return fmt.Errorf("sandbox.runtime process has no filesystem isolation; set sandbox.allow_unisolated = true to use it")
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("sandbox.command is required")
	}
	if c.Runtime == "docker" && c.Image == "" {
		return fmt.Errorf("sandbox.image is required for the docker runtime")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if c.SpawnRetries < 0 {
		return fmt.Errorf("sandbox.spawn_retries cannot be negative")
	}
	if !filepath.IsAbs(c.WorkspaceRoot) {
		return fmt.Errorf("sandbox.workspace_root must be an absolute path (got %q)", c.WorkspaceRoot)
	}
	for _, p := range append(append(append([]string{}, c.SharedPaths...), c.ForbiddenPaths...), c.SystemPaths...) {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("sandbox paths must be absolute (got %q)", p)
		}
	}
	return nil
}

// IPCConfig configures the signed file channel.
type IPCConfig struct {
	Root         string        `toml:"root"`
	KeyEnv       string        `toml:"key_env"`
	PollInterval time.Duration `toml:"poll_interval"`
	QueueDepth   int           `toml:"queue_depth"`
}

// SchedulerConfig configures scheduled and heartbeat jobs.
type SchedulerConfig struct {
	JobsFile     string        `toml:"jobs_file"`
	MaxInFlight  int           `toml:"max_in_flight"`
	Owner        string        `toml:"owner"`
	TickInterval time.Duration `toml:"tick_interval"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `toml:"driver"` // memory, sqlite, postgres, redis
	DSN    string `toml:"dsn"`
}

// Validate checks the driver name and DSN.
func (c StoreConfig) Validate() error {
	switch c.Driver {
	case "memory":
		return nil
	case "sqlite", "postgres", "redis":
		if c.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Driver)
		}
		return nil
	default:
		return fmt.Errorf("invalid store.driver: %s", c.Driver)
	}
}

// SecretsConfig lists which credentials sandboxes may receive. Required
// keys go to every sandbox; Groups adds keys for one group only.
type SecretsConfig struct {
	Allow       []string            `toml:"allow"`
	Required    []string            `toml:"required"`
	Groups      map[string][]string `toml:"groups"`
	BundlePath  string   `toml:"bundle_path"`  // age-encrypted KEY=VALUE bundle
	IdentityEnv string   `toml:"identity_env"` // env var holding the age identity
}

// KeysFor returns the secret names a group's sandbox requests.
func (c SecretsConfig) KeysFor(group string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, list := range [][]string{c.Required, c.Groups[group]} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every required or per-group secret is also allowed.
func (c SecretsConfig) Validate() error {
	allowed := make(map[string]bool, len(c.Allow))
	for _, k := range c.Allow {
		allowed[k] = true
	}
	for _, k := range c.Required {
		if !allowed[k] {
			return fmt.Errorf("secrets.required entry %s is not in secrets.allow", k)
		}
	}
	for group, keys := range c.Groups {
		if err := ValidateGroupID(group); err != nil {
			return fmt.Errorf("secrets.groups: %w", err)
		}
		for _, k := range keys {
			if !allowed[k] {
				return fmt.Errorf("secrets.groups.%s entry %s is not in secrets.allow", group, k)
			}
		}
	}
	if c.BundlePath != "" && c.IdentityEnv == "" {
		return fmt.Errorf("secrets.identity_env is required with secrets.bundle_path")
	}
	return nil
}

// HeartbeatConfig configures the periodic status summary.
type HeartbeatConfig struct {
	Interval time.Duration `toml:"interval"`
	History  int           `toml:"history"`
	ChatID   string        `toml:"chat_id"` // empty means log only
}

// HealthConfig configures degraded-state escalation.
type HealthConfig struct {
	FailureThreshold int           `toml:"failure_threshold"`
	StatusFile       string        `toml:"status_file"`
	CheckInterval    time.Duration `toml:"check_interval"`
}

// KBConfig configures the knowledge-base client.
type KBConfig struct {
	URL           string        `toml:"url"`
	CacheTTL      time.Duration `toml:"cache_ttl"`
	CacheSize     int           `toml:"cache_size"`
	RatePerSecond float64       `toml:"rate_per_second"`
}

// IdentityConfig folds several raw sender ids into one canonical user.
type IdentityConfig struct {
	Aliases map[string]string `toml:"aliases"`
}

// Config is the orchestrator configuration loaded from warden.toml.
type Config struct {
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	IPC       IPCConfig       `toml:"ipc"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Store     StoreConfig     `toml:"store"`
	Secrets   SecretsConfig   `toml:"secrets"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Health    HealthConfig    `toml:"health"`
	KB        KBConfig        `toml:"kb"`
	Identity  IdentityConfig  `toml:"identity"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			User:          Limit{MaxPerWindow: 10, Window: time.Minute},
			Group:         Limit{MaxPerWindow: 30, Window: time.Minute},
			Global:        Limit{MaxPerWindow: 120, Window: time.Minute},
			Retention:     2 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Runtime:        "bwrap",
			Command:        "warden-agent",
			Timeout:        5 * time.Minute,
			GracePeriod:    5 * time.Second,
			SpawnRetries:   3,
			WorkspaceRoot:  filepath.Join(DefaultStateDir, "groups"),
			ForbiddenPaths: []string{DefaultConfigDir, DefaultRunDir},
			EnvCeiling:     DefaultEnvCeiling,
			SystemPaths:    append([]string(nil), DefaultSystemPaths...),
		},
		IPC: IPCConfig{
			Root:         filepath.Join(DefaultStateDir, "ipc"),
			KeyEnv:       "WARDEN_IPC_KEY",
			PollInterval: 2 * time.Second,
			QueueDepth:   64,
		},
		Scheduler: SchedulerConfig{
			JobsFile:     filepath.Join(DefaultConfigDir, "jobs.yaml"),
			MaxInFlight:  2,
			TickInterval: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(DefaultStateDir, "warden.db"),
		},
		Secrets: SecretsConfig{
			IdentityEnv: "WARDEN_AGE_IDENTITY",
		},
		Heartbeat: HeartbeatConfig{
			Interval: 15 * time.Minute,
			History:  50,
		},
		Health: HealthConfig{
			FailureThreshold: 3,
			StatusFile:       filepath.Join(DefaultRunDir, "status.json"),
			CheckInterval:    30 * time.Second,
		},
		KB: KBConfig{
			CacheTTL:      5 * time.Minute,
			CacheSize:     256,
			RatePerSecond: 5,
		},
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Sandbox.Validate(); err != nil {
		return err
	}
	if !filepath.IsAbs(c.IPC.Root) {
		return fmt.Errorf("ipc.root must be an absolute path (got %q)", c.IPC.Root)
	}
	if c.IPC.KeyEnv == "" {
		return fmt.Errorf("ipc.key_env is required")
	}
	if c.IPC.QueueDepth < 1 {
		return fmt.Errorf("ipc.queue_depth must be at least 1")
	}
	if c.Scheduler.MaxInFlight < 1 {
		return fmt.Errorf("scheduler.max_in_flight must be at least 1")
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Secrets.Validate(); err != nil {
		return err
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1")
	}
	return nil
}

// Load reads a TOML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	if cfg.Scheduler.Owner == "" {
		host, _ := os.Hostname()
		cfg.Scheduler.Owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
