package secrets

import (
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/runtime"
)

// Set maps secret names to values. It logs as names only.
type Set map[string]string

// Keys returns the secret names in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogValue implements slog.LogValuer.
func (s Set) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(s))
	for _, k := range s.Keys() {
		attrs = append(attrs, slog.Any(k, logging.Redacted(s[k])))
	}
	return slog.GroupValue(attrs...)
}

// Contains reports whether text includes any non-empty secret value.
func (s Set) Contains(text string) bool {
	for _, v := range s {
		if v != "" && strings.Contains(text, v) {
			return true
		}
	}
	return false
}

// Provisioner holds the allow-listed secrets loaded at startup.
type Provisioner struct {
	allow  map[string]bool
	values Set
	log      *slog.Logger
}

type options struct {
	lookup func(string) (string, bool)
	log    *slog.Logger
}

// Option configures a Provisioner.
type Option func(*options)

// WithLookup replaces os.LookupEnv as the environment source.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New loads every allow-listed secret from the bundle (if configured) and
// the environment. Environment values override bundle values.
func New(cfg config.SecretsConfig, opts ...Option) (*Provisioner, error) {
	o := options{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provisioner{
		allow:  make(map[string]bool, len(cfg.Allow)),
		values: make(Set),
		log:    logging.Component(o.log, "secrets"),
	}
	for _, k := range cfg.Allow {
		p.allow[k] = true
	}

	if cfg.BundlePath != "" {
		identity, ok := o.lookup(cfg.IdentityEnv)
		if !ok || identity == "" {
			return nil, errors.ConfigError("secret bundle configured but "+cfg.IdentityEnv+" is not set", nil)
		}
		bundle, err := OpenBundle(cfg.BundlePath, identity)
		if err != nil {
			return nil, errors.ConfigError("load secret bundle", err)
		}
		for k, v := range bundle {
			if p.allow[k] {
				p.values[k] = v
			}
		}
	}

	for k := range p.allow {
		if v, ok := o.lookup(k); ok {
			p.values[k] = v
		}
	}

	p.log.Debug("secrets loaded", "secrets", p.values)
	return p, nil
}

// Resolve returns the requested secrets that are allow-listed. Keys
// outside the allow list are never returned. A requested key that has no
// value fails this resolution only.
func (p *Provisioner) Resolve(keys []string) (Set, error) {
	out := make(Set, len(keys))
	for _, k := range keys {
		if !p.allow[k] {
			p.log.Warn("secret requested outside the allow list", "name", k)
			continue
		}
		v, ok := p.values[k]
		if !ok {
			return nil, errors.SecretMissing(k)
		}
		out[k] = v
	}
	return out, nil
}

// Allowed returns the allow list in sorted order.
func (p *Provisioner) Allowed() []string {
	keys := make([]string, 0, len(p.allow))
	for k := range p.allow {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Inject returns a copy of spec whose environment also carries secrets.
// The caller's Env map is not modified.
func Inject(secrets Set, spec runtime.LaunchSpec) runtime.LaunchSpec {
	env := make(map[string]string, len(spec.Env)+len(secrets))
	for k, v := range spec.Env {
		env[k] = v
	}
	keys := append([]string(nil), spec.SecretKeys...)
	for k, v := range secrets {
		env[k] = v
		if !spec.IsSecret(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	spec.Env = env
	spec.SecretKeys = keys
	return spec
}
