package config

import "sync/atomic"

// Holder publishes the current configuration to concurrent readers.
// A reload swaps the whole value; readers never see a partial update.
type Holder struct {
	v atomic.Pointer[Config]
}

// NewHolder returns a Holder initialized with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.v.Store(cfg)
	return h
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	return h.v.Load()
}

// Set replaces the configuration.
func (h *Holder) Set(cfg *Config) {
	h.v.Store(cfg)
}

// Reload loads path and swaps it in. On error the old value stays.
func (h *Holder) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	h.Set(cfg)
	return nil
}

// RateLimit returns the current limiter settings.
func (h *Holder) RateLimit() RateLimitConfig {
	return h.Get().RateLimit
}
