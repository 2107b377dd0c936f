package config

import "sync/atomic"

// Provider hands out the current configuration and supports hot reload.
// Readers get a consistent snapshot; Replace swaps atomically.
type Provider struct {
	p atomic.Pointer[Config]
}

func NewProvider(c *Config) *Provider {
	pr := &Provider{}
	pr.p.Store(c)
	return pr
}

// Get returns the current snapshot. Callers must not mutate it.
func (pr *Provider) Get() *Config { return pr.p.Load() }

// Replace installs a new snapshot.
func (pr *Provider) Replace(c *Config) { pr.p.Store(c) }
