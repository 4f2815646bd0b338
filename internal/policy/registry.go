package policy

import (
	"fmt"
	"strings"
	"sync/atomic"
)

import (
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/ratelimit"
)

// Default is the reference budget for webhook endpoints.
var Default = ratelimit.Config{Limit: 100, WindowMs: 60000}

// Registry holds per-endpoint rate limit budgets. Reads are lock-free
// against an immutable snapshot; updates replace the snapshot wholesale.
type Registry struct {
	snap       atomic.Pointer[map[string]ratelimit.Config]
	defaultCfg ratelimit.Config
}

// NewRegistry builds a registry that answers defaultCfg for endpoints
// without an explicit policy. An invalid default falls back to Default.
func NewRegistry(defaultCfg ratelimit.Config) *Registry {
	if !defaultCfg.Valid() {
		defaultCfg = Default
	}
	r := &Registry{defaultCfg: defaultCfg}
	init := map[string]ratelimit.Config{}
	r.snap.Store(&init)
	return r
}

// Get returns the budget for endpoint, falling back to the default.
func (r *Registry) Get(endpoint string) ratelimit.Config {
	if cfg, ok := r.Lookup(endpoint); ok {
		return cfg
	}
	return r.defaultCfg
}

// Lookup reports whether endpoint has an explicit policy.
func (r *Registry) Lookup(endpoint string) (ratelimit.Config, bool) {
	m := *r.snap.Load()
	cfg, ok := m[normalize(endpoint)]
	return cfg, ok
}

// Upsert installs or replaces the budget for endpoint.
func (r *Registry) Upsert(endpoint string, cfg ratelimit.Config) error {
	endpoint = normalize(endpoint)
	if endpoint == "" {
		return fmt.Errorf("policy: endpoint is required")
	}
	if !cfg.Valid() {
		return fmt.Errorf("policy: limit and windowMs must be positive")
	}

	for {
		old := r.snap.Load()
		next := make(map[string]ratelimit.Config, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[endpoint] = cfg
		if r.snap.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// All returns a copy of the explicit policies.
func (r *Registry) All() map[string]ratelimit.Config {
	m := *r.snap.Load()
	out := make(map[string]ratelimit.Config, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DefaultConfig returns the fallback budget.
func (r *Registry) DefaultConfig() ratelimit.Config {
	return r.defaultCfg
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
