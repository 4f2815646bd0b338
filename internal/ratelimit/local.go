package ratelimit

import (
	"context"
	"sync"
	"time"
)

import (
	"golang.org/x/time/rate"
)

// LocalFallback is an in-process token bucket consulted when the shared
// counter store is unreachable. Each key's budget is approximated as
// limit/window with burst equal to the limit. It is a degraded substitute,
// not a replacement: counts are per process, not shared.
type LocalFallback struct {
	mu      sync.Mutex
	entries map[string]*fallbackEntry
	idleTTL time.Duration
}

type fallbackEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewLocalFallback() *LocalFallback {
	return &LocalFallback{
		entries: make(map[string]*fallbackEntry),
		idleTTL: 15 * time.Minute,
	}
}

// Allow consumes one token from the bucket for key, creating the bucket
// on first sight.
func (f *LocalFallback) Allow(key string, cfg Config) bool {
	if !cfg.Valid() {
		return true
	}
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	ent, ok := f.entries[key]
	if !ok {
		rps := float64(cfg.Limit) / cfg.Window().Seconds()
		ent = &fallbackEntry{lim: rate.NewLimiter(rate.Limit(rps), int(cfg.Limit))}
		f.entries[key] = ent
	}
	ent.lastSeen = now
	return ent.lim.Allow()
}

// Cleanup drops buckets idle longer than the idle TTL.
func (f *LocalFallback) Cleanup() {
	cutoff := time.Now().Add(-f.idleTTL)

	f.mu.Lock()
	defer f.mu.Unlock()

	for k, ent := range f.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(f.entries, k)
		}
	}
}

// StartJanitor prunes idle buckets periodically until ctx is done.
func (f *LocalFallback) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				f.Cleanup()
			}
		}
	}()
}
