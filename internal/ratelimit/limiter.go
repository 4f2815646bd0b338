package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config bounds accepted requests per client identity within a rolling
// window. Immutable, supplied per protected endpoint.
type Config struct {
	Limit    int64 `yaml:"limit" json:"limit"`
	WindowMs int64 `yaml:"windowMs" json:"windowMs"`
}

func (c Config) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

func (c Config) Valid() bool {
	return c.Limit > 0 && c.WindowMs > 0
}

// Result is produced fresh per check and intended to be surfaced to the
// caller as X-RateLimit-* response headers. Reset is a unix-ms timestamp.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     int64
}

// CounterStore is the minimal contract against the shared counter store.
// Increments on the same key are serialized by the store's atomicity
// guarantee; the guard never caches counts locally.
type CounterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// AtomicCounterStore is an optional upgrade over CounterStore: a single
// scripted round trip that increments, arms the TTL on the 0->1 transition,
// and reads the remaining TTL back. Stores implementing it close the narrow
// race between the three primitive calls.
type AtomicCounterStore interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
}

const (
	FailOpen   = "fail-open"
	FailClosed = "fail-closed"
)

// Limiter enforces per-endpoint request budgets against a shared store.
// It holds no mutable request state and is safe for concurrent use.
type Limiter struct {
	store      CounterStore
	logger     *slog.Logger
	failPolicy string
	fallback   *LocalFallback
}

type Option func(*Limiter)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithFailPolicy selects the behavior on store failure. Anything other
// than "fail-closed" keeps the default fail-open.
func WithFailPolicy(policy string) Option {
	return func(l *Limiter) {
		if strings.ToLower(strings.TrimSpace(policy)) == FailClosed {
			l.failPolicy = FailClosed
		} else {
			l.failPolicy = FailOpen
		}
	}
}

// WithLocalFallback installs an in-process limiter consulted instead of a
// blanket allow when the store is unreachable under fail-open.
func WithLocalFallback(f *LocalFallback) Option {
	return func(l *Limiter) { l.fallback = f }
}

func New(store CounterStore, opts ...Option) *Limiter {
	if store == nil {
		panic("ratelimit: nil counter store")
	}
	l := &Limiter{
		store:      store,
		logger:     slog.Default(),
		failPolicy: FailOpen,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key builds the composite counter key for an endpoint and client identity.
func Key(endpoint, identity string) string {
	return fmt.Sprintf("rl:%s:%s", endpoint, identity)
}

// Check admits or rejects one request for identity on endpoint. Store
// failures never propagate to the caller: the configured fail policy
// decides, and the failure is visible only through logging.
func (l *Limiter) Check(ctx context.Context, endpoint, identity string, cfg Config, now time.Time) Result {
	key := Key(endpoint, identity)
	window := cfg.Window()

	count, ttl, err := l.increment(ctx, key, window)
	if err != nil {
		return l.storeFailure(key, endpoint, cfg, now, err)
	}

	// Conservative reset fallback when the key carries no expiry.
	reset := now.Add(window).UnixMilli()
	if ttl > 0 {
		reset = now.Add(ttl).UnixMilli()
	}

	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= cfg.Limit,
		Limit:     cfg.Limit,
		Remaining: remaining,
		Reset:     reset,
	}
}

func (l *Limiter) increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if atomicStore, ok := l.store.(AtomicCounterStore); ok {
		return atomicStore.IncrWithTTL(ctx, key, window)
	}

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	// The TTL is armed only on the first increment of a window. Re-arming
	// on later increments would keep a busy key alive indefinitely.
	if count == 1 {
		if err := l.store.Expire(ctx, key, window); err != nil {
			return 0, 0, err
		}
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit ttl read failed", "key", key, "err", err)
		ttl = 0
	}
	return count, ttl, nil
}

func (l *Limiter) storeFailure(key, endpoint string, cfg Config, now time.Time, err error) Result {
	reset := now.Add(cfg.Window()).UnixMilli()

	if l.failPolicy == FailClosed {
		l.logger.Error("rate limit store failure, rejecting (fail-closed)", "endpoint", endpoint, "err", err)
		return Result{Allowed: false, Limit: cfg.Limit, Remaining: 0, Reset: reset}
	}

	if l.fallback != nil {
		allowed := l.fallback.Allow(key, cfg)
		l.logger.Warn("rate limit store failure, using local fallback", "endpoint", endpoint, "allowed", allowed, "err", err)
		res := Result{Allowed: allowed, Limit: cfg.Limit, Remaining: cfg.Limit, Reset: reset}
		if !allowed {
			res.Remaining = 0
		}
		return res
	}

	l.logger.Warn("rate limit store failure, allowing (fail-open)", "endpoint", endpoint, "err", err)
	return Result{Allowed: true, Limit: cfg.Limit, Remaining: cfg.Limit, Reset: reset}
}
