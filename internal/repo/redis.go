package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/config"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/util"
)

const (
	auditStreamSuffix = "audit:denials"
	blockKeyPrefix    = "block:"
)

// incrTTLScript increments a counter, arms its TTL on the 0->1 transition
// only, and reads the remaining TTL back, all in one round trip.
var incrTTLScript = redis.NewScript(`
	local cnt = redis.call('INCR', KEYS[1])
	if cnt == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return {cnt, ttl}
`)

// DenialEvent is one audited guard rejection. Signature material is never
// part of the event.
type DenialEvent struct {
	Endpoint string
	Identity string
	Reason   string
	At       time.Time
}

// Repo is the redis-facing surface of the guard (easy to mock/test).
type Repo interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	SetTempBlock(ctx context.Context, identity string, ttl time.Duration) error
	IsTempBlocked(ctx context.Context, identity string) (bool, error)
	AppendDenial(ctx context.Context, event DenialEvent) error
	Ping(ctx context.Context) error
	Close() error
}

type RedisRepo struct {
	Prefix         string
	Cli            redis.UniversalClient
	logger         *slog.Logger
	defaultTimeout time.Duration
	auditMaxLen    int64
}

// Option pattern for custom configurations.
type Option func(*RedisRepo)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.defaultTimeout = d }
}

func WithAuditMaxLen(n int64) Option {
	return func(r *RedisRepo) { r.auditMaxLen = n }
}

func NewRedis(cfg *config.Config, logger *slog.Logger, opts ...Option) (Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &RedisRepo{
		Prefix:         cfg.Redis.Prefix,
		logger:         logger,
		defaultTimeout: 100 * time.Millisecond,
		auditMaxLen:    10000,
	}
	for _, opt := range opts {
		opt(r)
	}

	addrs := normalizeAddrs(cfg.Redis)
	if len(addrs) == 0 {
		return nil, errors.New("no redis addresses configured")
	}

	r.Cli = redis.NewUniversalClient(buildUniversalOptions(cfg.Redis, addrs))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "err", err)
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}

	return r, nil
}

func (r *RedisRepo) withTimeout(ctx context.Context, opTimeout time.Duration) (context.Context, context.CancelFunc) {
	if opTimeout == 0 {
		opTimeout = r.defaultTimeout
	}
	return context.WithTimeout(ctx, opTimeout)
}

// key applies the configured namespace prefix.
func (r *RedisRepo) key(k string) string {
	return r.Prefix + ":" + k
}

func (r *RedisRepo) Incr(parentCtx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.Incr(ctx, r.key(key)).Result()
}

func (r *RedisRepo) Expire(parentCtx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.PExpire(ctx, r.key(key), ttl).Err()
}

func (r *RedisRepo) TTL(parentCtx context.Context, key string) (time.Duration, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.PTTL(ctx, r.key(key)).Result()
}

// IncrWithTTL runs the scripted counter update in a single round trip.
func (r *RedisRepo) IncrWithTTL(parentCtx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	ctx, cancel := r.withTimeout(parentCtx, 200*time.Millisecond)
	defer cancel()

	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}
	res, err := incrTTLScript.Run(ctx, r.Cli, []string{r.key(key)}, ttlMs).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("counter script failed for key %s: %w", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, fmt.Errorf("unexpected counter script reply: %v", res)
	}
	count := util.ToInt64(vals[0])
	remaining := time.Duration(util.ToInt64(vals[1])) * time.Millisecond
	return count, remaining, nil
}

// SetTempBlock marks identity as blocked until ttl elapses. The flag expires
// on its own; there is no explicit unblock.
func (r *RedisRepo) SetTempBlock(parentCtx context.Context, identity string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.Set(ctx, r.key(blockKeyPrefix+identity), 1, ttl).Err()
}

func (r *RedisRepo) IsTempBlocked(parentCtx context.Context, identity string) (bool, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	n, err := r.Cli.Exists(ctx, r.key(blockKeyPrefix+identity)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendDenial records a guard rejection on the audit stream, capped at
// the configured approximate length.
func (r *RedisRepo) AppendDenial(parentCtx context.Context, event DenialEvent) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.XAdd(ctx, &redis.XAddArgs{
		Stream: r.key(auditStreamSuffix),
		MaxLen: r.auditMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"endpoint": event.Endpoint,
			"identity": event.Identity,
			"reason":   event.Reason,
			"at_ms":    event.At.UnixMilli(),
		},
	}).Err()
}

func (r *RedisRepo) Ping(parentCtx context.Context) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.Ping(ctx).Err()
}

func (r *RedisRepo) Close() error {
	return r.Cli.Close()
}

func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	parts := strings.Split(cfg.Addr, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func buildUniversalOptions(cfg config.RedisCfg, addrs []string) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     max(cfg.PoolSize, 10),
		MinIdleConns: max(cfg.MinIdleConns, 2),
		MaxRetries:   max(cfg.MaxRetries, 2),
		DialTimeout:  durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:  durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout: durationOrDefault(cfg.WriteTimeoutMs, 800),
	}
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
