package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LockoutStore is the counter/flag surface the lockout needs from the
// shared store.
type LockoutStore interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	SetTempBlock(ctx context.Context, identity string, ttl time.Duration) error
	IsTempBlocked(ctx context.Context, identity string) (bool, error)
}

type LockoutConfig struct {
	Threshold int64         // denials within Window before a block
	Window    time.Duration // denial counting window
	BlockTTL  time.Duration // how long a block lasts
}

type lockEntry struct {
	expiresAt int64
}

// Lockout temporarily blocks identities that keep hitting the rate limit.
// Blocks live in the shared store so all guard processes see them, with a
// small local cache in front of the block flag. A store failure is treated
// as not-blocked: the lockout is an abuse brake, and its own outage must
// never block the request pipeline.
type Lockout struct {
	store     LockoutStore
	local     sync.Map // identity -> lockEntry
	threshold int64
	window    time.Duration
	blockTTL  time.Duration
	logger    *slog.Logger
}

func NewLockout(store LockoutStore, cfg LockoutConfig, logger *slog.Logger) *Lockout {
	if store == nil {
		panic("guard: nil lockout store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lockout{
		store:     store,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		blockTTL:  cfg.BlockTTL,
		logger:    logger,
	}
	if l.threshold <= 0 {
		l.threshold = 10
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	if l.blockTTL <= 0 {
		l.blockTTL = 10 * time.Minute
	}
	return l
}

// Blocked reports whether identity is currently under a temporary block.
func (l *Lockout) Blocked(ctx context.Context, identity string) bool {
	if identity == "" {
		return false
	}

	if e, ok := l.local.Load(identity); ok {
		if time.Now().UnixNano() <= e.(lockEntry).expiresAt {
			return true
		}
		l.local.Delete(identity)
	}

	blocked, err := l.store.IsTempBlocked(ctx, identity)
	if err != nil {
		l.logger.Warn("lockout check failed, treating as not blocked", "err", err)
		return false
	}
	if blocked {
		l.cache(identity)
	}
	return blocked
}

// RecordDeny counts one rate-limit denial for identity and installs a
// temporary block once the threshold is reached within the window.
func (l *Lockout) RecordDeny(ctx context.Context, identity string) {
	if identity == "" {
		return
	}
	if e, ok := l.local.Load(identity); ok && time.Now().UnixNano() <= e.(lockEntry).expiresAt {
		return
	}

	cnt, _, err := l.store.IncrWithTTL(ctx, "hot:"+identity, l.window)
	if err != nil {
		l.logger.Warn("lockout denial counter failed", "err", err)
		return
	}
	if cnt < l.threshold {
		return
	}

	if err := l.store.SetTempBlock(ctx, identity, l.blockTTL); err != nil {
		l.logger.Warn("lockout block install failed", "err", err)
		return
	}
	l.cache(identity)
	l.logger.Info("identity temporarily blocked", "identity", identity, "denials", cnt, "ttl", l.blockTTL)
}

func (l *Lockout) cache(identity string) {
	l.local.Store(identity, lockEntry{
		expiresAt: time.Now().Add(l.blockTTL).UnixNano(),
	})
}
