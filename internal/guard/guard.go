package guard

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

import (
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/policy"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/ratelimit"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/repo"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/signature"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/types"
)

const (
	ReasonAccepted    = "accepted"
	ReasonRateLimited = "rate_limited"
	ReasonBlocked     = "temporarily_blocked"
	ReasonBadSig      = "signature_invalid"
	ReasonNoSig       = "signature_missing"
)

// Auditor records guard rejections on a side channel.
type Auditor interface {
	AppendDenial(ctx context.Context, event repo.DenialEvent) error
}

// Guard runs the webhook ingestion checks: rate-limit admission and payload
// authentication. The two checks are independent; neither depends on the
// other's outcome.
type Guard struct {
	limiter  *ratelimit.Limiter
	policies *policy.Registry
	verifier signature.Verifier
	auditor  Auditor
	lockout  *Lockout
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Guard)

func WithAuditor(a Auditor) Option {
	return func(g *Guard) { g.auditor = a }
}

// WithLockout escalates repeat rate-limit offenders to a temporary block.
func WithLockout(l *Lockout) Option {
	return func(g *Guard) { g.lockout = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func New(limiter *ratelimit.Limiter, policies *policy.Registry, verifier signature.Verifier, opts ...Option) *Guard {
	if limiter == nil {
		panic("guard: nil limiter")
	}
	if policies == nil {
		panic("guard: nil policy registry")
	}
	g := &Guard{
		limiter:  limiter,
		policies: policies,
		verifier: verifier,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit applies the endpoint's rate limit budget for one request. Identities
// under a temporary block are rejected before the counter is touched, so a
// blocked sender cannot keep a window's budget pinned.
func (g *Guard) Admit(ctx context.Context, endpoint, identity string) ratelimit.Result {
	cfg := g.policies.Get(endpoint)

	if g.lockout != nil && g.lockout.Blocked(ctx, identity) {
		g.logger.Info("blocked identity rejected", "endpoint", endpoint, "identity", identity)
		g.audit(ctx, endpoint, identity, ReasonBlocked)
		return ratelimit.Result{
			Allowed:   false,
			Limit:     cfg.Limit,
			Remaining: 0,
			Reset:     g.now().Add(cfg.Window()).UnixMilli(),
		}
	}

	res := g.limiter.Check(ctx, endpoint, identity, cfg, g.now())
	if !res.Allowed {
		g.logger.Info("rate limit exceeded", "endpoint", endpoint, "identity", identity)
		g.audit(ctx, endpoint, identity, ReasonRateLimited)
		if g.lockout != nil {
			g.lockout.RecordDeny(ctx, identity)
		}
	}
	return res
}

// Authenticate verifies the signature header against the raw body. Only the
// outcome is observable; signature material is never logged.
func (g *Guard) Authenticate(ctx context.Context, endpoint, identity string, body []byte, header string) bool {
	sig, ok := signature.Normalize(header)
	if !ok {
		g.logger.Info("webhook signature missing", "endpoint", endpoint, "identity", identity)
		g.audit(ctx, endpoint, identity, ReasonNoSig)
		return false
	}
	if !g.verifier.Verify(body, sig) {
		g.logger.Info("webhook signature rejected", "endpoint", endpoint, "identity", identity)
		g.audit(ctx, endpoint, identity, ReasonBadSig)
		return false
	}
	return true
}

// Process runs admission first (cheapest rejection), then authentication,
// and folds the outcome into a single decision for the HTTP layer.
func (g *Guard) Process(ctx context.Context, endpoint, identity string, body []byte, sigHeader string) (types.Decision, ratelimit.Result) {
	res := g.Admit(ctx, endpoint, identity)
	if !res.Allowed {
		return types.Decision{
			Allowed:  false,
			Status:   http.StatusTooManyRequests,
			Reason:   ReasonRateLimited,
			Identity: identity,
		}, res
	}

	if !g.Authenticate(ctx, endpoint, identity, body, sigHeader) {
		return types.Decision{
			Allowed:  false,
			Status:   http.StatusUnauthorized,
			Reason:   ReasonBadSig,
			Identity: identity,
		}, res
	}

	return types.Decision{
		Allowed:  true,
		Status:   http.StatusAccepted,
		Reason:   ReasonAccepted,
		Identity: identity,
	}, res
}

func (g *Guard) audit(ctx context.Context, endpoint, identity, reason string) {
	if g.auditor == nil {
		return
	}
	event := repo.DenialEvent{
		Endpoint: endpoint,
		Identity: identity,
		Reason:   reason,
		At:       g.now(),
	}
	if err := g.auditor.AppendDenial(ctx, event); err != nil {
		g.logger.Warn("audit append failed", "endpoint", endpoint, "err", err)
	}
}
