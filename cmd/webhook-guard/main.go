package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

import (
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/api"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/config"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/guard"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/policy"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/ratelimit"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/repo"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/signature"
)

func main() {
	confPath := flag.String("c", "configs/guard.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if missing := cfg.MissingEnv(); len(missing) > 0 {
		log.Fatalf("config references unset environment variables: %s", strings.Join(missing, ", "))
	}
	if strings.TrimSpace(cfg.Webhook.Secret) == "" {
		log.Fatal("webhook secret is empty (set webhook.secret or the variable it references)")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	rdb, err := repo.NewRedis(cfg, logger)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	registry := policy.NewRegistry(ratelimit.Config{
		Limit:    cfg.DefaultPolicy.Limit,
		WindowMs: cfg.DefaultPolicy.WindowMs,
	})
	for _, p := range cfg.Policies {
		if err := registry.Upsert(p.Endpoint, ratelimit.Config{Limit: p.Limit, WindowMs: p.WindowMs}); err != nil {
			log.Fatalf("invalid policy for endpoint %q: %v", p.Endpoint, err)
		}
	}

	limOpts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithFailPolicy(cfg.Features.FailPolicy),
	}
	if cfg.Features.LocalFallback {
		fallback := ratelimit.NewLocalFallback()
		fallback.StartJanitor(rootCtx, 2*time.Minute)
		limOpts = append(limOpts, ratelimit.WithLocalFallback(fallback))
	}
	limiter := ratelimit.New(rdb, limOpts...)

	guardOpts := []guard.Option{guard.WithLogger(logger)}
	if strings.EqualFold(cfg.Features.Audit, "redis_stream") {
		guardOpts = append(guardOpts, guard.WithAuditor(rdb))
	}
	if cfg.Lockout.Enabled {
		lockout := guard.NewLockout(rdb, guard.LockoutConfig{
			Threshold: cfg.Lockout.Threshold,
			Window:    time.Duration(cfg.Lockout.WindowMs) * time.Millisecond,
			BlockTTL:  time.Duration(cfg.Lockout.BlockMs) * time.Millisecond,
		}, logger)
		guardOpts = append(guardOpts, guard.WithLockout(lockout))
	}
	g := guard.New(limiter, registry, signature.Verifier{Secret: cfg.Webhook.Secret}, guardOpts...)

	srv := api.NewServer(cfg.Server, g, registry,
		api.WithSignatureHeader(cfg.Webhook.SignatureHeader),
		api.WithHealth(rdb),
		api.WithLogger(logger),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook guard listening", "addr", cfg.Server.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	case s := <-sigCh:
		logger.Info("shutting down", "signal", s.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
	}
}
