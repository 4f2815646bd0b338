package repo

import (
	"testing"
	"time"
)

import (
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/config"
)

func TestNormalizeAddrs(t *testing.T) {
	cfg := config.RedisCfg{Addr: "127.0.0.1:6379, 127.0.0.2:6379"}
	addrs := normalizeAddrs(cfg)
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addrs, got %d", len(addrs))
	}
	if addrs[0] != "127.0.0.1:6379" || addrs[1] != "127.0.0.2:6379" {
		t.Fatalf("unexpected addrs: %#v", addrs)
	}
}

func TestNormalizeAddrsEmpty(t *testing.T) {
	if addrs := normalizeAddrs(config.RedisCfg{}); addrs != nil {
		t.Fatalf("expected nil, got %#v", addrs)
	}
}

func TestKeyPrefix(t *testing.T) {
	r := &RedisRepo{Prefix: "tutorguard"}
	if got := r.key("rl:webhook:1.2.3.4"); got != "tutorguard:rl:webhook:1.2.3.4" {
		t.Fatalf("key = %s", got)
	}
	if got := r.key(auditStreamSuffix); got != "tutorguard:audit:denials" {
		t.Fatalf("audit key = %s", got)
	}
}

func TestBuildUniversalOptionsDefaults(t *testing.T) {
	opts := buildUniversalOptions(config.RedisCfg{}, []string{"127.0.0.1:6379"})
	if opts.PoolSize != 10 {
		t.Fatalf("pool size = %d", opts.PoolSize)
	}
	if opts.DialTimeout != 800*time.Millisecond {
		t.Fatalf("dial timeout = %v", opts.DialTimeout)
	}
	if opts.MaxRetries != 2 {
		t.Fatalf("max retries = %d", opts.MaxRetries)
	}
}

func TestBuildUniversalOptionsOverrides(t *testing.T) {
	cfg := config.RedisCfg{PoolSize: 200, ReadTimeoutMs: 150}
	opts := buildUniversalOptions(cfg, []string{"127.0.0.1:6379"})
	if opts.PoolSize != 200 {
		t.Fatalf("pool size = %d", opts.PoolSize)
	}
	if opts.ReadTimeout != 150*time.Millisecond {
		t.Fatalf("read timeout = %v", opts.ReadTimeout)
	}
}
