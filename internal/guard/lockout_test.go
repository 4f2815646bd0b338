package guard

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

import (
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/signature"
)

type fakeLockoutStore struct {
	counts     map[string]int64
	blocked    map[string]bool
	checkCalls int
	incrErr    error
	checkErr   error
	blockErr   error
}

func newFakeLockoutStore() *fakeLockoutStore {
	return &fakeLockoutStore{counts: map[string]int64{}, blocked: map[string]bool{}}
}

func (f *fakeLockoutStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, time.Duration, error) {
	if f.incrErr != nil {
		return 0, 0, f.incrErr
	}
	f.counts[key]++
	return f.counts[key], time.Minute, nil
}

func (f *fakeLockoutStore) SetTempBlock(_ context.Context, identity string, _ time.Duration) error {
	if f.blockErr != nil {
		return f.blockErr
	}
	f.blocked[identity] = true
	return nil
}

func (f *fakeLockoutStore) IsTempBlocked(_ context.Context, identity string) (bool, error) {
	f.checkCalls++
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.blocked[identity], nil
}

func TestLockoutBlocksAfterThreshold(t *testing.T) {
	store := newFakeLockoutStore()
	l := NewLockout(store, LockoutConfig{Threshold: 3, Window: time.Minute, BlockTTL: time.Minute}, nil)
	ctx := context.Background()

	l.RecordDeny(ctx, "1.2.3.4")
	l.RecordDeny(ctx, "1.2.3.4")
	if l.Blocked(ctx, "1.2.3.4") {
		t.Fatal("blocked below threshold")
	}

	l.RecordDeny(ctx, "1.2.3.4")
	if !l.Blocked(ctx, "1.2.3.4") {
		t.Fatal("not blocked at threshold")
	}
	if l.Blocked(ctx, "5.6.7.8") {
		t.Fatal("unrelated identity blocked")
	}
}

func TestLockoutCachesBlockLocally(t *testing.T) {
	store := newFakeLockoutStore()
	store.blocked["1.2.3.4"] = true
	l := NewLockout(store, LockoutConfig{BlockTTL: time.Minute}, nil)
	ctx := context.Background()

	if !l.Blocked(ctx, "1.2.3.4") {
		t.Fatal("expected blocked")
	}
	calls := store.checkCalls
	if !l.Blocked(ctx, "1.2.3.4") {
		t.Fatal("expected blocked on repeat check")
	}
	if store.checkCalls != calls {
		t.Fatalf("repeat check hit the store: %d calls", store.checkCalls)
	}
}

func TestLockoutStoreErrorsDoNotBlock(t *testing.T) {
	store := newFakeLockoutStore()
	store.checkErr = errors.New("connection refused")
	store.incrErr = errors.New("connection refused")
	l := NewLockout(store, LockoutConfig{Threshold: 1}, nil)
	ctx := context.Background()

	l.RecordDeny(ctx, "1.2.3.4")
	if l.Blocked(ctx, "1.2.3.4") {
		t.Fatal("store outage must not block")
	}
}

func TestLockoutIgnoresEmptyIdentity(t *testing.T) {
	store := newFakeLockoutStore()
	l := NewLockout(store, LockoutConfig{Threshold: 1}, nil)
	ctx := context.Background()

	l.RecordDeny(ctx, "")
	if len(store.counts) != 0 || l.Blocked(ctx, "") {
		t.Fatalf("empty identity touched the store: %+v", store.counts)
	}
}

func TestGuardBlocksRepeatOffender(t *testing.T) {
	auditor := &memAuditor{}
	lockStore := newFakeLockoutStore()
	lockout := NewLockout(lockStore, LockoutConfig{Threshold: 2, Window: time.Minute, BlockTTL: time.Minute}, nil)
	g := newGuard(newMemStore(), auditor, 1)
	WithLockout(lockout)(g)

	body := []byte("{}")
	header := "sha256=" + signature.Hex(body, "whsec_test")
	ctx := context.Background()

	if dec, _ := g.Process(ctx, "webhook", "1.2.3.4", body, header); !dec.Allowed {
		t.Fatalf("first request rejected: %+v", dec)
	}

	// Two over-budget requests reach the lockout threshold.
	g.Process(ctx, "webhook", "1.2.3.4", body, header)
	g.Process(ctx, "webhook", "1.2.3.4", body, header)

	if !lockStore.blocked["1.2.3.4"] {
		t.Fatal("identity not blocked after repeat denials")
	}

	dec, res := g.Process(ctx, "webhook", "1.2.3.4", body, header)
	if dec.Allowed || dec.Status != http.StatusTooManyRequests {
		t.Fatalf("blocked identity admitted: %+v", dec)
	}
	if res.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", res.Remaining)
	}
	last := auditor.events[len(auditor.events)-1]
	if last.Reason != ReasonBlocked {
		t.Fatalf("unexpected audit reason: %s", last.Reason)
	}
}

func TestGuardBlockSkipsCounter(t *testing.T) {
	lockStore := newFakeLockoutStore()
	lockStore.blocked["1.2.3.4"] = true
	lockout := NewLockout(lockStore, LockoutConfig{}, nil)
	limStore := newMemStore()
	g := newGuard(limStore, nil, 5)
	WithLockout(lockout)(g)

	g.Process(context.Background(), "webhook", "1.2.3.4", []byte("{}"), "")
	if len(limStore.counts) != 0 {
		t.Fatalf("blocked identity consumed rate limit budget: %+v", limStore.counts)
	}
}
