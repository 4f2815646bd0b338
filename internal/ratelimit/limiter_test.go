package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeStore implements only the primitive CounterStore surface.
type fakeStore struct {
	counts      map[string]int64
	ttls        map[string]time.Duration
	expireCalls int
	incrErr     error
	ttlErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counts: make(map[string]int64),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeStore) Incr(_ context.Context, key string) (int64, error) {
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.expireCalls++
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) TTL(_ context.Context, key string) (time.Duration, error) {
	if f.ttlErr != nil {
		return 0, f.ttlErr
	}
	if ttl, ok := f.ttls[key]; ok {
		return ttl, nil
	}
	return -1, nil
}

// atomicFakeStore additionally implements AtomicCounterStore and records
// whether the primitive path was ever taken.
type atomicFakeStore struct {
	fakeStore
	atomicCalls    int
	primitiveCalls int
}

func (f *atomicFakeStore) Incr(ctx context.Context, key string) (int64, error) {
	f.primitiveCalls++
	return f.fakeStore.Incr(ctx, key)
}

func (f *atomicFakeStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	f.atomicCalls++
	f.counts[key]++
	if f.counts[key] == 1 {
		f.ttls[key] = ttl
	}
	return f.counts[key], f.ttls[key], nil
}

func TestCheckSequenceUnderLimit(t *testing.T) {
	store := newFakeStore()
	lim := New(store)
	cfg := Config{Limit: 3, WindowMs: 60000}
	now := time.Now()

	wantAllowed := []bool{true, true, true, false}
	wantRemaining := []int64{2, 1, 0, 0}

	for i := 0; i < 4; i++ {
		res := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, now)
		if res.Allowed != wantAllowed[i] {
			t.Fatalf("check %d: allowed = %v, want %v", i, res.Allowed, wantAllowed[i])
		}
		if res.Remaining != wantRemaining[i] {
			t.Fatalf("check %d: remaining = %d, want %d", i, res.Remaining, wantRemaining[i])
		}
		if res.Limit != cfg.Limit {
			t.Fatalf("check %d: limit = %d, want %d", i, res.Limit, cfg.Limit)
		}
	}
}

func TestCheckTTLArmedOncePerWindow(t *testing.T) {
	store := newFakeStore()
	lim := New(store)
	cfg := Config{Limit: 3, WindowMs: 60000}
	now := time.Now()

	for i := 0; i < 4; i++ {
		lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, now)
	}
	if store.expireCalls != 1 {
		t.Fatalf("expire called %d times, want 1", store.expireCalls)
	}
	if got := store.ttls[Key("webhook", "1.2.3.4")]; got != 60*time.Second {
		t.Fatalf("armed ttl = %v, want 60s", got)
	}
}

func TestCheckResetFromTTL(t *testing.T) {
	store := newFakeStore()
	lim := New(store)
	cfg := Config{Limit: 3, WindowMs: 60000}
	now := time.Now()

	store.counts[Key("webhook", "1.2.3.4")] = 1 // next incr is 2, no expire
	store.ttls[Key("webhook", "1.2.3.4")] = 30 * time.Second

	res := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, now)
	if res.Reset != now.Add(30*time.Second).UnixMilli() {
		t.Fatalf("reset = %d, want now+30s", res.Reset)
	}
}

func TestCheckResetFallbackOnTTLError(t *testing.T) {
	store := newFakeStore()
	store.ttlErr = errors.New("ttl unavailable")
	lim := New(store)
	cfg := Config{Limit: 3, WindowMs: 60000}
	now := time.Now()

	res := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, now)
	if !res.Allowed {
		t.Fatal("ttl read failure must not reject the request")
	}
	if res.Reset != now.Add(60*time.Second).UnixMilli() {
		t.Fatalf("reset = %d, want now+window", res.Reset)
	}
}

func TestCheckFailOpen(t *testing.T) {
	store := newFakeStore()
	store.incrErr = errors.New("connection refused")
	lim := New(store)
	cfg := Config{Limit: 5, WindowMs: 60000}
	now := time.Now()

	res := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, now)
	if !res.Allowed {
		t.Fatal("fail-open must allow on store failure")
	}
	if res.Remaining != cfg.Limit {
		t.Fatalf("remaining = %d, want %d", res.Remaining, cfg.Limit)
	}
	if res.Reset != now.Add(60*time.Second).UnixMilli() {
		t.Fatalf("reset = %d, want now+window", res.Reset)
	}
}

func TestCheckFailClosed(t *testing.T) {
	store := newFakeStore()
	store.incrErr = errors.New("connection refused")
	lim := New(store, WithFailPolicy(FailClosed))
	cfg := Config{Limit: 5, WindowMs: 60000}

	res := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, time.Now())
	if res.Allowed {
		t.Fatal("fail-closed must reject on store failure")
	}
	if res.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", res.Remaining)
	}
}

func TestCheckPrefersAtomicStore(t *testing.T) {
	store := &atomicFakeStore{fakeStore: *newFakeStore()}
	lim := New(store)
	cfg := Config{Limit: 3, WindowMs: 60000}

	res := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, time.Now())
	if !res.Allowed || res.Remaining != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.atomicCalls != 1 {
		t.Fatalf("atomic path taken %d times, want 1", store.atomicCalls)
	}
	if store.primitiveCalls != 0 || store.expireCalls != 0 {
		t.Fatal("primitive path must not run when the store is atomic")
	}
}

func TestCheckLocalFallback(t *testing.T) {
	store := newFakeStore()
	store.incrErr = errors.New("connection refused")
	lim := New(store, WithLocalFallback(NewLocalFallback()))
	cfg := Config{Limit: 2, WindowMs: 60000}
	now := time.Now()

	first := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, now)
	second := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, now)
	third := lim.Check(context.Background(), "webhook", "1.2.3.4", cfg, now)

	if !first.Allowed || !second.Allowed {
		t.Fatal("fallback must admit within the burst budget")
	}
	if third.Allowed {
		t.Fatal("fallback must reject past the burst budget")
	}

	other := lim.Check(context.Background(), "webhook", "5.6.7.8", cfg, now)
	if !other.Allowed {
		t.Fatal("fallback buckets must be keyed per identity")
	}
}

func TestKey(t *testing.T) {
	if got := Key("webhook", "1.2.3.4"); got != "rl:webhook:1.2.3.4" {
		t.Fatalf("Key = %s", got)
	}
}
