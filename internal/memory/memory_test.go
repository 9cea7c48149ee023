package memory

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/moix-hash/research-agent-system/internal/observability/events"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Discard()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLocalStoreRoundTripAndExpiry(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore()
	store.now = clock.Now
	ctx := context.Background()

	if err := store.Put(ctx, "session:a:meta", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "session:a:ctx:k", []byte("v2"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "session:a:meta")
	if err != nil || string(got) != "v1" {
		t.Fatalf("get = %q, %v", got, err)
	}
	got[0] = 'x'
	again, _ := store.Get(ctx, "session:a:meta")
	if string(again) != "v1" {
		t.Fatalf("returned slice must be a copy, got %q", again)
	}

	clock.Advance(time.Minute)
	if _, err := store.Get(ctx, "session:a:meta"); !IsNotFound(err) {
		t.Fatalf("expected expired record to be not found, got %v", err)
	}
	keys, err := CollectKeys(ctx, store, "session:a:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "session:a:ctx:k" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if removed := store.Sweep(); removed != 1 {
		t.Fatalf("expected 1 swept record, got %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 remaining record, got %d", store.Len())
	}
}

func TestLocalStoreDeleteAndValidation(t *testing.T) {
	store := NewLocalStore()
	ctx := context.Background()

	if err := store.Put(ctx, "  ", []byte("v"), 0); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if err := store.Delete(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_ = store.Put(ctx, "k", []byte("v"), 0)
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !IsNotFound(err) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}
}

func TestLocalStoreKeysStopsEarly(t *testing.T) {
	store := NewLocalStore()
	ctx := context.Background()
	for _, key := range []string{"p:a", "p:b", "p:c", "q:a"} {
		_ = store.Put(ctx, key, []byte("v"), 0)
	}
	var seen []string
	for key, err := range store.Keys(ctx, "p:") {
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		seen = append(seen, key)
		if len(seen) == 2 {
			break
		}
	}
	if len(seen) != 2 || seen[0] != "p:a" || seen[1] != "p:b" {
		t.Fatalf("unexpected keys: %v", seen)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	for _, err := range store.Keys(canceled, "p:") {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled error, got %v", err)
		}
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Address: server.Addr(), Namespace: "test:"})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func TestRedisStoreOperations(t *testing.T) {
	store, server := newRedisStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "session:s1:meta", []byte(`{"id":"s1"}`), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "session:s1:ctx:research:latest", []byte(`{}`), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "session:s2:meta", []byte(`{}`), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !server.Exists("test:session:s1:meta") {
		t.Fatalf("expected namespaced key in redis")
	}

	got, err := store.Get(ctx, "session:s1:meta")
	if err != nil || string(got) != `{"id":"s1"}` {
		t.Fatalf("get = %q, %v", got, err)
	}
	if _, err := store.Get(ctx, "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	keys, err := CollectKeys(ctx, store, "session:s1:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}

	server.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "session:s1:meta"); !IsNotFound(err) {
		t.Fatalf("expected ttl expiry, got %v", err)
	}
	if err := store.Delete(ctx, "session:s2:meta"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "session:s2:meta"); !IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestRedisStoreDefaultNamespace(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	defer store.Close()

	if err := store.Put(context.Background(), "session:s1:meta", []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got, err := server.Get("memory:session:s1:meta"); err != nil || got != "v" {
		t.Fatalf("expected key under memory: namespace, got %q %v (keys %v)", got, err, server.Keys())
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := NewRedisStore(context.Background(), RedisConfig{Address: addr, DialTimeout: 200 * time.Millisecond})
	if !IsUnavailable(err) {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}
}

func TestRedisStoreServerErrorIsUnavailable(t *testing.T) {
	store, server := newRedisStore(t)
	server.SetError("LOADING")
	if _, err := store.Get(context.Background(), "k"); !IsUnavailable(err) {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}
}

func TestDegradingStoreStartupUnreachable(t *testing.T) {
	rec := &events.Recorder{}
	store := NewDegradingStore(nil, errors.New("dial tcp: connection refused"),
		WithEventSink(rec), WithBackendName("redis"))
	ctx := context.Background()

	health := store.Health()
	if !health.Degraded || health.Backend != "redis" || health.LastError == "" {
		t.Fatalf("unexpected health: %+v", health)
	}
	if n := len(rec.Events(events.KindStoreDegraded)); n != 1 {
		t.Fatalf("expected one degraded event, got %d", n)
	}

	if err := store.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if !store.Degraded() {
		t.Fatalf("startup degradation lasts for the process lifetime")
	}
}

func TestDegradingStoreWithoutPrimaryIsPlainLocal(t *testing.T) {
	store := NewDegradingStore(nil, nil)
	if store.Degraded() {
		t.Fatalf("memory-only configuration is not degraded")
	}
	if store.Health().Backend != "memory" {
		t.Fatalf("unexpected backend %q", store.Health().Backend)
	}
}

func TestDegradingStoreRuntimeFailureAndRecovery(t *testing.T) {
	primary, server := newRedisStore(t)
	clock := newFakeClock()
	rec := &events.Recorder{}
	store := NewDegradingStore(primary, nil,
		WithEventSink(rec), WithCooldown(5*time.Second), WithClock(clock.Now))
	ctx := context.Background()

	if err := store.Put(ctx, "before", []byte("1"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if store.Degraded() {
		t.Fatalf("healthy primary must not be degraded")
	}

	server.SetError("READONLY")
	if err := store.Put(ctx, "during", []byte("2"), 0); err != nil {
		t.Fatalf("put during outage must be served locally: %v", err)
	}
	if !store.Degraded() {
		t.Fatalf("expected degraded after primary failure")
	}
	got, err := store.Get(ctx, "during")
	if err != nil || string(got) != "2" {
		t.Fatalf("get during outage = %q, %v", got, err)
	}

	server.SetError("")
	clock.Advance(6 * time.Second)
	got, err = store.Get(ctx, "during")
	if err != nil || string(got) != "2" {
		t.Fatalf("locally written record must survive recovery, got %q, %v", got, err)
	}
	if store.Degraded() {
		t.Fatalf("expected recovery after cooldown")
	}
	if n := len(rec.Events(events.KindStoreDegraded)); n != 1 {
		t.Fatalf("expected one degraded event, got %d", n)
	}
	if n := len(rec.Events(events.KindStoreRecovered)); n != 1 {
		t.Fatalf("expected one recovered event, got %d", n)
	}

	keys, err := CollectKeys(ctx, store, "")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected merged keys from both backends, got %v", keys)
	}
}

func TestDegradingStoreLastWriteWinsAcrossOutage(t *testing.T) {
	primary, server := newRedisStore(t)
	clock := newFakeClock()
	store := NewDegradingStore(primary, nil, WithCooldown(5*time.Second), WithClock(clock.Now))
	ctx := context.Background()

	_ = store.Put(ctx, "session:s1:meta", []byte("old"), 0)
	_ = store.Put(ctx, "session:s1:ctx:gone", []byte("x"), 0)

	server.SetError("READONLY")
	if err := store.Put(ctx, "session:s1:meta", []byte("new"), 0); err != nil {
		t.Fatalf("put during outage: %v", err)
	}
	if err := store.Put(ctx, "session:s1:ctx:short", []byte("ttl"), time.Hour); err != nil {
		t.Fatalf("put with ttl during outage: %v", err)
	}
	if err := store.Delete(ctx, "session:s1:ctx:gone"); err != nil {
		t.Fatalf("delete during outage must not surface the outage: %v", err)
	}
	if store.Pending() != 3 {
		t.Fatalf("expected 3 pending records, got %d", store.Pending())
	}

	server.SetError("")
	clock.Advance(6 * time.Second)

	got, err := store.Get(ctx, "session:s1:meta")
	if err != nil || string(got) != "new" {
		t.Fatalf("get after recovery = %q, %v", got, err)
	}
	if _, err := store.Get(ctx, "session:s1:ctx:gone"); !IsNotFound(err) {
		t.Fatalf("deleted key must stay deleted after recovery, got %v", err)
	}
	if store.Degraded() || store.Pending() != 0 {
		t.Fatalf("expected recovered store without pending records, degraded=%v pending=%d", store.Degraded(), store.Pending())
	}

	if v, _ := server.Get("test:session:s1:meta"); v != "new" {
		t.Fatalf("primary holds %q, want the outage write", v)
	}
	if server.Exists("test:session:s1:ctx:gone") {
		t.Fatalf("outage delete was not applied to the primary")
	}
	if ttl := server.TTL("test:session:s1:ctx:short"); ttl <= 0 {
		t.Fatalf("replayed record lost its ttl: %v", ttl)
	}

	keys, err := CollectKeys(ctx, store, "session:s1:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("unexpected keys after recovery: %v", keys)
	}
}

func TestDegradingStoreReadsOutageWritesBeforeReplay(t *testing.T) {
	primary, server := newRedisStore(t)
	clock := newFakeClock()
	store := NewDegradingStore(primary, nil, WithCooldown(5*time.Second), WithClock(clock.Now))
	ctx := context.Background()

	_ = store.Put(ctx, "k", []byte("old"), 0)
	server.SetError("READONLY")
	_ = store.Put(ctx, "k", []byte("new"), 0)
	_ = store.Delete(ctx, "k2")

	// 冷却结束但持久后端仍不可用：回放失败，读到的仍是降级期间的写入。
	clock.Advance(6 * time.Second)
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "new" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if !store.Degraded() || store.Pending() != 2 {
		t.Fatalf("failed replay must keep pending records, degraded=%v pending=%d", store.Degraded(), store.Pending())
	}
}

func TestDegradingStoreSkipsPrimaryDuringCooldown(t *testing.T) {
	primary, server := newRedisStore(t)
	clock := newFakeClock()
	store := NewDegradingStore(primary, nil, WithCooldown(time.Minute), WithClock(clock.Now))
	ctx := context.Background()

	server.SetError("LOADING")
	_ = store.Put(ctx, "k", []byte("local"), 0)
	server.SetError("")

	clock.Advance(10 * time.Second)
	if err := store.Put(ctx, "k2", []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if server.Exists("test:k2") {
		t.Fatalf("primary must be skipped while cooling down")
	}
	if !store.Degraded() {
		t.Fatalf("still degraded during cooldown")
	}
}

func TestDegradingStoreDelete(t *testing.T) {
	store := NewDegradingStore(nil, nil)
	ctx := context.Background()
	if err := store.Delete(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_ = store.Put(ctx, "k", []byte("v"), 0)
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
