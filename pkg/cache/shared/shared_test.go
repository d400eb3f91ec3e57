package shared

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/apicache/pkg/cache"
)

const testPrefix = "apicache-test:"

// setupTestRedis connects to a local Redis on DB 15 and skips the test when
// none is running. Integration tests cover the same paths against a
// container.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func newTestAdapter(t *testing.T, client *redis.Client) *Adapter {
	t.Helper()

	cfg := DefaultConfig(client)
	cfg.Prefix = testPrefix
	cfg.StaleAfter = time.Second

	adapter, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return adapter
}

// setFailer fails SET commands while armed. With once set it disarms after
// the first failure.
type setFailer struct {
	armed atomic.Bool
	once  bool
	fails atomic.Int32
}

func (h *setFailer) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *setFailer) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "set" && h.armed.Load() {
			if h.once {
				h.armed.Store(false)
			}
			h.fails.Add(1)
			err := errors.New("OOM command not allowed when used memory > 'maxmemory'")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *setFailer) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestNew_Unavailable(t *testing.T) {
	unreachable := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer unreachable.Close()

	tests := []struct {
		name   string
		cfg    Config
		reason string
	}{
		{
			name:   "no client",
			cfg:    Config{Enabled: true},
			reason: "no redis client configured",
		},
		{
			name:   "disabled",
			cfg:    Config{Client: unreachable, Enabled: false},
			reason: "disabled by configuration",
		},
		{
			name:   "cli without opt-in",
			cfg:    Config{Client: unreachable, Enabled: true, Mode: ModeCLI},
			reason: "not enabled for cli processes",
		},
		{
			name:   "unreachable",
			cfg:    Config{Client: unreachable, Enabled: true, Mode: ModeCLI, EnableCLI: true},
			reason: "ping failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := New(context.Background(), tt.cfg)
			if err == nil {
				t.Fatalf("New succeeded, adapter = %v", adapter)
			}
			if !errors.Is(err, cache.ErrUnavailable) {
				t.Errorf("error %v does not match ErrUnavailable", err)
			}
			var ue *cache.UnavailableError
			if !errors.As(err, &ue) {
				t.Fatalf("error type = %T, want *cache.UnavailableError", err)
			}
			if ue.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", ue.Reason, tt.reason)
			}
			if ue.Backend != cache.LayerShared {
				t.Errorf("Backend = %q, want %q", ue.Backend, cache.LayerShared)
			}
		})
	}
}

func TestMode_String(t *testing.T) {
	if ModeServer.String() != "server" || ModeCLI.String() != "cli" {
		t.Errorf("Mode strings = %q, %q", ModeServer, ModeCLI)
	}
}

func TestEscape(t *testing.T) {
	tests := []struct {
		in, glob, pattern string
	}{
		{"plain:", "plain:", "plain:"},
		{"a*b", `a\*b`, "a*b"},
		{"q?[x]", `q\?\[x\]`, `q\?\[x\]`},
		{`back\slash`, `back\\slash`, `back\\slash`},
	}

	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.glob {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.glob)
		}
		if got := escapePattern(tt.in); got != tt.pattern {
			t.Errorf("escapePattern(%q) = %q, want %q", tt.in, got, tt.pattern)
		}
	}
}

func TestAdapter_SetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	payload := cache.Payload{"name": "Intro", "credits": 3.0, "tags": []any{"a", "b"}}
	if err := adapter.Set(ctx, "courses:1", payload, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok := adapter.Get(ctx, "courses:1")
	if !ok {
		t.Fatal("Get returned miss")
	}
	if !reflect.DeepEqual(got, payload) {
		t.Errorf("Get = %v, want %v", got, payload)
	}

	// stored under the prefix with no expiry
	ttl, err := client.TTL(ctx, testPrefix+"courses:1").Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl != -1 {
		t.Errorf("TTL = %v, want no expiry", ttl)
	}
}

func TestAdapter_Set_NativeTTL(t *testing.T) {
	client := setupTestRedis(t)
	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	// sub-second TTLs round up to one second
	if err := adapter.Set(ctx, "short", cache.Payload{"v": "x"}, 300*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ttl, err := client.TTL(ctx, testPrefix+"short").Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Second {
		t.Errorf("TTL = %v, want 1s", ttl)
	}

	time.Sleep(1100 * time.Millisecond)

	if adapter.Has(ctx, "short") {
		t.Error("Has after expiry should be false")
	}
	if _, ok := adapter.Get(ctx, "short"); ok {
		t.Error("Get after expiry should miss")
	}
}

func TestAdapter_Get_CorruptValue(t *testing.T) {
	client := setupTestRedis(t)
	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	client.Set(ctx, testPrefix+"bad", "{not json", 0)

	if _, ok := adapter.Get(ctx, "bad"); ok {
		t.Fatal("Get of corrupt value should miss")
	}
	if n := client.Exists(ctx, testPrefix+"bad").Val(); n != 0 {
		t.Error("corrupt value should have been deleted")
	}
}

func TestAdapter_Delete(t *testing.T) {
	client := setupTestRedis(t)
	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	_ = adapter.Set(ctx, "k", cache.Payload{"v": "x"}, 0)

	if !adapter.Delete(ctx, "k") {
		t.Error("Delete of existing key should return true")
	}
	if adapter.Delete(ctx, "k") {
		t.Error("Delete of missing key should return false")
	}
}

func TestAdapter_PrefixIsolation(t *testing.T) {
	client := setupTestRedis(t)
	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	client.Set(ctx, "foreign:user:1:x", "keep", 0)
	client.Set(ctx, "user:1:x", "keep", 0)

	for _, key := range []string{"user:1:x", "user:1:y", "user:2:x"} {
		_ = adapter.Set(ctx, key, cache.Payload{"key": key}, 0)
	}

	n, err := adapter.DeleteByPattern(ctx, "user:1:*")
	if err != nil {
		t.Fatalf("DeleteByPattern failed: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteByPattern removed %d, want 2", n)
	}
	if !adapter.Has(ctx, "user:2:x") {
		t.Error("user:2:x should be intact")
	}

	if err := adapter.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if adapter.Has(ctx, "user:2:x") {
		t.Error("Clear left a prefixed key behind")
	}

	for _, foreign := range []string{"foreign:user:1:x", "user:1:x"} {
		if client.Exists(ctx, foreign).Val() != 1 {
			t.Errorf("key %q outside the prefix was removed", foreign)
		}
	}
}

func TestAdapter_DeleteByPattern_LiteralMetacharacters(t *testing.T) {
	client := setupTestRedis(t)
	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	_ = adapter.Set(ctx, "list[1]?page=2", cache.Payload{}, 0)
	_ = adapter.Set(ctx, "list1?page=2", cache.Payload{}, 0)
	_ = adapter.Set(ctx, "listX?page=2", cache.Payload{}, 0)

	n, err := adapter.DeleteByPattern(ctx, "list[1]?*")
	if err != nil {
		t.Fatalf("DeleteByPattern failed: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteByPattern removed %d, want 1", n)
	}
	if adapter.Has(ctx, "list[1]?page=2") {
		t.Error("literal key should have been removed")
	}
	if !adapter.Has(ctx, "list1?page=2") || !adapter.Has(ctx, "listX?page=2") {
		t.Error("brackets and ? must not act as wildcards")
	}
}

func TestAdapter_Set_EvictsStaleAndRetries(t *testing.T) {
	client := setupTestRedis(t)
	hook := &setFailer{once: true}
	client.AddHook(hook)

	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	_ = adapter.Set(ctx, "old", cache.Payload{"v": "old"}, 0)

	// OBJECT IDLETIME has one-second resolution
	time.Sleep(2100 * time.Millisecond)
	_ = adapter.Set(ctx, "fresh", cache.Payload{"v": "fresh"}, 0)

	hook.armed.Store(true)
	if err := adapter.Set(ctx, "new", cache.Payload{"v": "new"}, 0); err != nil {
		t.Fatalf("Set after eviction failed: %v", err)
	}

	if hook.fails.Load() != 1 {
		t.Errorf("injected failures = %d, want 1", hook.fails.Load())
	}
	if adapter.Has(ctx, "old") {
		t.Error("stale entry should have been evicted")
	}
	if !adapter.Has(ctx, "fresh") {
		t.Error("recently used entry should survive eviction")
	}
	if _, ok := adapter.Get(ctx, "new"); !ok {
		t.Error("retried write should be readable")
	}
}

func TestAdapter_Set_RetryFails(t *testing.T) {
	client := setupTestRedis(t)
	hook := &setFailer{}
	client.AddHook(hook)

	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	hook.armed.Store(true)
	err := adapter.Set(ctx, "k", cache.Payload{"v": "x"}, 0)
	if err == nil {
		t.Fatal("Set should fail when the retry is rejected too")
	}

	var we *cache.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("error type = %T, want *cache.WriteError", err)
	}
	if we.Op != "set" || we.Key != "k" || we.Backend != cache.LayerShared {
		t.Errorf("WriteError = %+v", we)
	}
	if hook.fails.Load() != 2 {
		t.Errorf("SET attempts = %d, want exactly 2", hook.fails.Load())
	}
}

func TestAdapter_StatsAndInfo(t *testing.T) {
	client := setupTestRedis(t)
	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	_ = adapter.Set(ctx, "a", cache.Payload{"v": "a"}, 0)
	_ = adapter.Set(ctx, "b", cache.Payload{"v": "b"}, 0)
	adapter.Get(ctx, "a")
	adapter.Get(ctx, "missing")

	stats := adapter.Stats(ctx)
	if stats.Backend != cache.LayerShared {
		t.Errorf("Backend = %q", stats.Backend)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.EntryCount != 2 {
		t.Errorf("EntryCount = %d, want 2", stats.EntryCount)
	}
	if stats.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want > 0", stats.SizeBytes)
	}

	info, err := adapter.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Prefix != testPrefix || !info.Available {
		t.Errorf("Info = %+v", info)
	}
	if info.EvictionPolicy == "" {
		t.Error("EvictionPolicy should be reported")
	}
}

func TestAdapter_Close(t *testing.T) {
	client := setupTestRedis(t)
	adapter := newTestAdapter(t, client)
	ctx := context.Background()

	_ = adapter.Set(ctx, "k", cache.Payload{"v": "x"}, 0)

	if err := adapter.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if adapter.Available() {
		t.Error("adapter still available after Close")
	}

	// every operation is a no-op now
	if _, ok := adapter.Get(ctx, "k"); ok {
		t.Error("Get after Close should miss")
	}
	if err := adapter.Set(ctx, "k2", cache.Payload{}, 0); err != nil {
		t.Errorf("Set after Close = %v, want nil", err)
	}
	if adapter.Delete(ctx, "k") {
		t.Error("Delete after Close should return false")
	}
	if client.Exists(ctx, testPrefix+"k").Val() != 1 {
		t.Error("Close must not touch stored entries")
	}
	if client.Exists(ctx, testPrefix+"k2").Val() != 0 {
		t.Error("Set after Close must not write")
	}

	// CloseClient is off, the client keeps working
	if err := client.Ping(ctx).Err(); err != nil {
		t.Errorf("client closed unexpectedly: %v", err)
	}
}

func TestParseInfo(t *testing.T) {
	raw := "# Memory\r\nused_memory:1024\r\nmaxmemory:4096\r\nmaxmemory_policy:noeviction\r\n\r\nbogus\r\n"

	fields := parseInfo(raw)
	if fields.int("used_memory") != 1024 {
		t.Errorf("used_memory = %d", fields.int("used_memory"))
	}
	if fields.int("maxmemory") != 4096 {
		t.Errorf("maxmemory = %d", fields.int("maxmemory"))
	}
	if fields["maxmemory_policy"] != "noeviction" {
		t.Errorf("maxmemory_policy = %q", fields["maxmemory_policy"])
	}
	if fields.int("missing") != 0 {
		t.Error("missing field should parse as 0")
	}
	if _, ok := fields["bogus"]; ok {
		t.Error("line without separator should be ignored")
	}
}

func TestKeySet_DeduplicatesScanBatches(t *testing.T) {
	batches := [][]string{
		{testPrefix + "a", testPrefix + "b"},
		{testPrefix + "b", testPrefix + "c"},
		{},
		{testPrefix + "a"},
	}

	seen := make(keySet)
	for _, batch := range batches {
		seen.add(batch)
	}

	if len(seen) != 3 {
		t.Errorf("distinct keys = %d, want 3", len(seen))
	}
}
