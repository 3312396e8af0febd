package memcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTestDB = 15

// redisAddr returns the Redis server used by backend tests, skipping the
// test when none is configured.
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("TESTBED_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TESTBED_TEST_REDIS_ADDR not set")
	}
	return addr
}

func TestRedis_FlushesOnStartAndClose(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()

	raw := redis.NewClient(&redis.Options{Addr: addr, DB: redisTestDB})
	defer raw.Close()
	if err := raw.Set(ctx, "stale", "x", 0).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, err := New(ctx, Config{Backend: BackendRedis, RedisAddr: addr, RedisDB: redisTestDB}, nil)
	if err != nil {
		t.Fatalf("new memcache: %v", err)
	}
	if n, _ := raw.DBSize(ctx).Result(); n != 0 {
		t.Errorf("expected an empty database after start, got %d keys", n)
	}

	call[SetResponse](t, s, "Set", SetRequest{Items: []SetItem{{Key: "k", Value: []byte("v")}}})
	if n, _ := raw.DBSize(ctx).Result(); n != 1 {
		t.Errorf("expected 1 key, got %d", n)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n, _ := raw.DBSize(ctx).Result(); n != 0 {
		t.Errorf("expected an empty database after close, got %d keys", n)
	}
}

func TestRedis_SetGetWithTTL(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}

	s, err := New(ctx, Config{Backend: BackendRedis, RedisAddr: addr, RedisDB: redisTestDB, Clock: clock.Now}, nil)
	if err != nil {
		t.Fatalf("new memcache: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	set := call[SetResponse](t, s, "Set", SetRequest{Namespace: "ns", Items: []SetItem{
		{Key: "short", Value: []byte("a"), Flags: 7, Expiration: 60},
		{Key: "forever", Value: []byte("b")},
	}})
	for i, st := range set.Statuses {
		if st != StatusStored {
			t.Fatalf("item %d: expected STORED, got %s", i, st)
		}
	}

	got := call[GetResponse](t, s, "Get", GetRequest{Namespace: "ns", Keys: []string{"short", "forever", "missing"}})
	if len(got.Items) != 2 || got.Items[0].Flags != 7 || string(got.Items[1].Value) != "b" {
		t.Fatalf("unexpected items: %+v", got.Items)
	}

	raw := redis.NewClient(&redis.Options{Addr: addr, DB: redisTestDB})
	defer raw.Close()
	keys, err := raw.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	var withTTL int
	for _, k := range keys {
		ttl, err := raw.TTL(ctx, k).Result()
		if err != nil {
			t.Fatalf("ttl: %v", err)
		}
		if ttl > 0 {
			withTTL++
			if ttl > time.Minute {
				t.Errorf("expected a ttl of at most a minute, got %s", ttl)
			}
		}
	}
	if withTTL != 1 {
		t.Errorf("expected exactly one key with a ttl, got %d", withTTL)
	}

	stats := call[StatsResponse](t, s, "Stats", struct{}{})
	if stats.Items != 2 || stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRedis_UnreachableServer(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: BackendRedis, RedisAddr: "127.0.0.1:1"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unreachable redis server")
	}
}
