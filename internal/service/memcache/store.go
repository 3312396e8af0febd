package memcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
)

// entry is a stored value with its metadata.
type entry struct {
	Value   []byte    `json:"value"`
	Flags   uint32    `json:"flags,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

func (e *entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// Store is the backing storage of the memcache service. Implementations
// need not be safe for concurrent use; the service serializes access.
type Store interface {
	Get(ctx context.Context, key string) (*entry, error)
	Set(ctx context.Context, key string, e *entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// errMiss is returned by Store.Get when a key is absent or expired.
var errMiss = errors.New("cache miss")

// lruStore keeps entries in a bounded in-process LRU cache. Expired
// entries are removed lazily on access.
type lruStore struct {
	cache *lru.Cache
	now   func() time.Time
}

func newLRUStore(capacity int, now func() time.Time) (*lruStore, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &lruStore{cache: cache, now: now}, nil
}

func (s *lruStore) Get(_ context.Context, key string) (*entry, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, errMiss
	}
	e := v.(*entry)
	if e.expired(s.now()) {
		s.cache.Remove(key)
		return nil, errMiss
	}
	return e, nil
}

func (s *lruStore) Set(_ context.Context, key string, e *entry) error {
	s.cache.Add(key, e)
	return nil
}

func (s *lruStore) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return false, nil
	}
	return s.cache.Remove(key), nil
}

func (s *lruStore) Flush(context.Context) error {
	s.cache.Purge()
	return nil
}

func (s *lruStore) Len(context.Context) (int, error) {
	return s.cache.Len(), nil
}

func (s *lruStore) Close() error {
	s.cache.Purge()
	return nil
}

// redisStore keeps entries in a Redis database. Expiration is delegated to
// Redis key TTLs. The database is flushed when the store opens and closes,
// so it must be dedicated to the emulation.
type redisStore struct {
	client *redis.Client
	now    func() time.Time
}

func newRedisStore(ctx context.Context, addr string, db int, now func() time.Time) (*redisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	s := &redisStore{client: client, now: now}
	if err := s.Flush(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (*entry, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cached entry: %w", err)
	}
	return &e, nil
}

func (s *redisStore) Set(ctx context.Context, key string, e *entry) error {
	var ttl time.Duration
	if !e.Expires.IsZero() {
		ttl = e.Expires.Sub(s.now())
		if ttl <= 0 {
			_, err := s.Delete(ctx, key)
			return err
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cached entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

func (s *redisStore) Flush(ctx context.Context) error {
	if err := s.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("redis flushdb: %w", err)
	}
	return nil
}

func (s *redisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis dbsize: %w", err)
	}
	return int(n), nil
}

func (s *redisStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	flushErr := s.Flush(ctx)
	return errors.Join(flushErr, s.client.Close())
}
