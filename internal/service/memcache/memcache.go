// Package memcache emulates the memcache API on an in-process LRU cache or
// a dedicated Redis database.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lsm/testbed/internal/service"
)

// ServiceName is the memcache service name in request envelopes.
const ServiceName = "memcache"

// Application error codes.
const (
	ErrCodeUnspecified  int32 = 1
	ErrCodeInvalidValue int32 = 6
)

const (
	defaultCapacity = 10000

	maxKeyLength = 250
	maxValueSize = 1 << 20

	// Expirations up to this many seconds are relative to now, larger
	// values are absolute unix times.
	maxRelativeExpiration = 30 * 24 * 60 * 60
)

// Set policies.
const (
	PolicySet     = "set"
	PolicyAdd     = "add"
	PolicyReplace = "replace"
)

// Set and delete statuses.
const (
	StatusStored    = "STORED"
	StatusNotStored = "NOT_STORED"
	StatusError     = "ERROR"
	StatusDeleted   = "DELETED"
	StatusNotFound  = "NOT_FOUND"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds memcache settings.
type Config struct {
	Backend   string
	Capacity  int
	RedisAddr string
	RedisDB   int

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Service is the memcache emulation of one session.
type Service struct {
	service.Mux
	mu     sync.Mutex
	store  Store
	now    func() time.Time
	logger *slog.Logger

	hits     uint64
	misses   uint64
	byteHits uint64
}

// New creates an empty cache on the configured backend.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	var (
		st  Store
		err error
	)
	switch cfg.Backend {
	case "", BackendMemory:
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = defaultCapacity
		}
		st, err = newLRUStore(capacity, now)
	case BackendRedis:
		st, err = newRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB, now)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("memcache: %w", err)
	}

	s := &Service{store: st, now: now, logger: logger}
	s.Handle("Get", service.Method(s.get))
	s.Handle("Set", service.Method(s.set))
	s.Handle("Delete", service.Method(s.delete))
	s.Handle("Increment", service.Method(s.increment))
	s.Handle("FlushAll", service.Method(s.flushAll))
	s.Handle("Stats", service.Method(s.stats))
	return s, nil
}

// Name implements service.Service.
func (s *Service) Name() string { return ServiceName }

// Call implements service.Service.
func (s *Service) Call(ctx context.Context, method string, in []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Dispatch(ctx, ServiceName, method, in)
}

// Close implements service.Service.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Close()
}

// Item is a cached value.
type Item struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	Flags uint32 `json:"flags,omitempty"`
}

// GetRequest looks up keys in a namespace.
type GetRequest struct {
	Namespace string   `json:"namespace,omitempty"`
	Keys      []string `json:"keys"`
}

// GetResponse holds the items that were found, in request order.
type GetResponse struct {
	Items []Item `json:"items"`
}

func (s *Service) get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	resp := &GetResponse{Items: []Item{}}
	for _, key := range req.Keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
		e, err := s.store.Get(ctx, storageKey(req.Namespace, key))
		if errors.Is(err, errMiss) {
			s.misses++
			continue
		}
		if err != nil {
			return nil, backendError(err)
		}
		s.hits++
		s.byteHits += uint64(len(e.Value))
		resp.Items = append(resp.Items, Item{Key: key, Value: e.Value, Flags: e.Flags})
	}
	return resp, nil
}

// SetItem is an item to store. Expiration is in seconds: zero never
// expires, values up to 30 days are relative, larger values are absolute
// unix times.
type SetItem struct {
	Key        string `json:"key"`
	Value      []byte `json:"value"`
	Flags      uint32 `json:"flags,omitempty"`
	Expiration int64  `json:"expiration,omitempty"`
	Policy     string `json:"policy,omitempty"`
}

// SetRequest stores items in a namespace.
type SetRequest struct {
	Namespace string    `json:"namespace,omitempty"`
	Items     []SetItem `json:"items"`
}

// SetResponse holds one status per item.
type SetResponse struct {
	Statuses []string `json:"statuses"`
}

func (s *Service) set(ctx context.Context, req *SetRequest) (*SetResponse, error) {
	for _, it := range req.Items {
		if err := validateKey(it.Key); err != nil {
			return nil, err
		}
		if it.Expiration < 0 {
			return nil, service.NewApplicationError(ErrCodeInvalidValue, "negative expiration %d for key %q", it.Expiration, it.Key)
		}
		switch it.Policy {
		case "", PolicySet, PolicyAdd, PolicyReplace:
		default:
			return nil, service.NewApplicationError(ErrCodeUnspecified, "unknown set policy %q", it.Policy)
		}
	}

	resp := &SetResponse{Statuses: make([]string, len(req.Items))}
	for i, it := range req.Items {
		status, err := s.setOne(ctx, req.Namespace, it)
		if err != nil {
			return nil, backendError(err)
		}
		resp.Statuses[i] = status
	}
	return resp, nil
}

func (s *Service) setOne(ctx context.Context, namespace string, it SetItem) (string, error) {
	if len(it.Value) > maxValueSize {
		return StatusError, nil
	}
	key := storageKey(namespace, it.Key)

	if it.Policy == PolicyAdd || it.Policy == PolicyReplace {
		_, err := s.store.Get(ctx, key)
		exists := err == nil
		if err != nil && !errors.Is(err, errMiss) {
			return "", err
		}
		if (it.Policy == PolicyAdd) == exists {
			return StatusNotStored, nil
		}
	}

	e := &entry{Value: it.Value, Flags: it.Flags, Expires: s.expiresAt(it.Expiration)}
	if err := s.store.Set(ctx, key, e); err != nil {
		return "", err
	}
	return StatusStored, nil
}

func (s *Service) expiresAt(expiration int64) time.Time {
	switch {
	case expiration == 0:
		return time.Time{}
	case expiration <= maxRelativeExpiration:
		return s.now().Add(time.Duration(expiration) * time.Second)
	default:
		return time.Unix(expiration, 0)
	}
}

// DeleteRequest removes keys from a namespace.
type DeleteRequest struct {
	Namespace string   `json:"namespace,omitempty"`
	Keys      []string `json:"keys"`
}

// DeleteResponse holds one status per key.
type DeleteResponse struct {
	Statuses []string `json:"statuses"`
}

func (s *Service) delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	for _, key := range req.Keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}
	resp := &DeleteResponse{Statuses: make([]string, len(req.Keys))}
	for i, key := range req.Keys {
		ok, err := s.store.Delete(ctx, storageKey(req.Namespace, key))
		if err != nil {
			return nil, backendError(err)
		}
		resp.Statuses[i] = StatusNotFound
		if ok {
			resp.Statuses[i] = StatusDeleted
		}
	}
	return resp, nil
}

// IncrementRequest adds delta to a decimal counter. A missing key is
// created from InitialValue when set. Decrements stop at zero and
// increments wrap around at 2^64.
type IncrementRequest struct {
	Namespace    string  `json:"namespace,omitempty"`
	Key          string  `json:"key"`
	Delta        int64   `json:"delta"`
	InitialValue *uint64 `json:"initialValue,omitempty"`
}

// IncrementResponse holds the new value, or nothing if the key was
// missing and no initial value was given.
type IncrementResponse struct {
	NewValue *uint64 `json:"newValue,omitempty"`
}

func (s *Service) increment(ctx context.Context, req *IncrementRequest) (*IncrementResponse, error) {
	if err := validateKey(req.Key); err != nil {
		return nil, err
	}
	key := storageKey(req.Namespace, req.Key)

	e, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, errMiss):
		if req.InitialValue == nil {
			return &IncrementResponse{}, nil
		}
		e = &entry{Value: []byte(strconv.FormatUint(*req.InitialValue, 10))}
	case err != nil:
		return nil, backendError(err)
	}

	current, err := strconv.ParseUint(string(e.Value), 10, 64)
	if err != nil {
		return nil, service.NewApplicationError(ErrCodeInvalidValue, "value of key %q is not an unsigned integer", req.Key)
	}

	next := current
	if req.Delta >= 0 {
		next += uint64(req.Delta)
	} else if d := uint64(-req.Delta); d >= current {
		next = 0
	} else {
		next -= d
	}

	updated := &entry{Value: []byte(strconv.FormatUint(next, 10)), Flags: e.Flags, Expires: e.Expires}
	if err := s.store.Set(ctx, key, updated); err != nil {
		return nil, backendError(err)
	}
	return &IncrementResponse{NewValue: &next}, nil
}

func (s *Service) flushAll(ctx context.Context, _ *service.Empty) (*service.Empty, error) {
	if err := s.store.Flush(ctx); err != nil {
		return nil, backendError(err)
	}
	s.logger.Debug("memcache flushed")
	return &service.Empty{}, nil
}

// StatsResponse reports cache statistics since the session started.
type StatsResponse struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	ByteHits uint64 `json:"byteHits"`
	Items    int    `json:"items"`
}

func (s *Service) stats(ctx context.Context, _ *service.Empty) (*StatsResponse, error) {
	n, err := s.store.Len(ctx)
	if err != nil {
		return nil, backendError(err)
	}
	return &StatsResponse{Hits: s.hits, Misses: s.misses, ByteHits: s.byteHits, Items: n}, nil
}

func validateKey(key string) error {
	if key == "" {
		return service.NewApplicationError(ErrCodeInvalidValue, "key must not be empty")
	}
	if len(key) > maxKeyLength {
		return service.NewApplicationError(ErrCodeInvalidValue, "key of %d bytes exceeds the %d byte limit", len(key), maxKeyLength)
	}
	return nil
}

// storageKey scopes key to namespace. The length prefix keeps distinct
// (namespace, key) pairs from colliding.
func storageKey(namespace, key string) string {
	return strconv.Itoa(len(namespace)) + ":" + namespace + ":" + key
}

func backendError(err error) error {
	return &service.ApplicationError{Code: ErrCodeUnspecified, Detail: err.Error()}
}
