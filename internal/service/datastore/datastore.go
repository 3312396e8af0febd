// Package datastore emulates the datastore_v3 API on SQLite with a
// pseudo-random high replication consistency model.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lsm/testbed/internal/service"
)

// ServiceName is the datastore service name in request envelopes.
const ServiceName = "datastore_v3"

// Application error codes.
const (
	ErrCodeBadRequest    int32 = 1
	ErrCodeInternalError int32 = 3
)

// maxAllocateSize bounds a single AllocateIds request.
const maxAllocateSize = 1 << 30

// Config holds datastore settings.
type Config struct {
	Path   string
	Policy ConsistencyPolicy
}

// Service is the datastore emulation of one session.
type Service struct {
	service.Mux
	store  *store
	logger *slog.Logger
}

// New opens a fresh, empty datastore.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = NewPseudoRandomHRConsistencyPolicy(1.0, 0)
	}
	st, err := openStore(cfg.Path, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}

	s := &Service{store: st, logger: logger}
	s.Handle("Put", service.Method(s.put))
	s.Handle("Get", service.Method(s.get))
	s.Handle("Delete", service.Method(s.delete))
	s.Handle("AllocateIds", service.Method(s.allocateIDs))
	s.Handle("RunQuery", service.Method(s.runQuery))
	return s, nil
}

// Name implements service.Service.
func (s *Service) Name() string { return ServiceName }

// Call implements service.Service.
func (s *Service) Call(ctx context.Context, method string, in []byte) ([]byte, error) {
	return s.Dispatch(ctx, ServiceName, method, in)
}

// Close implements service.Service.
func (s *Service) Close() error {
	return s.store.close()
}

// PutRequest stores entities. Incomplete keys are completed with
// allocated ids.
type PutRequest struct {
	Entities []Entity `json:"entities"`
}

// PutResponse returns the stored keys in request order.
type PutResponse struct {
	Keys []Key `json:"keys"`
}

func (s *Service) put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	for _, e := range req.Entities {
		if err := e.Key.validate(true); err != nil {
			return nil, badRequest(err)
		}
	}
	keys, err := s.store.put(ctx, req.Entities)
	if err != nil {
		return nil, storeError(err)
	}
	s.logger.Debug("entities stored", "count", len(keys))
	return &PutResponse{Keys: keys}, nil
}

// GetRequest looks up entities by key.
type GetRequest struct {
	Keys []Key `json:"keys"`
}

// GetResponse holds one entry per requested key, null when not found.
type GetResponse struct {
	Entities []*Entity `json:"entities"`
}

func (s *Service) get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	if err := validateKeys(req.Keys); err != nil {
		return nil, err
	}
	found, err := s.store.get(ctx, req.Keys)
	if err != nil {
		return nil, internalError(err)
	}
	return &GetResponse{Entities: found}, nil
}

// DeleteRequest removes entities by key. Missing keys are ignored.
type DeleteRequest struct {
	Keys []Key `json:"keys"`
}

func (s *Service) delete(ctx context.Context, req *DeleteRequest) (*service.Empty, error) {
	if err := validateKeys(req.Keys); err != nil {
		return nil, err
	}
	if err := s.store.delete(ctx, req.Keys); err != nil {
		return nil, internalError(err)
	}
	return &service.Empty{}, nil
}

// AllocateIdsRequest reserves a block of ids.
type AllocateIdsRequest struct {
	Key  *Key  `json:"key,omitempty"`
	Size int64 `json:"size"`
}

// AllocateIdsResponse is the inclusive range of reserved ids.
type AllocateIdsResponse struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (s *Service) allocateIDs(ctx context.Context, req *AllocateIdsRequest) (*AllocateIdsResponse, error) {
	if req.Size <= 0 || req.Size > maxAllocateSize {
		return nil, service.NewApplicationError(ErrCodeBadRequest, "size must be in [1, %d], got %d", maxAllocateSize, req.Size)
	}
	if req.Key != nil {
		if err := req.Key.validate(true); err != nil {
			return nil, badRequest(err)
		}
	}
	start, end, err := s.store.allocateIDs(ctx, req.Size)
	if err != nil {
		return nil, storeError(err)
	}
	return &AllocateIdsResponse{Start: start, End: end}, nil
}

// QueryRequest selects entities. Queries with an ancestor are strongly
// consistent; all others see the state allowed by the consistency policy.
type QueryRequest struct {
	Kind      string   `json:"kind,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
	Ancestor  *Key     `json:"ancestor,omitempty"`
	Filters   []Filter `json:"filters,omitempty"`
	Orders    []Order  `json:"orders,omitempty"`
	Offset    int      `json:"offset,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	KeysOnly  bool     `json:"keysOnly,omitempty"`
}

// QueryResponse holds the matching entities. Properties are omitted for
// keys-only queries.
type QueryResponse struct {
	Entities []Entity `json:"entities"`
}

func (s *Service) runQuery(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if req.Offset < 0 || req.Limit < 0 {
		return nil, service.NewApplicationError(ErrCodeBadRequest, "offset and limit must not be negative")
	}
	for _, f := range req.Filters {
		if err := f.validate(); err != nil {
			return nil, badRequest(err)
		}
	}
	for _, o := range req.Orders {
		if err := o.validate(); err != nil {
			return nil, badRequest(err)
		}
	}

	var (
		candidates []Entity
		err        error
	)
	if req.Ancestor != nil {
		if err := req.Ancestor.validate(false); err != nil {
			return nil, badRequest(fmt.Errorf("ancestor: %w", err))
		}
		if req.Ancestor.Namespace != req.Namespace {
			return nil, service.NewApplicationError(ErrCodeBadRequest, "ancestor namespace %q does not match query namespace %q", req.Ancestor.Namespace, req.Namespace)
		}
		candidates, err = s.store.scanGroup(ctx, req.Ancestor.Root().encode(), req.Kind)
		if err != nil {
			return nil, internalError(err)
		}
		candidates = descendants(candidates, req.Ancestor.encode())
	} else {
		if err := s.store.rollPending(ctx); err != nil {
			return nil, internalError(err)
		}
		candidates, err = s.store.scanVisible(ctx, req.Namespace, req.Kind)
		if err != nil {
			return nil, internalError(err)
		}
	}

	results := applyQuery(candidates, req.Filters, req.Orders, req.Offset, req.Limit)
	if req.KeysOnly {
		for i := range results {
			results[i].Properties = nil
		}
	}
	if results == nil {
		results = []Entity{}
	}
	return &QueryResponse{Entities: results}, nil
}

func descendants(entities []Entity, ancestor string) []Entity {
	var out []Entity
	for _, e := range entities {
		path := e.Key.encode()
		if len(path) >= len(ancestor) && path[:len(ancestor)] == ancestor {
			out = append(out, e)
		}
	}
	return out
}

func validateKeys(keys []Key) error {
	for _, k := range keys {
		if err := k.validate(false); err != nil {
			return badRequest(err)
		}
	}
	return nil
}

func badRequest(err error) error {
	return &service.ApplicationError{Code: ErrCodeBadRequest, Detail: err.Error()}
}

// storeError maps an exhausted id space to BAD_REQUEST and any other
// storage failure to INTERNAL_ERROR.
func storeError(err error) error {
	if errors.Is(err, errIDSpace) {
		return badRequest(err)
	}
	return internalError(err)
}

func internalError(err error) error {
	return &service.ApplicationError{Code: ErrCodeInternalError, Detail: err.Error()}
}
