// Package session manages the lifecycle of the emulation environment: the
// set of service instances that back API calls between two resets.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/testbed/internal/config"
	"github.com/lsm/testbed/internal/observability"
	"github.com/lsm/testbed/internal/retry"
	"github.com/lsm/testbed/internal/service"
	"github.com/lsm/testbed/internal/service/datastore"
	"github.com/lsm/testbed/internal/service/images"
	"github.com/lsm/testbed/internal/service/mail"
	"github.com/lsm/testbed/internal/service/memcache"
	"github.com/lsm/testbed/internal/service/taskqueue"
	"github.com/lsm/testbed/internal/service/urlfetch"
	"github.com/lsm/testbed/internal/tracing"
)

// ErrActive is returned by Start when a session is already live.
var ErrActive = errors.New("session already active")

// Environment is the set of services of one session.
type Environment struct {
	services map[string]service.Service
	order    []string
}

func (e *Environment) add(s service.Service) {
	e.services[s.Name()] = s
	e.order = append(e.order, s.Name())
}

// Service returns the named service.
func (e *Environment) Service(name string) (service.Service, bool) {
	s, ok := e.services[name]
	return s, ok
}

// Names returns the service names in activation order.
func (e *Environment) Names() []string {
	return slices.Clone(e.order)
}

// close shuts services down in reverse activation order.
func (e *Environment) close() error {
	var errs []error
	for i := len(e.order) - 1; i >= 0; i-- {
		name := e.order[i]
		if err := e.services[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Manager owns the live environment. It is safe for concurrent use.
type Manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu  sync.Mutex
	env *Environment
}

// NewManager creates a manager without a live session.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// SetMetrics sets the metrics updated on session changes.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// SetTracer sets the tracer passed to services and used for resets.
func (m *Manager) SetTracer(tracer trace.Tracer) {
	m.tracer = tracer
}

// Start activates a fresh environment with every service enabled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(ctx)
}

func (m *Manager) start(ctx context.Context) error {
	if m.env != nil {
		return ErrActive
	}
	env, err := m.build(ctx)
	if err != nil {
		return fmt.Errorf("activate environment: %w", err)
	}
	m.env = env
	if m.metrics != nil {
		m.metrics.SessionStarts.Inc()
	}
	m.logger.Info("session started",
		"app_id", m.cfg.AppID,
		"root", m.cfg.Root,
		"services", env.Names(),
		"consistency_probability", m.cfg.Datastore.Consistency.Probability,
	)
	return nil
}

// Stop deactivates the environment and releases all service state. It is
// a no-op without a live session.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop()
}

func (m *Manager) stop() error {
	if m.env == nil {
		return nil
	}
	env := m.env
	m.env = nil
	if err := env.close(); err != nil {
		return fmt.Errorf("deactivate environment: %w", err)
	}
	m.logger.Info("session stopped")
	return nil
}

// Reset stops the live session, if any, and starts a fresh one.
func (m *Manager) Reset(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, m.tracer, tracing.SpanReset)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stop(); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	if err := m.start(ctx); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	if m.metrics != nil {
		m.metrics.SessionResets.Inc()
	}
	tracing.SetSpanOK(span)
	return nil
}

// Active reports whether a session is live.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.env != nil
}

// Service looks up a service in the live environment.
func (m *Manager) Service(name string) (service.Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.env == nil {
		return nil, false
	}
	return m.env.Service(name)
}

func (m *Manager) build(ctx context.Context) (env *Environment, err error) {
	cfg := m.cfg
	env = &Environment{services: make(map[string]service.Service)}
	defer func() {
		if err != nil {
			if closeErr := env.close(); closeErr != nil {
				m.logger.Warn("cleanup after failed activation", "error", closeErr)
			}
		}
	}()

	dsPath := cfg.Datastore.Path
	if dsPath != "" && dsPath != ":memory:" {
		dsPath = cfg.ResolvePath(dsPath)
	}
	ds, err := datastore.New(datastore.Config{
		Path:   dsPath,
		Policy: datastore.NewPseudoRandomHRConsistencyPolicy(cfg.Datastore.Consistency.Probability, cfg.Datastore.Consistency.Seed),
	}, m.logger.With("service", datastore.ServiceName))
	if err != nil {
		return env, err
	}
	env.add(ds)

	mc, err := memcache.New(ctx, memcache.Config{
		Backend:   cfg.Memcache.Backend,
		Capacity:  cfg.Memcache.Capacity,
		RedisAddr: cfg.Memcache.Redis.Addr,
		RedisDB:   cfg.Memcache.Redis.DB,
	}, m.logger.With("service", memcache.ServiceName))
	if err != nil {
		return env, err
	}
	env.add(mc)

	env.add(images.New(m.logger.With("service", images.ServiceName)))

	env.add(mail.New(mail.Config{
		Admins:            cfg.Mail.Admins,
		LogBodies:         cfg.Mail.LogBodies,
		AuthorizedSenders: cfg.Mail.AuthorizedSenders,
	}, m.logger.With("service", mail.ServiceName)))

	tq, err := taskqueue.New(taskqueue.Config{
		QueueFile: cfg.ResolvePath(cfg.TaskQueue.QueueFile),
		Watch:     cfg.TaskQueue.Watch,
	}, m.logger.With("service", taskqueue.ServiceName))
	if err != nil {
		return env, err
	}
	env.add(tq)

	env.add(urlfetch.New(urlfetch.Config{
		Timeout:          cfg.URLFetch.Timeout,
		MaxResponseBytes: cfg.URLFetch.MaxResponseBytes,
		RPS:              cfg.URLFetch.RateLimit.RPS,
		Burst:            cfg.URLFetch.RateLimit.Burst,
		HostLimits:       hostLimits(cfg.URLFetch.RateLimit.Hosts),
		Retry: retry.Config{
			MaxAttempts:     cfg.URLFetch.Retry.MaxAttempts,
			InitialInterval: cfg.URLFetch.Retry.InitialInterval,
			MaxInterval:     cfg.URLFetch.Retry.MaxInterval,
			Jitter:          0.2,
		},
		Tracer: m.tracer,
	}, m.logger.With("service", urlfetch.ServiceName)))

	return env, nil
}

func hostLimits(hosts map[string]config.HostRateLimit) map[string]urlfetch.HostLimit {
	if len(hosts) == 0 {
		return nil
	}
	out := make(map[string]urlfetch.HostLimit, len(hosts))
	for host, hl := range hosts {
		out[host] = urlfetch.HostLimit{RPS: hl.RPS, Burst: hl.Burst}
	}
	return out
}
