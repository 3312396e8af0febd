// Package taskqueue emulates the task queue API. Tasks are validated and
// held in their queues for inspection; they are never executed.
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lsm/testbed/internal/service"
)

// ServiceName is the task queue service name in request envelopes.
const ServiceName = "taskqueue"

// Application error codes.
const (
	ErrCodeUnknownQueue      int32 = 1
	ErrCodeTaskTooLarge      int32 = 4
	ErrCodeInvalidTaskName   int32 = 5
	ErrCodeInvalidQueueName  int32 = 6
	ErrCodeInvalidURL        int32 = 7
	ErrCodeInvalidQueueRate  int32 = 8
	ErrCodeTaskAlreadyExists int32 = 10
	ErrCodeTombstonedTask    int32 = 11
	ErrCodeInvalidETA        int32 = 12
	ErrCodeInvalidRequest    int32 = 13
	ErrCodeUnknownTask       int32 = 14
	ErrCodeInvalidQueueMode  int32 = 21
)

const (
	maxTaskNameLen = 500
	maxETADelta    = 30 * 24 * time.Hour
	maxTaskBytes   = 1 << 20
	defaultMaxRows = 100
)

var methods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead}

// Config holds task queue settings.
type Config struct {
	// QueueFile is the path of queue.yaml.
	QueueFile string
	// Watch reloads QueueFile while the session is live.
	Watch bool
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Task is a queued task.
type Task struct {
	Name    string            `json:"name"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	ETA     time.Time         `json:"eta"`
	Tag     string            `json:"tag,omitempty"`
	Created time.Time         `json:"created"`
}

type queue struct {
	def     QueueDefinition
	limiter *rate.Limiter
	tasks   map[string]*Task
}

func newQueue(def QueueDefinition) *queue {
	// Definitions are validated before they get here.
	limit, _ := ParseRate(def.Rate)
	return &queue{
		def:     def,
		limiter: rate.NewLimiter(limit, def.BucketSize),
		tasks:   make(map[string]*Task),
	}
}

// Service is the task queue emulation of one session.
type Service struct {
	service.Mux
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	queues     map[string]*queue
	tombstones map[string]map[string]bool

	done      chan struct{}
	watchDone chan struct{}
}

// New loads the queue definitions and creates empty queues. The default
// queue is always present.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	var defs []QueueDefinition
	if cfg.QueueFile != "" {
		var err error
		if defs, err = LoadQueueFile(cfg.QueueFile); err != nil {
			return nil, fmt.Errorf("taskqueue: %w", err)
		}
	}

	s := &Service{
		now:        now,
		logger:     logger,
		queues:     make(map[string]*queue),
		tombstones: make(map[string]map[string]bool),
	}
	for _, def := range defs {
		s.queues[def.Name] = newQueue(def)
	}
	if _, ok := s.queues[DefaultQueueName]; !ok {
		def := QueueDefinition{Name: DefaultQueueName}
		_ = def.normalize()
		s.queues[DefaultQueueName] = newQueue(def)
	}
	logger.Info("task queues loaded", "file", cfg.QueueFile, "queues", len(s.queues))

	if cfg.Watch && cfg.QueueFile != "" {
		if err := s.watchQueueFile(cfg.QueueFile); err != nil {
			return nil, fmt.Errorf("taskqueue: %w", err)
		}
	}

	s.Handle("Add", service.Method(s.add))
	s.Handle("Delete", service.Method(s.delete))
	s.Handle("QueryTasks", service.Method(s.queryTasks))
	s.Handle("PurgeQueue", service.Method(s.purgeQueue))
	s.Handle("FetchQueueStats", service.Method(s.fetchQueueStats))
	s.Handle("UpdateQueue", service.Method(s.updateQueue))
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
	s.queues = nil
	s.tombstones = nil
	s.mu.Unlock()

	if s.done != nil {
		close(s.done)
		<-s.watchDone
		s.done = nil
	}
	return nil
}

func (s *Service) lookup(name string) (*queue, error) {
	if name == "" {
		name = DefaultQueueName
	}
	q, ok := s.queues[name]
	if !ok {
		return nil, service.NewApplicationError(ErrCodeUnknownQueue, "unknown queue %q", name)
	}
	return q, nil
}

// AddRequest enqueues a task. An empty TaskName is generated and an empty
// QueueName selects the default queue.
type AddRequest struct {
	QueueName string            `json:"queueName,omitempty"`
	TaskName  string            `json:"taskName,omitempty"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	ETA       *time.Time        `json:"eta,omitempty"`
	Tag       string            `json:"tag,omitempty"`
}

// AddResponse returns the name of the queued task.
type AddResponse struct {
	TaskName string `json:"taskName"`
}

func (s *Service) add(_ context.Context, req *AddRequest) (*AddResponse, error) {
	q, err := s.lookup(req.QueueName)
	if err != nil {
		return nil, err
	}
	now := s.now()

	task := &Task{
		Name:    req.TaskName,
		Payload: req.Payload,
		Headers: req.Headers,
		ETA:     now,
		Tag:     req.Tag,
		Created: now,
	}
	if task.Name == "" {
		task.Name = "task-" + uuid.NewString()
	} else if err := validateTaskName(task.Name); err != nil {
		return nil, err
	}

	if req.ETA != nil {
		if req.ETA.After(now.Add(maxETADelta)) {
			return nil, service.NewApplicationError(ErrCodeInvalidETA, "eta %s is more than %s in the future", req.ETA.Format(time.RFC3339), maxETADelta)
		}
		task.ETA = *req.ETA
	}

	if q.def.Mode == ModePull {
		if req.URL != "" || req.Method != "" {
			return nil, service.NewApplicationError(ErrCodeInvalidQueueMode, "pull queue %q does not take a url or method", q.def.Name)
		}
	} else {
		if err := validateTaskURL(req.URL); err != nil {
			return nil, err
		}
		task.URL = req.URL
		task.Method = strings.ToUpper(req.Method)
		if task.Method == "" {
			task.Method = http.MethodPost
		}
		if !slices.Contains(methods, task.Method) {
			return nil, service.NewApplicationError(ErrCodeInvalidRequest, "unsupported method %q", req.Method)
		}
		if len(task.Payload) > 0 && task.Method != http.MethodPost && task.Method != http.MethodPut {
			return nil, service.NewApplicationError(ErrCodeInvalidRequest, "payload is only allowed for POST and PUT tasks")
		}
	}
	if len(task.Payload) > maxTaskBytes {
		return nil, service.NewApplicationError(ErrCodeTaskTooLarge, "payload of %d bytes exceeds the %d byte limit", len(task.Payload), maxTaskBytes)
	}

	if s.tombstones[q.def.Name][task.Name] {
		return nil, service.NewApplicationError(ErrCodeTombstonedTask, "task %q was deleted from queue %q", task.Name, q.def.Name)
	}
	if _, ok := q.tasks[task.Name]; ok {
		return nil, service.NewApplicationError(ErrCodeTaskAlreadyExists, "task %q already exists in queue %q", task.Name, q.def.Name)
	}
	q.tasks[task.Name] = task

	s.logger.Debug("task added", "queue", q.def.Name, "task", task.Name, "eta", task.ETA)
	return &AddResponse{TaskName: task.Name}, nil
}

func validateTaskName(name string) error {
	if len(name) > maxTaskNameLen {
		return service.NewApplicationError(ErrCodeInvalidTaskName, "task name exceeds %d characters", maxTaskNameLen)
	}
	for _, r := range name {
		if !isNameRune(r) {
			return service.NewApplicationError(ErrCodeInvalidTaskName, "task name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// validateTaskURL accepts a path relative to the application, with an
// optional query string.
func validateTaskURL(raw string) error {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return service.NewApplicationError(ErrCodeInvalidURL, "task url %q must be a path starting with /", raw)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host != "" || u.Fragment != "" {
		return service.NewApplicationError(ErrCodeInvalidURL, "invalid task url %q", raw)
	}
	return nil
}

// DeleteRequest removes a task. Its name stays reserved for the rest of
// the session.
type DeleteRequest struct {
	QueueName string `json:"queueName,omitempty"`
	TaskName  string `json:"taskName"`
}

func (s *Service) delete(_ context.Context, req *DeleteRequest) (*service.Empty, error) {
	q, err := s.lookup(req.QueueName)
	if err != nil {
		return nil, err
	}
	if _, ok := q.tasks[req.TaskName]; !ok {
		if s.tombstones[q.def.Name][req.TaskName] {
			return nil, service.NewApplicationError(ErrCodeTombstonedTask, "task %q was already deleted", req.TaskName)
		}
		return nil, service.NewApplicationError(ErrCodeUnknownTask, "unknown task %q in queue %q", req.TaskName, q.def.Name)
	}
	delete(q.tasks, req.TaskName)

	if s.tombstones[q.def.Name] == nil {
		s.tombstones[q.def.Name] = make(map[string]bool)
	}
	s.tombstones[q.def.Name][req.TaskName] = true
	return &service.Empty{}, nil
}

// QueryTasksRequest lists tasks ordered by ETA, then by name. When
// StartTaskName is set, listing resumes after that task's position in the
// order. StartETA gives the position's ETA; it is required only when the
// task no longer exists.
type QueryTasksRequest struct {
	QueueName     string     `json:"queueName,omitempty"`
	StartTaskName string     `json:"startTaskName,omitempty"`
	StartETA      *time.Time `json:"startEta,omitempty"`
	MaxRows       int        `json:"maxRows,omitempty"`
	Tag           string     `json:"tag,omitempty"`
}

// QueryTasksResponse lists tasks.
type QueryTasksResponse struct {
	Tasks []Task `json:"tasks"`
}

func (s *Service) queryTasks(_ context.Context, req *QueryTasksRequest) (*QueryTasksResponse, error) {
	q, err := s.lookup(req.QueueName)
	if err != nil {
		return nil, err
	}
	if req.MaxRows < 0 {
		return nil, service.NewApplicationError(ErrCodeInvalidRequest, "maxRows must not be negative")
	}
	maxRows := req.MaxRows
	if maxRows == 0 {
		maxRows = defaultMaxRows
	}

	var startETA time.Time
	if req.StartTaskName != "" {
		switch {
		case req.StartETA != nil:
			startETA = *req.StartETA
		case q.tasks[req.StartTaskName] != nil:
			startETA = q.tasks[req.StartTaskName].ETA
		default:
			return nil, service.NewApplicationError(ErrCodeInvalidRequest, "start task %q not found and no start ETA given", req.StartTaskName)
		}
	}

	tasks := q.sorted()
	out := make([]Task, 0, min(len(tasks), maxRows))
	for _, t := range tasks {
		if req.StartTaskName != "" && !after(t, startETA, req.StartTaskName) {
			continue
		}
		if req.Tag != "" && t.Tag != req.Tag {
			continue
		}
		if len(out) == maxRows {
			break
		}
		out = append(out, *t)
	}
	return &QueryTasksResponse{Tasks: out}, nil
}

// after reports whether t sorts after the position (eta, name).
func after(t *Task, eta time.Time, name string) bool {
	if !t.ETA.Equal(eta) {
		return t.ETA.After(eta)
	}
	return t.Name > name
}

func (q *queue) sorted() []*Task {
	tasks := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t)
	}
	slices.SortFunc(tasks, func(a, b *Task) int {
		if c := a.ETA.Compare(b.ETA); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return tasks
}

// PurgeQueueRequest removes every task of a queue. Purged names are not
// reserved.
type PurgeQueueRequest struct {
	QueueName string `json:"queueName,omitempty"`
}

func (s *Service) purgeQueue(_ context.Context, req *PurgeQueueRequest) (*service.Empty, error) {
	q, err := s.lookup(req.QueueName)
	if err != nil {
		return nil, err
	}
	n := len(q.tasks)
	clear(q.tasks)
	s.logger.Debug("queue purged", "queue", q.def.Name, "tasks", n)
	return &service.Empty{}, nil
}

// FetchQueueStatsRequest names the queues to report. No names reports
// every queue.
type FetchQueueStatsRequest struct {
	QueueNames []string `json:"queueNames,omitempty"`
}

// QueueStats describes one queue.
type QueueStats struct {
	QueueName  string           `json:"queueName"`
	Mode       string           `json:"mode"`
	Tasks      int              `json:"tasks"`
	OldestETA  *time.Time       `json:"oldestEta,omitempty"`
	Rate       float64          `json:"rate"`
	BucketSize int              `json:"bucketSize"`
	Tokens     float64          `json:"tokens"`
	Paused     bool             `json:"paused,omitempty"`
	Retry      *RetryParameters `json:"retryParameters,omitempty"`
}

// FetchQueueStatsResponse holds stats in request order, or sorted by name
// when every queue is reported.
type FetchQueueStatsResponse struct {
	Stats []QueueStats `json:"stats"`
}

func (s *Service) fetchQueueStats(_ context.Context, req *FetchQueueStatsRequest) (*FetchQueueStatsResponse, error) {
	names := req.QueueNames
	if len(names) == 0 {
		for name := range s.queues {
			names = append(names, name)
		}
		slices.Sort(names)
	}

	now := s.now()
	resp := &FetchQueueStatsResponse{Stats: make([]QueueStats, 0, len(names))}
	for _, name := range names {
		q, err := s.lookup(name)
		if err != nil {
			return nil, err
		}
		st := QueueStats{
			QueueName:  q.def.Name,
			Mode:       q.def.Mode,
			Tasks:      len(q.tasks),
			Rate:       float64(q.limiter.Limit()),
			BucketSize: q.limiter.Burst(),
			Tokens:     q.limiter.TokensAt(now),
			Paused:     q.limiter.Limit() == 0,
			Retry:      q.def.Retry,
		}
		if tasks := q.sorted(); len(tasks) > 0 {
			eta := tasks[0].ETA
			st.OldestETA = &eta
		}
		resp.Stats = append(resp.Stats, st)
	}
	return resp, nil
}

// UpdateQueueRequest creates a push queue or changes the rate of an
// existing one.
type UpdateQueueRequest struct {
	QueueName  string `json:"queueName"`
	Rate       string `json:"rate"`
	BucketSize int    `json:"bucketSize,omitempty"`
}

func (s *Service) updateQueue(_ context.Context, req *UpdateQueueRequest) (*service.Empty, error) {
	if err := validateQueueName(req.QueueName); err != nil {
		return nil, service.NewApplicationError(ErrCodeInvalidQueueName, "%v", err)
	}
	limit, err := ParseRate(req.Rate)
	if err != nil {
		return nil, service.NewApplicationError(ErrCodeInvalidQueueRate, "%v", err)
	}
	if req.BucketSize < 0 {
		return nil, service.NewApplicationError(ErrCodeInvalidQueueRate, "bucket size must be positive, got %d", req.BucketSize)
	}

	q, ok := s.queues[req.QueueName]
	if !ok {
		def := QueueDefinition{Name: req.QueueName, Rate: req.Rate, BucketSize: req.BucketSize}
		if err := def.normalize(); err != nil {
			return nil, service.NewApplicationError(ErrCodeInvalidRequest, "%v", err)
		}
		s.queues[def.Name] = newQueue(def)
		s.logger.Info("queue created", "queue", def.Name, "rate", def.Rate)
		return &service.Empty{}, nil
	}

	now := s.now()
	q.def.Rate = req.Rate
	q.limiter.SetLimitAt(now, limit)
	if req.BucketSize > 0 {
		q.def.BucketSize = req.BucketSize
		q.limiter.SetBurstAt(now, req.BucketSize)
	}
	s.logger.Info("queue updated", "queue", q.def.Name, "rate", req.Rate, "bucket_size", q.def.BucketSize)
	return &service.Empty{}, nil
}
