package taskqueue

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// DefaultQueueName names the queue that always exists.
const DefaultQueueName = "default"

// Queue modes.
const (
	ModePush = "push"
	ModePull = "pull"
)

const (
	defaultRate       = "5/s"
	defaultBucketSize = 5
	maxQueueNameLen   = 100
)

// QueueFile is the layout of queue.yaml.
type QueueFile struct {
	Queues []QueueDefinition `yaml:"queue"`
}

// QueueDefinition configures one queue.
type QueueDefinition struct {
	Name       string           `yaml:"name"`
	Mode       string           `yaml:"mode"`
	Rate       string           `yaml:"rate"`
	BucketSize int              `yaml:"bucket_size"`
	Retry      *RetryParameters `yaml:"retry_parameters"`
}

// RetryParameters mirror the retry section of a queue definition. They are
// reported in stats but tasks are never executed.
type RetryParameters struct {
	TaskRetryLimit    int `yaml:"task_retry_limit" json:"taskRetryLimit,omitempty"`
	MinBackoffSeconds int `yaml:"min_backoff_seconds" json:"minBackoffSeconds,omitempty"`
	MaxBackoffSeconds int `yaml:"max_backoff_seconds" json:"maxBackoffSeconds,omitempty"`
	MaxDoublings      int `yaml:"max_doublings" json:"maxDoublings,omitempty"`
}

// LoadQueueFile reads queue definitions from path. A missing file yields
// no definitions. The default queue is added by the service.
func LoadQueueFile(path string) ([]QueueDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue file %s: %w", path, err)
	}

	var qf QueueFile
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", path, err)
	}

	seen := make(map[string]bool)
	var errs []error
	for i := range qf.Queues {
		def := &qf.Queues[i]
		if err := def.normalize(); err != nil {
			errs = append(errs, fmt.Errorf("queue[%d]: %w", i, err))
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("queue[%d]: duplicate queue name %q", i, def.Name))
		}
		seen[def.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid queue file %s: %w", path, err)
	}
	return qf.Queues, nil
}

func (d *QueueDefinition) normalize() error {
	if err := validateQueueName(d.Name); err != nil {
		return err
	}
	switch d.Mode {
	case "":
		d.Mode = ModePush
	case ModePush, ModePull:
	default:
		return fmt.Errorf("queue %q: mode must be push or pull, got %q", d.Name, d.Mode)
	}
	if d.Rate == "" {
		d.Rate = defaultRate
	}
	if _, err := ParseRate(d.Rate); err != nil {
		return fmt.Errorf("queue %q: %w", d.Name, err)
	}
	if d.BucketSize == 0 {
		d.BucketSize = defaultBucketSize
	}
	if d.BucketSize < 0 {
		return fmt.Errorf("queue %q: bucket_size must be positive, got %d", d.Name, d.BucketSize)
	}
	return nil
}

func validateQueueName(name string) error {
	if name == "" || len(name) > maxQueueNameLen {
		return fmt.Errorf("queue name must have 1 to %d characters, got %q", maxQueueNameLen, name)
	}
	for _, r := range name {
		if !isNameRune(r) {
			return fmt.Errorf("queue name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

func isNameRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_'
}

var rateUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseRate parses a queue rate such as "5/s" or "100/m" into a token
// bucket limit in events per second. A zero rate pauses the queue.
func ParseRate(s string) (rate.Limit, error) {
	num, unit, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, fmt.Errorf("invalid rate %q: expected <number>/<s|m|h|d>", s)
	}
	per, ok := rateUnits[unit]
	if !ok {
		return 0, fmt.Errorf("invalid rate %q: unknown unit %q", s, unit)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n < 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return 0, fmt.Errorf("invalid rate %q: count must be a non-negative number", s)
	}
	return rate.Limit(n / per.Seconds()), nil
}
