package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the optional configuration file in the root
// directory of the emulation environment.
const FileName = "testbed.yaml"

// Config holds the emulation environment configuration.
type Config struct {
	// Root is the directory the configuration was loaded from. Service
	// files such as queue.yaml are resolved against it.
	Root string `yaml:"-"`

	AppID     string          `yaml:"appId"`
	Datastore DatastoreConfig `yaml:"datastore"`
	Memcache  MemcacheConfig  `yaml:"memcache"`
	Mail      MailConfig      `yaml:"mail"`
	TaskQueue TaskQueueConfig `yaml:"taskqueue"`
	URLFetch  URLFetchConfig  `yaml:"urlfetch"`
}

// DatastoreConfig holds datastore emulation settings.
type DatastoreConfig struct {
	// Path is the SQLite database file. Empty or ":memory:" keeps the
	// data in memory. A file is recreated on every session start.
	Path        string            `yaml:"path"`
	Consistency ConsistencyConfig `yaml:"consistency"`
}

// ConsistencyConfig configures the pseudo-random high replication
// consistency policy.
type ConsistencyConfig struct {
	// Probability that a write becomes visible to global queries
	// immediately. 1.0 makes every write visible at once.
	Probability float64 `yaml:"probability"`
	Seed        uint64  `yaml:"seed"`
}

// MemcacheConfig holds memcache emulation settings.
type MemcacheConfig struct {
	Backend  string      `yaml:"backend"` // "memory" or "redis"
	Capacity int         `yaml:"capacity"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig locates the Redis server backing memcache. The database is
// flushed on every session start and stop.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// MailConfig holds mail emulation settings.
type MailConfig struct {
	LogBodies bool     `yaml:"logBodies"`
	Admins    []string `yaml:"admins"`
	// AuthorizedSenders, when set, is the only accepted sender addresses.
	AuthorizedSenders []string `yaml:"authorizedSenders"`
}

// TaskQueueConfig holds task queue emulation settings.
type TaskQueueConfig struct {
	QueueFile string `yaml:"queueFile"`
	// Watch applies edits of the queue file without waiting for a reset.
	Watch bool `yaml:"watch"`
}

// URLFetchConfig holds outbound fetch settings.
type URLFetchConfig struct {
	Timeout          time.Duration   `yaml:"timeout"`
	MaxResponseBytes int64           `yaml:"maxResponseBytes"`
	RateLimit        RateLimitConfig `yaml:"rateLimit"`
	Retry            RetryConfig     `yaml:"retry"`
}

// RateLimitConfig configures per-host token bucket limits. A zero RPS
// disables limiting. Hosts overrides the default for individual hosts,
// keyed by URL host including any port.
type RateLimitConfig struct {
	RPS   float64                  `yaml:"rps"`
	Burst int                      `yaml:"burst"`
	Hosts map[string]HostRateLimit `yaml:"hosts"`
}

// HostRateLimit is the limit of one host. A zero RPS leaves the host
// unlimited.
type HostRateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// RetryConfig configures retries of failed outbound requests.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		AppID: "testbed-test",
		Datastore: DatastoreConfig{
			Path: ":memory:",
			Consistency: ConsistencyConfig{
				Probability: 1.0,
			},
		},
		Memcache: MemcacheConfig{
			Backend:  "memory",
			Capacity: 10000,
		},
		TaskQueue: TaskQueueConfig{
			QueueFile: "queue.yaml",
		},
		URLFetch: URLFetchConfig{
			Timeout:          5 * time.Second,
			MaxResponseBytes: 32 << 20,
			Retry: RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
	}
}

// Load reads FileName from root. A missing file yields the defaults.
func Load(root string) (*Config, error) {
	cfg := Default()
	cfg.Root = root

	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that all values are within range.
func (c *Config) Validate() error {
	var errs []error

	if c.AppID == "" {
		errs = append(errs, errors.New("appId is required"))
	}
	if p := c.Datastore.Consistency.Probability; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("datastore.consistency.probability must be in [0, 1], got %v", p))
	}
	switch c.Memcache.Backend {
	case "memory":
		if c.Memcache.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("memcache.capacity must be positive, got %d", c.Memcache.Capacity))
		}
	case "redis":
		if c.Memcache.Redis.Addr == "" {
			errs = append(errs, errors.New("memcache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("memcache.backend must be memory or redis, got %q", c.Memcache.Backend))
	}
	if c.TaskQueue.QueueFile == "" {
		errs = append(errs, errors.New("taskqueue.queueFile is required"))
	}
	if c.URLFetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("urlfetch.timeout must be positive, got %s", c.URLFetch.Timeout))
	}
	if c.URLFetch.MaxResponseBytes <= 0 {
		errs = append(errs, fmt.Errorf("urlfetch.maxResponseBytes must be positive, got %d", c.URLFetch.MaxResponseBytes))
	}
	if c.URLFetch.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("urlfetch.rateLimit.rps must not be negative, got %v", c.URLFetch.RateLimit.RPS))
	}
	for host, hl := range c.URLFetch.RateLimit.Hosts {
		if hl.RPS < 0 {
			errs = append(errs, fmt.Errorf("urlfetch.rateLimit.hosts[%s].rps must not be negative, got %v", host, hl.RPS))
		}
	}
	if c.URLFetch.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("urlfetch.retry.maxAttempts must be at least 1, got %d", c.URLFetch.Retry.MaxAttempts))
	}

	return errors.Join(errs...)
}

// ResolvePath resolves a file name relative to the root directory.
// Absolute paths are returned unchanged.
func (c *Config) ResolvePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Root, name)
}
