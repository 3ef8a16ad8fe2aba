package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Queue       QueueConfig     `toml:"queue"`
	Storage     StorageConfig   `toml:"storage"`
	Engine      EngineConfig    `toml:"engine"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=0,max=65535"`
	Host string `toml:"host" validate:"required"`
}

// QueueConfig configures the job and task queues. Durations are strings
// ("1s", "5m") so they read naturally in TOML; use the Get* accessors.
type QueueConfig struct {
	Backend           string      `toml:"backend" validate:"oneof=badger redis"` // Queue backend
	JobQueueName      string      `toml:"job_queue_name"`                        // Queue carrying job messages
	TaskQueueName     string      `toml:"task_queue_name"`                       // Queue carrying task messages
	PollInterval      string      `toml:"poll_interval"`                         // Worker idle poll interval
	JobConcurrency    int         `toml:"job_concurrency" validate:"min=1"`      // Orchestrator workers
	TaskConcurrency   int         `toml:"task_concurrency" validate:"min=1"`     // Task executor workers
	VisibilityTimeout string      `toml:"visibility_timeout"`                    // Message lease before redelivery
	MaxReceive        int         `toml:"max_receive" validate:"min=1"`          // Deliveries before dead-letter
	Redis             RedisConfig `toml:"redis"`
}

// RedisConfig applies when the queue backend is "redis"
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type StorageConfig struct {
	Type   string       `toml:"type" validate:"oneof=badger"` // State store backend
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// EngineConfig tunes the orchestration engine.
type EngineConfig struct {
	TaskTimeout       string `toml:"task_timeout"`                       // Per-task handler timeout (workflow may override)
	TaskLease         string `toml:"task_lease"`                         // Processing tasks older than this are reclaimed
	ReconcileInterval string `toml:"reconcile_interval"`                 // Background reconciler sweep interval
	MaxTaskRetries    int    `toml:"max_task_retries" validate:"min=1"`  // Lease reclaims before a task is failed
	SubmitRate        float64 `toml:"submit_rate" validate:"min=0"`      // Submissions per second accepted (0 = unlimited)
	SubmitBurst       int     `toml:"submit_burst" validate:"min=0"`     // Submission burst size
}

type LoggingConfig struct {
	Level         string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Format        string   `toml:"format"` // "json" or "text"
	Output        []string `toml:"output"` // "stdout", "file"
	TimeFormat    string   `toml:"time_format"`
	MinEventLevel string   `toml:"min_event_level"` // Minimum level published to the event feed
}

// WebSocketConfig controls the event feed pushed to WebSocket clients.
type WebSocketConfig struct {
	AllowedEvents     []string          `toml:"allowed_events"`     // Empty allows all event types
	ThrottleIntervals map[string]string `toml:"throttle_intervals"` // Per-event minimum broadcast interval
	StatusInterval    string            `toml:"status_interval"`    // Periodic status broadcast interval
}

// NewDefaultConfig returns the built-in defaults, used as the base layer
// before config files, environment variables and flags are applied.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Queue: QueueConfig{
			Backend:           "badger",
			JobQueueName:      "strata_jobs",
			TaskQueueName:     "strata_tasks",
			PollInterval:      "1s",
			JobConcurrency:    2,
			TaskConcurrency:   8,
			VisibilityTimeout: "5m",
			MaxReceive:        5,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path:           "./data",
				ResetOnStartup: false,
			},
		},
		Engine: EngineConfig{
			TaskTimeout:       "30m",
			TaskLease:         "5m",
			ReconcileInterval: "30s",
			MaxTaskRetries:    5,
			SubmitRate:        50,
			SubmitBurst:       100,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			Output:        []string{"stdout", "file"},
			MinEventLevel: "info",
		},
		WebSocket: WebSocketConfig{
			AllowedEvents: []string{},
			ThrottleIntervals: map[string]string{
				"task_completed": "500ms",
				"queue_stats":    "1s",
			},
			StatusInterval: "10s",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier
// files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks field constraints and duration formats.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.poll_interval":       c.Queue.PollInterval,
		"queue.visibility_timeout":  c.Queue.VisibilityTimeout,
		"engine.task_timeout":       c.Engine.TaskTimeout,
		"engine.task_lease":         c.Engine.TaskLease,
		"engine.reconcile_interval": c.Engine.ReconcileInterval,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", field, err)
		}
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: STRATA_ENV, fallback: GO_ENV)
	if env := os.Getenv("STRATA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("STRATA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("STRATA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Queue configuration
	if backend := os.Getenv("STRATA_QUEUE_BACKEND"); backend != "" {
		config.Queue.Backend = backend
	}
	if pollInterval := os.Getenv("STRATA_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("STRATA_QUEUE_JOB_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.JobConcurrency = c
		}
	}
	if concurrency := os.Getenv("STRATA_QUEUE_TASK_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.TaskConcurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("STRATA_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("STRATA_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}
	if addr := os.Getenv("STRATA_REDIS_ADDR"); addr != "" {
		config.Queue.Redis.Addr = addr
	}
	if password := os.Getenv("STRATA_REDIS_PASSWORD"); password != "" {
		config.Queue.Redis.Password = password
	}
	if db := os.Getenv("STRATA_REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.Queue.Redis.DB = d
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("STRATA_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("STRATA_BADGER_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// Engine configuration
	if taskTimeout := os.Getenv("STRATA_ENGINE_TASK_TIMEOUT"); taskTimeout != "" {
		config.Engine.TaskTimeout = taskTimeout
	}
	if lease := os.Getenv("STRATA_ENGINE_TASK_LEASE"); lease != "" {
		config.Engine.TaskLease = lease
	}
	if interval := os.Getenv("STRATA_ENGINE_RECONCILE_INTERVAL"); interval != "" {
		config.Engine.ReconcileInterval = interval
	}
	if retries := os.Getenv("STRATA_ENGINE_MAX_TASK_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			config.Engine.MaxTaskRetries = r
		}
	}
	if rate := os.Getenv("STRATA_ENGINE_SUBMIT_RATE"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			config.Engine.SubmitRate = r
		}
	}
	if burst := os.Getenv("STRATA_ENGINE_SUBMIT_BURST"); burst != "" {
		if b, err := strconv.Atoi(burst); err == nil {
			config.Engine.SubmitBurst = b
		}
	}

	// Logging configuration
	if level := os.Getenv("STRATA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("STRATA_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("STRATA_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range splitString(output, ",") {
			trimmed := trimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if minEventLevel := os.Getenv("STRATA_LOG_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}
}

// ApplyFlagOverrides applies command-line flag values on top of the loaded
// configuration. Flags have the highest priority.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// GetPollInterval returns the parsed worker poll interval.
func (q QueueConfig) GetPollInterval() time.Duration {
	return parseDurationOr(q.PollInterval, time.Second)
}

// GetVisibilityTimeout returns the parsed message lease duration.
func (q QueueConfig) GetVisibilityTimeout() time.Duration {
	return parseDurationOr(q.VisibilityTimeout, 5*time.Minute)
}

// GetTaskTimeout returns the parsed default per-task handler timeout.
func (e EngineConfig) GetTaskTimeout() time.Duration {
	return parseDurationOr(e.TaskTimeout, 30*time.Minute)
}

// GetTaskLease returns the parsed task lease duration.
func (e EngineConfig) GetTaskLease() time.Duration {
	return parseDurationOr(e.TaskLease, 5*time.Minute)
}

// GetReconcileInterval returns the parsed reconciler sweep interval.
func (e EngineConfig) GetReconcileInterval() time.Duration {
	return parseDurationOr(e.ReconcileInterval, 30*time.Second)
}

// GetStatusInterval returns the parsed status broadcast interval.
func (w WebSocketConfig) GetStatusInterval() time.Duration {
	return parseDurationOr(w.StatusInterval, 10*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Helper functions for string manipulation
func splitString(s, sep string) []string {
	result := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if i+len(sep) <= len(s) && s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i = start - 1
		}
	}
	result = append(result, s[start:])
	return result
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
