package config

import "autoposter/internal/domain"

// Config is the on-disk configuration, JSON or YAML. Durations are Go
// duration strings ("500ms", "10s", "1m"); empty means the default.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	TaskEngine    TaskEngineConfig    `json:"task_engine"`
	Dispatcher    DispatcherConfig    `json:"dispatcher"`
	Dedup         DedupConfig         `json:"dedup"`
	Extractor     ExtractorConfig     `json:"extractor"`
	Messaging     MessagingConfig     `json:"messaging"`
	Storage       StorageConfig       `json:"storage"`
	Observability ObservabilityConfig `json:"observability"`

	// Automations and Posts are seeded on startup. Automations match
	// existing records by name, posts by message and fire time, so a
	// restart does not duplicate them.
	Automations []AutomationSeed  `json:"automations,omitempty"`
	Posts       []domain.PostSpec `json:"posts,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards WARN+ lines to a messaging destination.
type LoggingAlert struct {
	Enabled     bool   `json:"enabled"`
	Destination string `json:"destination"`
	MinLevel    string `json:"min_level,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls automation and post timers.
//
// Enabled is a pointer so an omitted value can default to true.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	RunTimeout      string `json:"run_timeout,omitempty"`
	PostRetryDelay  string `json:"post_retry_delay,omitempty"`
	PostMaxAttempts int    `json:"post_max_attempts,omitempty"`
	// StartupSpread staggers the first fire of automations armed at
	// startup so a restart does not hit every source at once.
	StartupSpread string `json:"startup_spread,omitempty"`
}

// TaskEngineConfig controls the run executor.
//
// Defaults:
//   - enabled: scheduler.enabled
//   - workers: 4
//   - queue_size: 256
//   - history_size: 200
//   - retry_max: 0 (runs are never retried as a whole)
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// DispatcherConfig controls the shared send path. RetryMax is a pointer
// because 0 (no retries) is a meaningful value.
type DispatcherConfig struct {
	SendInterval  string `json:"send_interval,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
}

// DedupConfig bounds per-automation fingerprint memory; 0 is unbounded.
type DedupConfig struct {
	MaxFingerprints *int `json:"max_fingerprints,omitempty"`
}

type ExtractorConfig struct {
	PoolSize int    `json:"pool_size,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// Fetcher is "http" (default) or "browser".
	Fetcher   string        `json:"fetcher,omitempty"`
	MaxBytes  int64         `json:"max_bytes,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	Browser   BrowserConfig `json:"browser"`
}

type BrowserConfig struct {
	RemoteURL string `json:"remote_url,omitempty"`
	Bin       string `json:"bin,omitempty"`
	Stealth   bool   `json:"stealth,omitempty"`
}

// MessagingConfig selects the provider: "log" (dry run, default) or
// "telegram".
type MessagingConfig struct {
	Driver   string         `json:"driver"`
	Groups   []GroupConfig  `json:"groups,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
}

// GroupConfig declares a destination for the log driver.
type GroupConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Members int    `json:"members,omitempty"`
}

type TelegramConfig struct {
	Token          string  `json:"token"`
	Groups         []int64 `json:"groups"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	HealthInterval string  `json:"health_interval,omitempty"`
	APIURL         string  `json:"api_url,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./autoposter.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ObservabilityConfig controls the diagnostics listener (/healthz,
// /metrics, pprof).
//
// Prefer a loopback addr; a non-loopback bind needs a token or
// allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// AutomationSeed is an automation declared in config.
type AutomationSeed struct {
	domain.Spec
	Paused bool `json:"paused,omitempty"`
}

// SchedulerEnabled defaults to true.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// TaskEngineEnabled follows the scheduler unless set.
func (c *Config) TaskEngineEnabled() bool {
	if c.TaskEngine.Enabled != nil {
		return *c.TaskEngine.Enabled
	}
	return c.SchedulerEnabled()
}
