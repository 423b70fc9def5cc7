package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage enables the run-history store. Nil means history is kept in
	// memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Cache connects the translation cache. Nil disables the cache and the
	// built-in cache tasks.
	Cache *CacheConfig `json:"cache,omitempty"`

	Jobs JobsConfig `json:"jobs"`

	// Alerts enables failure notifications. Nil means no alerting.
	Alerts *AlertsConfig `json:"alerts,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// MaxLinesPerSec caps file log throughput; 0 keeps the logx default.
	MaxLinesPerSec int `json:"max_lines_per_sec,omitempty"`
}

// SchedulerConfig tunes the scheduling loop. All fields are optional;
// zeroes fall back to the scheduler's own defaults.
type SchedulerConfig struct {
	PollInterval    Duration `json:"poll_interval,omitempty"`
	StopGrace       Duration `json:"stop_grace,omitempty"`
	SubmitQueueSize int      `json:"submit_queue_size,omitempty"`
}

// StorageConfig selects the run-history driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tickd_store" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
	// Retain drops run records older than this; 0 keeps the store default
	// (30 days).
	Retain Duration `json:"retain,omitempty"`
}

// CacheConfig connects the Redis-backed translation cache.
type CacheConfig struct {
	Addr        string   `json:"addr"`
	Password    string   `json:"password,omitempty"` // never logged
	DB          int      `json:"db,omitempty"`
	DialTimeout Duration `json:"dial_timeout,omitempty"`
	OpTimeout   Duration `json:"op_timeout,omitempty"`
	TTLHours    int      `json:"ttl_hours,omitempty"`

	Warm *WarmConfig `json:"warm,omitempty"`
}

// WarmConfig tunes cache warmup. Empty languages/texts use the built-in
// sets.
type WarmConfig struct {
	OnStart   bool              `json:"on_start,omitempty"`
	Force     bool              `json:"force,omitempty"`
	Languages []string          `json:"languages,omitempty"`
	Texts     map[string]string `json:"texts,omitempty"`
	Pause     Duration          `json:"pause,omitempty"`
}

// JobsConfig selects and tunes the built-in tasks and declares extra ones.
type JobsConfig struct {
	Refresh  *JobOverride `json:"refresh,omitempty"`
	Cleanup  *JobOverride `json:"cleanup,omitempty"`
	Health   *JobOverride `json:"health,omitempty"`
	NetProbe *JobOverride `json:"net_probe,omitempty"`

	// CleanupPattern narrows the weekly stray-key sweep.
	CleanupPattern string `json:"cleanup_pattern,omitempty"`
	// ProbeServers caps the latency probe candidate count.
	ProbeServers int `json:"probe_servers,omitempty"`

	Declared []DeclaredJob `json:"declared,omitempty"`
}

// JobOverride adjusts one built-in task. Omitted fields keep the built-in
// default; Enabled is a pointer so "omitted" and an explicit false differ.
type JobOverride struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	IntervalHours int      `json:"interval_hours,omitempty"`
	MaxRetries    *int     `json:"max_retries,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
}

// DeclaredJob registers an extra task built from a known type. Schedule
// takes either a cron expression ("30 4 * * *", "@daily") or whole hours
// ("24", "every:2h").
type DeclaredJob struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Type       string   `json:"type"`
	Schedule   string   `json:"schedule"`
	MaxRetries *int     `json:"max_retries,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
	Disabled   bool     `json:"disabled,omitempty"`
}

// AlertsConfig tunes the failure-alert pipeline.
type AlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // never logged
	ChatID  int64  `json:"chat_id,omitempty"`

	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       Duration `json:"retry_base,omitempty"`
	RetryMaxDelay   Duration `json:"retry_max_delay,omitempty"`
	DedupWindow     Duration `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool     `json:"persist_dedup,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile (which can take
	// 30s+) works reliably.
	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
