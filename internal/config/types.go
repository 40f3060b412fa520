package config

// Config is the daemon configuration. It is read from JSON or YAML and
// decoded strictly, so unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduling SchedulingConfig  `json:"scheduling"`
	Livestream LivestreamConfig  `json:"livestream"`
	Trigger    TriggerConfig     `json:"trigger,omitempty"`
	Provider   ProviderConfig    `json:"provider"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Telegram   *TelegramConfig   `json:"telegram,omitempty"`
	Webhook    *WebhookConfig    `json:"webhook,omitempty"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Storage    StorageConfig     `json:"storage"`
	Pprof      PprofConfig       `json:"pprof,omitempty"`

	// SeedUsers are upserted into the user directory at start.
	SeedUsers []SeedUser `json:"seed_users,omitempty"`
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

// LoggingAlert forwards warn+ lines to the notifier transport.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulingConfig controls user selection and the minute tick.
//
// Defaults:
//   - tick_spec: "* * * * *"
//   - timezone: "UTC" (cron evaluation only; selection always works in UTC)
//   - window_start/window_end: 0 and 1439 (minute of day, end inclusive)
//   - min_interval: "60m"
type SchedulingConfig struct {
	Enabled          bool   `json:"enabled"`
	TickSpec         string `json:"tick_spec,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	WindowStart      int    `json:"window_start"`
	WindowEnd        int    `json:"window_end"`
	MaxDailyRequests int    `json:"max_daily_requests"`
	MinInterval      string `json:"min_interval,omitempty"`
}

type LivestreamConfig struct {
	ConnectTimeout    string `json:"connect_timeout,omitempty"`
	NoResponseTimeout string `json:"no_response_timeout,omitempty"`
	// MaxVlogDuration of "0s" disables the expiry callback.
	MaxVlogDuration   string `json:"max_vlog_duration,omitempty"`
	ClaimAttempts     int    `json:"claim_attempts,omitempty"`
	OpTimeout         string `json:"op_timeout,omitempty"`
	ProviderRetryMax  int    `json:"provider_retry_max,omitempty"`
	ProviderRetryBase string `json:"provider_retry_base,omitempty"`
}

type TriggerConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	UserTimeout string `json:"user_timeout,omitempty"`
}

// ProviderConfig selects the broadcast provider driver: "sandbox" (default)
// or "http".
type ProviderConfig struct {
	Driver     string `json:"driver"`
	BaseURL    string `json:"base_url,omitempty"`
	Token      string `json:"token,omitempty"` // never logged
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	IngestBase string `json:"ingest_base,omitempty"`
}

// NotifierConfig controls the async notification pipeline. Transport is
// "webhook" or "telegram"; the matching section must be present.
//
// If the whole section is omitted the notifier runs with defaults over
// whichever transport section is configured.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Transport       string `json:"transport,omitempty"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminChat receives alerts and requests of users without a target.
	// Format: "<chat id>" or "<chat id>:<thread id>".
	AdminChat string `json:"admin_chat,omitempty"`
	APIURL    string `json:"api_url,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"` // HMAC key, never logged
	Timeout string `json:"timeout,omitempty"`
}

// TaskEngineConfig controls the background task engine used for pool
// cleanup and durable timeouts.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./vlogd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PprofConfig controls the optional debug HTTP server.
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

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type SeedUser struct {
	ID                string `json:"id"`
	Timezone          string `json:"timezone"`
	DailyRequestLimit int    `json:"daily_request_limit"`
	NotifyTarget      string `json:"notify_target,omitempty"`
}
