package config

// Config is the full on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`

	// Webhook is the controlling application's event endpoint. If the whole
	// section is omitted, webhook delivery is disabled and events are only
	// available to realtime subscribers.
	Webhook *WebhookConfig `json:"webhook,omitempty"`

	// Storage selects the job store backing the dispatch queue. If omitted,
	// jobs are kept in memory and do not survive a restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	Dispatch DispatchConfig `json:"dispatch"`

	// Bridge configures the per-session protocol worker processes.
	Bridge BridgeConfig `json:"bridge"`
}

type ServerConfig struct {
	Addr string `json:"addr"` // default: ":8080"
	// Secret authenticates API callers via X-Service-Secret. Required.
	Secret string `json:"secret"`

	ReadTimeout     string `json:"read_timeout,omitempty"`     // default: "15s"
	WriteTimeout    string `json:"write_timeout,omitempty"`    // default: "30s"
	IdleTimeout     string `json:"idle_timeout,omitempty"`     // default: "60s"
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"` // default: "10s"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type WebhookConfig struct {
	URL string `json:"url"`
	// Secret is sent back as X-Service-Secret so the receiver can verify us.
	Secret     string `json:"secret,omitempty"`
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
}

// StorageConfig selects the dispatch queue's persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/courier.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type DispatchConfig struct {
	Workers     int `json:"workers,omitempty"`      // default: 5
	MaxAttempts int `json:"max_attempts,omitempty"` // default: 3

	BackoffBase string `json:"backoff_base,omitempty"` // default: "2s"

	// PacingMin/PacingMax bound the randomized delay before every send.
	PacingMin string `json:"pacing_min,omitempty"` // default: "3s"
	PacingMax string `json:"pacing_max,omitempty"` // default: "7s"

	PollInterval string `json:"poll_interval,omitempty"` // default: "500ms"
	SendTimeout  string `json:"send_timeout,omitempty"`  // default: "60s"

	FailedRetention string `json:"failed_retention,omitempty"` // default: "168h"
	JanitorSchedule string `json:"janitor_schedule,omitempty"` // cron, default: "17 3 * * *"
}

type BridgeConfig struct {
	// Command launches one protocol worker per session.
	Command string `json:"command"`
	// DataDir holds per-session credential state.
	DataDir     string `json:"data_dir"`
	SendTimeout string `json:"send_timeout,omitempty"` // default: "45s"
}
