package config

// Config is the process-level configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Telegram     TelegramConfig     `json:"telegram"`
	Engine       EngineConfig       `json:"engine"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
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

// StorageConfig controls the sqlite tenant store.
type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string; 0 means driver default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TelegramConfig holds transport knobs shared by all tenant connections.
// Per-tenant bot tokens live in the store, not here.
type TelegramConfig struct {
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// UpdateBuffer is the per-connection inbound update channel size.
	UpdateBuffer int `json:"update_buffer,omitempty"`
}

// EngineConfig controls the campaign engine and delivery executor.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "5s"
//   - workers: 2
//   - queue_size: 64
//   - send_timeout: "30s"
//   - rate_per_sec: 0 (pacing disabled; sends proceed back-to-back)
type EngineConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`

	// RatePerSec caps outbound sends per second across one campaign's fan-out.
	// 0 keeps the historical back-to-back behavior.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// HousekeepingConfig controls background sweeps. Specs are cron expressions
// (robfig/cron, 5-field or @every syntax). Empty spec disables a job.
type HousekeepingConfig struct {
	ExpirySweepSpec  string `json:"expiry_sweep_spec,omitempty"`
	MessagePruneSpec string `json:"message_prune_spec,omitempty"`
	// MessageRetentionDays bounds how long message history is kept. 0 disables pruning.
	MessageRetentionDays int `json:"message_retention_days,omitempty"`
}
