package config

type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Delivery DeliveryConfig  `json:"delivery"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	API      APIConfig       `json:"api"`
	Events   *EventsConfig   `json:"events,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OperatorChat receives run summaries and mirrored log lines.
	OperatorChat string `json:"operator_chat"`
	// OperatorIDs may use /status, /cancel and /unschedule.
	OperatorIDs []int64 `json:"operator_ids"`
	// RatePerSec caps outbound messages across all chats.
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	ParseMode  string `json:"parse_mode,omitempty"` // default: "HTML"
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tgsender.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DeliveryConfig controls the broadcast engine.
//
// Defaults (when fields are omitted/zero):
//   - default_delay: "1s"
//   - ledger_cap: 20
//   - run_history_cap: 50
//   - reconcile_grace: "2s"
//   - timezone: local
type DeliveryConfig struct {
	DefaultDelay string `json:"default_delay,omitempty"`
	// CountFailedAttempts makes failed sends consume the repeat budget.
	CountFailedAttempts bool   `json:"count_failed_attempts,omitempty"`
	LedgerCap           int    `json:"ledger_cap,omitempty"`
	RunHistoryCap       int    `json:"run_history_cap,omitempty"`
	ReconcileGrace      string `json:"reconcile_grace,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
}

// NotifierConfig controls operator notifications (run summaries, schedule changes).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
}

// EventsConfig publishes completed run records to a durable AMQP queue.
type EventsConfig struct {
	AMQPURL string `json:"amqp_url"`
	Queue   string `json:"queue,omitempty"` // default: "tgsender.runs"
}
