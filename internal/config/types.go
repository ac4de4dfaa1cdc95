package config

// Config is the simulator's file configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	App      AppConfig      `json:"app"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Outbox   OutboxConfig   `json:"outbox"`
	API      APIConfig      `json:"api"`
	Geofence GeofenceConfig `json:"geofence"`
	Dedup    DedupConfig    `json:"dedup"`
	HTTP     HTTPConfig     `json:"http"`
}

// AppConfig carries the credentials passed to Configure on startup and
// on every reload.
type AppConfig struct {
	AppID  string `json:"app_id"`
	APIKey string `json:"api_key"` // never logged

	OpenAppAction  string `json:"open_app_action,omitempty"`
	ActivityTarget string `json:"activity_target,omitempty"`

	// GeoEnabled is a pointer so an omitted key keeps the default (true).
	GeoEnabled *bool `json:"geo_enabled,omitempty"`

	// GrantAll pre-grants every simulated platform permission.
	GrantAll bool `json:"grant_all,omitempty"`
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

// StorageConfig selects the Settings Store driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./egoipush.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Addr     string `json:"addr,omitempty"`     // redis
	Password string `json:"password,omitempty"` // redis, never logged
	DB       int    `json:"db,omitempty"`       // redis
	Prefix   string `json:"prefix,omitempty"`   // redis
}

// OutboxConfig controls the retrying delivery queue.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - max_attempts: 2
//   - retry_base: "2s"
//   - retry_max_delay: "30s"
//   - sweep: "@every 1m"
type OutboxConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	MaxAttempts   int     `json:"max_attempts,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	Timeout       string  `json:"timeout,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`

	// Sweep is a cron expression. Use "off" to disable the periodic sweep.
	Sweep string `json:"sweep,omitempty"`
}

type APIConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type GeofenceConfig struct {
	LoiteringDelay string `json:"loitering_delay,omitempty"`
	TriggerOnEnter bool   `json:"trigger_on_enter,omitempty"`
}

type DedupConfig struct {
	MaxEntries int `json:"max_entries,omitempty"`
}

// HTTPConfig controls the simulator inbox server.
type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// Pprof mounts /debug/pprof on the inbox router. Keep addr on loopback.
	Pprof bool `json:"pprof,omitempty"`
}
