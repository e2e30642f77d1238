package config

// Config is the on-disk configuration (JSON or YAML). Any field tagged with
// env can be overridden from the environment after the file is decoded.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Storage     StorageConfig     `json:"storage"`
	Session     SessionConfig     `json:"session"`
	Events      EventsConfig      `json:"events"`
	Ops         OpsConfig         `json:"ops"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	Token string `json:"token" env:"CASTBOT_TELEGRAM_TOKEN"`
	// OwnerUserIDs from the environment are pipe separated ("1|2").
	OwnerUserIDs []int64 `json:"owner_user_ids" env:"CASTBOT_OWNER_USER_IDS"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout" env:"CASTBOT_TELEGRAM_POLL_TIMEOUT"`
	// APIURL points at a self-hosted Bot API server. Empty means the public one.
	APIURL string `json:"api_url,omitempty" env:"CASTBOT_TELEGRAM_API_URL"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"CASTBOT_LOG_LEVEL"`
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
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatchConfig tunes the outbound rate limiter.
//
// Defaults (when fields are omitted/zero):
//   - global_max: 30, global_window: "1s"
//   - private_cooldown: "1s"
//   - group_max: 20, group_window: "1m", group_window_mode: "discrete"
//   - idle_wait: "100ms", pace: "50ms", default_retry_after: "1s"
type DispatchConfig struct {
	GlobalMax    int    `json:"global_max,omitempty"`
	GlobalWindow string `json:"global_window,omitempty"`

	PrivateCooldown string `json:"private_cooldown,omitempty"`

	GroupMax    int    `json:"group_max,omitempty"`
	GroupWindow string `json:"group_window,omitempty"`
	// GroupWindowMode is "discrete" (reset when the window elapses) or
	// "sliding" (exact rolling count).
	GroupWindowMode string `json:"group_window_mode,omitempty"`

	IdleWait          string `json:"idle_wait,omitempty"`
	Pace              string `json:"pace,omitempty"`
	DefaultRetryAfter string `json:"default_retry_after,omitempty"`
}

type BroadcastConfig struct {
	ProgressInterval string `json:"progress_interval,omitempty"` // default "5s"
	ETARate          int    `json:"eta_rate,omitempty"`          // default 30
	StoreTimeout     string `json:"store_timeout,omitempty"`     // default "30s"
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./castbot.db" }
type StorageConfig struct {
	Driver       string `json:"driver" env:"CASTBOT_STORAGE_DRIVER"`
	Path         string `json:"path,omitempty" env:"CASTBOT_STORAGE_PATH"`
	DSN          string `json:"dsn,omitempty" env:"CASTBOT_STORAGE_DSN"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	SlowQuery    string `json:"slow_query,omitempty"`
}

type SessionConfig struct {
	Driver    string `json:"driver,omitempty" env:"CASTBOT_SESSION_DRIVER"` // memory | redis
	TTL       string `json:"ttl,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty" env:"CASTBOT_REDIS_ADDR"`
	RedisDB   int    `json:"redis_db,omitempty" env:"CASTBOT_REDIS_DB"`
	Password  string `json:"password,omitempty" env:"CASTBOT_REDIS_PASSWORD"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// EventsConfig controls forwarding of broadcast lifecycle events to RabbitMQ.
type EventsConfig struct {
	Enabled    bool   `json:"enabled" env:"CASTBOT_EVENTS_ENABLED"`
	AMQPURL    string `json:"amqp_url,omitempty" env:"CASTBOT_AMQP_URL"`
	Exchange   string `json:"exchange,omitempty"`    // default "castbot.events"
	RoutingKey string `json:"routing_key,omitempty"` // default is the event type
}

// OpsConfig controls the operator HTTP server (health, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled" env:"CASTBOT_OPS_ENABLED"`
	Addr          string `json:"addr,omitempty" env:"CASTBOT_OPS_ADDR"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty" env:"CASTBOT_OPS_TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// MaintenanceConfig schedules periodic housekeeping with cron expressions.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// PurgeSchedule removes soft-deleted activities older than Retention.
	PurgeSchedule string `json:"purge_schedule,omitempty"` // default "@daily"
	Retention     string `json:"retention,omitempty"`      // default "720h"
	// SessionPruneSchedule drops expired in-memory sessions.
	SessionPruneSchedule string `json:"session_prune_schedule,omitempty"` // default "@every 5m"
	Timezone             string `json:"timezone,omitempty"`
}
