package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); Resolve turns the file form into runtime settings.
type Config struct {
	// Platform selects the chat transport: "discord" (default) or "telegram".
	Platform string `json:"platform"`

	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Storage    StorageConfig    `json:"storage"`
	API        APIConfig        `json:"api"`
}

type DiscordConfig struct {
	Token        string  `json:"token"` // overridden by DISCORD_TOKEN
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AdminOnly restricts schedule commands to owners and guild administrators.
	// Omitted means true.
	AdminOnly     *bool  `json:"admin_only,omitempty"`
	CommandPrefix string `json:"command_prefix,omitempty"` // default "!"
}

type TelegramConfig struct {
	Token        string  `json:"token"` // overridden by TELEGRAM_TOKEN
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	AdminOnly    *bool   `json:"admin_only,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level             string      `json:"level"` // overridden by LOG_LEVEL
	Console           bool        `json:"console"`
	ConsoleTimeFormat string      `json:"console_time_format,omitempty"`
	File              LoggingFile `json:"file"`
	Chat              LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warnings and errors to a chat destination.
type LoggingChat struct {
	Enabled       bool   `json:"enabled"`
	DestinationID int64  `json:"destination_id"`
	MinLevel      string `json:"min_level,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is the reference zone for time expressions and cron
	// evaluation. Default "Asia/Tokyo".
	Timezone string `json:"timezone,omitempty"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type DispatchConfig struct {
	MinInterval string `json:"min_interval,omitempty"` // default "5s"
	// PacePolicy is one of interactive_once (default), all, none.
	PacePolicy string `json:"pace_policy,omitempty"`
	// RatePerSec caps sends across all destinations. 0 disables it.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/schedules.json" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// APIConfig controls the optional admin HTTP API.
//
// Security note: prefer a loopback address. A non-loopback bind needs a token
// or allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
