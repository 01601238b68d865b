package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Upstream    UpstreamConfig    `json:"upstream"`
	Destination DestinationConfig `json:"destination"`
	State       StateConfig       `json:"state"`
	Logging     LoggingConfig     `json:"logging"`
	Ops         OpsConfig         `json:"ops,omitempty"`
	Stats       *StatsConfig      `json:"stats,omitempty"`
}

// UpstreamConfig describes the activity feed being polled.
//
// Defaults (when fields are omitted/zero):
//   - base_url: "https://basecamp.com"
//   - user_agent: "campbridge"
//   - poll_interval: "1s"
//   - max_backoff: "10m"
//   - request_timeout: "30s"
//   - initial_history_hours: 24
type UpstreamConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Password  string `json:"password"` // do not log
	UserAgent string `json:"user_agent,omitempty"`

	PollInterval   string `json:"poll_interval,omitempty"`
	MaxBackoff     string `json:"max_backoff,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	// InitialHistoryHours is the lookback when no cursor is stored. Unset
	// means 24; 0 starts from now.
	InitialHistoryHours *int `json:"initial_history_hours,omitempty"`
}

// DestinationConfig selects and configures the chat platform messages go to.
//
// Driver values:
//   - "zulip" (default): stream message per event, topic derived from the bucket
//   - "telegram": plain text message to one chat (optionally a forum thread)
type DestinationConfig struct {
	Driver string `json:"driver,omitempty"`

	// Pace is the minimum spacing between two sends.
	Pace        string `json:"pace,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	// RetryMax bounds transport-level retries of a single send (0 disables).
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	Zulip    ZulipConfig    `json:"zulip,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type ZulipConfig struct {
	Site   string `json:"site"`
	Email  string `json:"email"`
	APIKey string `json:"api_key"` // do not log
	Stream string `json:"stream"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StateConfig controls where the resume cursor lives.
//
// Example:
//
//	"state": { "driver": "file", "path": "./campbridge.cursor" }
type StateConfig struct {
	Driver      string `json:"driver,omitempty"` // "file" (default) | "sqlite"
	Path        string `json:"path"`
	Journal     bool   `json:"journal,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
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

// OpsConfig controls the optional operations HTTP server (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:9464").
//   - Binding to a non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StatsConfig controls the periodic delivery summary.
// If the whole section is omitted, it defaults to enabled with "@hourly".
type StatsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec or descriptor ("@hourly", "@every 30m")
}
