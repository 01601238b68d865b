package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	logx "campbridge/pkg/logx"
)

const (
	DefaultBaseURL             = "https://basecamp.com"
	DefaultUserAgent           = "campbridge"
	DefaultPollInterval        = time.Second
	DefaultMaxBackoff          = 10 * time.Minute
	DefaultRequestTimeout      = 30 * time.Second
	DefaultInitialHistoryHours = 24

	DefaultPace          = 200 * time.Millisecond
	DefaultSendTimeout   = 15 * time.Second
	DefaultRetryMax      = 2
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultRetryMaxDelay = 10 * time.Second

	DefaultBusyTimeout = time.Second

	DefaultOpsAddr        = "127.0.0.1:9464"
	DefaultStatsSchedule  = "@hourly"
	DefaultOpsReadTimeout = 5 * time.Second
	DefaultOpsIdleTimeout = 60 * time.Second
)

// Upstream is UpstreamConfig with defaults applied and durations parsed.
type Upstream struct {
	BaseURL   string
	AccountID string
	Username  string
	Password  string
	UserAgent string

	PollInterval   time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration

	InitialHistoryHours int
}

func (c UpstreamConfig) Resolve() (Upstream, error) {
	var errs []error
	u := Upstream{
		BaseURL:             strings.TrimRight(trim(c.BaseURL), "/"),
		AccountID:           trim(c.AccountID),
		Username:            trim(c.Username),
		Password:            c.Password,
		UserAgent:           trim(c.UserAgent),
		InitialHistoryHours: DefaultInitialHistoryHours,
	}
	if u.BaseURL == "" {
		u.BaseURL = DefaultBaseURL
	}
	if pu, err := url.Parse(u.BaseURL); err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url: must be an absolute http(s) URL"))
	}
	if u.UserAgent == "" {
		u.UserAgent = DefaultUserAgent
	}
	if u.AccountID == "" {
		errs = append(errs, errors.New("upstream.account_id: required"))
	}
	if u.Username == "" {
		errs = append(errs, errors.New("upstream.username: required"))
	}
	if u.Password == "" {
		errs = append(errs, fmt.Errorf("upstream.password: required (or set %s)", EnvUpstreamPassword))
	}
	if c.InitialHistoryHours != nil {
		u.InitialHistoryHours = *c.InitialHistoryHours
		if u.InitialHistoryHours < 0 {
			errs = append(errs, errors.New("upstream.initial_history_hours: must be >= 0"))
		}
	}

	var err error
	if u.PollInterval, err = ParseDurationOrDefault("upstream.poll_interval", c.PollInterval, DefaultPollInterval); err != nil {
		errs = append(errs, err)
	}
	if u.MaxBackoff, err = ParseDurationOrDefault("upstream.max_backoff", c.MaxBackoff, DefaultMaxBackoff); err != nil {
		errs = append(errs, err)
	}
	if u.RequestTimeout, err = ParseDurationOrDefault("upstream.request_timeout", c.RequestTimeout, DefaultRequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if u.MaxBackoff < u.PollInterval {
		errs = append(errs, errors.New("upstream.max_backoff: must be >= poll_interval"))
	}
	return u, errors.Join(errs...)
}

// Destination is DestinationConfig with defaults applied and durations parsed.
type Destination struct {
	Driver string

	Pace          time.Duration
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	Zulip    ZulipConfig
	Telegram TelegramConfig
}

const (
	DriverZulip    = "zulip"
	DriverTelegram = "telegram"
)

func (c DestinationConfig) Resolve() (Destination, error) {
	var errs []error
	d := Destination{
		Driver:   strings.ToLower(trim(c.Driver)),
		RetryMax: DefaultRetryMax,
		Zulip:    c.Zulip,
		Telegram: c.Telegram,
	}
	if d.Driver == "" {
		d.Driver = DriverZulip
	}
	if c.RetryMax != nil {
		d.RetryMax = *c.RetryMax
		if d.RetryMax < 0 {
			errs = append(errs, errors.New("destination.retry_max: must be >= 0"))
		}
	}

	var err error
	if d.Pace, err = ParseDurationOrDefault("destination.pace", c.Pace, DefaultPace); err != nil {
		errs = append(errs, err)
	}
	if d.SendTimeout, err = ParseDurationOrDefault("destination.send_timeout", c.SendTimeout, DefaultSendTimeout); err != nil {
		errs = append(errs, err)
	}
	if d.RetryBase, err = ParseDurationOrDefault("destination.retry_base", c.RetryBase, DefaultRetryBase); err != nil {
		errs = append(errs, err)
	}
	if d.RetryMaxDelay, err = ParseDurationOrDefault("destination.retry_max_delay", c.RetryMaxDelay, DefaultRetryMaxDelay); err != nil {
		errs = append(errs, err)
	}

	switch d.Driver {
	case DriverZulip:
		z := &d.Zulip
		z.Site = strings.TrimRight(trim(z.Site), "/")
		z.Email = trim(z.Email)
		z.Stream = trim(z.Stream)
		if z.Site == "" {
			errs = append(errs, errors.New("destination.zulip.site: required"))
		} else if pu, err := url.Parse(z.Site); err != nil || pu.Host == "" {
			errs = append(errs, errors.New("destination.zulip.site: must be an absolute URL"))
		}
		if z.Email == "" {
			errs = append(errs, errors.New("destination.zulip.email: required"))
		}
		if trim(z.APIKey) == "" {
			errs = append(errs, fmt.Errorf("destination.zulip.api_key: required (or set %s)", EnvZulipAPIKey))
		}
		if z.Stream == "" {
			errs = append(errs, errors.New("destination.zulip.stream: required"))
		}
	case DriverTelegram:
		t := &d.Telegram
		if trim(t.Token) == "" {
			errs = append(errs, fmt.Errorf("destination.telegram.token: required (or set %s)", EnvTelegramToken))
		}
		if t.ChatID == 0 {
			errs = append(errs, errors.New("destination.telegram.chat_id: required"))
		}
		if t.ThreadID < 0 {
			errs = append(errs, errors.New("destination.telegram.thread_id: must be >= 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("destination.driver: unknown driver %q (want zulip or telegram)", d.Driver))
	}
	return d, errors.Join(errs...)
}

// State is StateConfig with defaults applied.
type State struct {
	Driver      string
	Path        string
	Journal     bool
	BusyTimeout time.Duration
}

const (
	StateFile   = "file"
	StateSQLite = "sqlite"
)

func (c StateConfig) Resolve() (State, error) {
	var errs []error
	s := State{
		Driver:  strings.ToLower(trim(c.Driver)),
		Path:    trim(c.Path),
		Journal: c.Journal,
	}
	if s.Driver == "" {
		s.Driver = StateFile
	}
	if s.Driver != StateFile && s.Driver != StateSQLite {
		errs = append(errs, fmt.Errorf("state.driver: unknown driver %q (want file or sqlite)", s.Driver))
	}
	if s.Path == "" {
		errs = append(errs, errors.New("state.path: required"))
	}
	var err error
	if s.BusyTimeout, err = ParseDurationOrDefault("state.busy_timeout", c.BusyTimeout, DefaultBusyTimeout); err != nil {
		errs = append(errs, err)
	}
	return s, errors.Join(errs...)
}

// Ops is OpsConfig with defaults applied.
type Ops struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c OpsConfig) Resolve() (Ops, error) {
	var errs []error
	o := Ops{
		Enabled:       c.Enabled,
		Addr:          trim(c.Addr),
		Token:         trim(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
	}
	if o.Addr == "" {
		o.Addr = DefaultOpsAddr
	}
	var err error
	if o.ReadTimeout, err = ParseDurationOrDefault("ops.read_timeout", c.ReadTimeout, DefaultOpsReadTimeout); err != nil {
		errs = append(errs, err)
	}
	// write_timeout 0 keeps long pprof profiles working
	if o.WriteTimeout, err = ParseDurationField("ops.write_timeout", c.WriteTimeout); err != nil {
		errs = append(errs, err)
	}
	if o.IdleTimeout, err = ParseDurationOrDefault("ops.idle_timeout", c.IdleTimeout, DefaultOpsIdleTimeout); err != nil {
		errs = append(errs, err)
	}
	if o.Enabled {
		host, _, err := net.SplitHostPort(o.Addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("ops.addr: %w", err))
		} else if !IsLoopbackHost(host) && o.Token == "" && !o.AllowInsecure {
			errs = append(errs, errors.New("ops.addr: non-loopback bind requires ops.token or ops.allow_insecure"))
		}
	}
	return o, errors.Join(errs...)
}

// IsLoopbackHost reports whether host is localhost or a loopback IP.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(trim(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// StatsOrDefault returns the stats section, defaulting to enabled "@hourly"
// when the section is omitted.
func StatsOrDefault(s *StatsConfig) StatsConfig {
	if s == nil {
		return StatsConfig{Enabled: true, Schedule: DefaultStatsSchedule}
	}
	out := *s
	out.Schedule = trim(out.Schedule)
	if out.Schedule == "" {
		out.Schedule = DefaultStatsSchedule
	}
	return out
}

// Logx converts the logging section into the logger service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// Validate checks every section and reports all problems at once.
// Each error is prefixed with its key path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: empty")
	}
	var errs []error
	if _, err := cfg.Upstream.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Destination.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.State.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Ops.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if st := StatsOrDefault(cfg.Stats); st.Enabled {
		if err := validateSchedule(st.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("stats.schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}
