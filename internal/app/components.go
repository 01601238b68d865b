package app

import (
	"fmt"
	"net/http"

	"campbridge/internal/config"
	"campbridge/internal/cursor"
	"campbridge/internal/destination"
	"campbridge/internal/destination/telegram"
	"campbridge/internal/destination/zulip"
	"campbridge/internal/feed"
	"campbridge/internal/observability/ops"
	logx "campbridge/pkg/logx"
)

// sections holds every config section resolved once at startup.
type sections struct {
	upstream    config.Upstream
	destination config.Destination
	state       config.State
	ops         config.Ops
	stats       config.StatsConfig
}

func resolve(cfg *config.Config) (sections, error) {
	var s sections
	var err error
	if s.upstream, err = cfg.Upstream.Resolve(); err != nil {
		return s, err
	}
	if s.destination, err = cfg.Destination.Resolve(); err != nil {
		return s, err
	}
	if s.state, err = cfg.State.Resolve(); err != nil {
		return s, err
	}
	if s.ops, err = cfg.Ops.Resolve(); err != nil {
		return s, err
	}
	s.stats = config.StatsOrDefault(cfg.Stats)
	return s, nil
}

// OpenStore opens the cursor store named by cfg's state section.
func OpenStore(cfg *config.Config, log logx.Logger) (cursor.Store, error) {
	st, err := cfg.State.Resolve()
	if err != nil {
		return nil, err
	}
	return cursor.Open(storeConfig(st), log)
}

func storeConfig(st config.State) cursor.Config {
	return cursor.Config{
		Driver:      st.Driver,
		Path:        st.Path,
		Journal:     st.Journal,
		BusyTimeout: st.BusyTimeout,
	}
}

func feedConfig(up config.Upstream) feed.Config {
	return feed.Config{
		BaseURL:   up.BaseURL,
		AccountID: up.AccountID,
		Username:  up.Username,
		Password:  up.Password,
		UserAgent: up.UserAgent,
		Timeout:   up.RequestTimeout,
	}
}

func opsConfig(o config.Ops) ops.Config {
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   o.ReadTimeout,
		WriteTimeout:  o.WriteTimeout,
		IdleTimeout:   o.IdleTimeout,
	}
}

// newSender builds the configured destination and returns it together with
// the destination identifier every message is addressed to.
func newSender(d config.Destination) (destination.Sender, string, error) {
	switch d.Driver {
	case config.DriverZulip:
		c := zulip.New(zulip.Config{
			Site:   d.Zulip.Site,
			Email:  d.Zulip.Email,
			APIKey: d.Zulip.APIKey,
			Stream: d.Zulip.Stream,
		}, &http.Client{Timeout: d.SendTimeout})
		return c, c.Stream(), nil
	case config.DriverTelegram:
		s, err := telegram.New(telegram.Config{
			Token:    d.Telegram.Token,
			ChatID:   d.Telegram.ChatID,
			ThreadID: d.Telegram.ThreadID,
			Timeout:  d.SendTimeout,
		})
		if err != nil {
			return nil, "", fmt.Errorf("telegram: %w", err)
		}
		return s, s.ChatID(), nil
	default:
		return nil, "", fmt.Errorf("destination.driver: unknown driver %q", d.Driver)
	}
}
