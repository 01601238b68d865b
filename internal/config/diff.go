package config

import (
	"strings"

	logx "campbridge/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	restart := make([]string, 0, 3)

	// Upstream (never log password)
	ou, nu := oldCfg.Upstream, newCfg.Upstream
	if trim(ou.BaseURL) != trim(nu.BaseURL) ||
		trim(ou.AccountID) != trim(nu.AccountID) ||
		trim(ou.Username) != trim(nu.Username) ||
		ou.Password != nu.Password ||
		trim(ou.UserAgent) != trim(nu.UserAgent) ||
		trim(ou.PollInterval) != trim(nu.PollInterval) ||
		trim(ou.MaxBackoff) != trim(nu.MaxBackoff) ||
		trim(ou.RequestTimeout) != trim(nu.RequestTimeout) ||
		intPtr(ou.InitialHistoryHours) != intPtr(nu.InitialHistoryHours) {
		changed = append(changed, "upstream")
		restart = append(restart, "upstream")
		attrs = append(attrs,
			logx.String("upstream.base_url", trim(nu.BaseURL)),
			logx.String("upstream.account_id", trim(nu.AccountID)),
			logx.String("upstream.poll_interval", trim(nu.PollInterval)),
			logx.Bool("upstream.password_changed", ou.Password != nu.Password),
		)
	}

	// Destination: pace is live, everything else needs a restart.
	od, nd := oldCfg.Destination, newCfg.Destination
	if trim(od.Pace) != trim(nd.Pace) {
		changed = append(changed, "destination.pace")
		attrs = append(attrs, logx.String("destination.pace", trim(nd.Pace)))
	}
	if trim(od.Driver) != trim(nd.Driver) ||
		trim(od.SendTimeout) != trim(nd.SendTimeout) ||
		intPtr(od.RetryMax) != intPtr(nd.RetryMax) ||
		trim(od.RetryBase) != trim(nd.RetryBase) ||
		trim(od.RetryMaxDelay) != trim(nd.RetryMaxDelay) ||
		od.Zulip != nd.Zulip ||
		od.Telegram != nd.Telegram {
		changed = append(changed, "destination")
		restart = append(restart, "destination")
		attrs = append(attrs,
			logx.String("destination.driver", trim(nd.Driver)),
			logx.String("destination.zulip.stream", trim(nd.Zulip.Stream)),
			logx.Int64("destination.telegram.chat_id", nd.Telegram.ChatID),
		)
	}

	if oldCfg.State != newCfg.State {
		changed = append(changed, "state")
		restart = append(restart, "state")
		attrs = append(attrs,
			logx.String("state.driver", trim(newCfg.State.Driver)),
			logx.String("state.path", trim(newCfg.State.Path)),
		)
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.Level != nl.Level ||
		ol.Console != nl.Console ||
		ol.File.Enabled != nl.File.Enabled ||
		trim(ol.File.Path) != trim(nl.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
		)
	}

	// Ops (never log token)
	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled ||
		trim(oo.Addr) != trim(no.Addr) ||
		oo.AllowInsecure != no.AllowInsecure ||
		oo.Pprof != no.Pprof ||
		trim(oo.ReadTimeout) != trim(no.ReadTimeout) ||
		trim(oo.WriteTimeout) != trim(no.WriteTimeout) ||
		trim(oo.IdleTimeout) != trim(no.IdleTimeout) ||
		oo.Token != no.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", trim(no.Addr)),
			logx.Bool("ops.token_set", trim(no.Token) != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	ost, nst := StatsOrDefault(oldCfg.Stats), StatsOrDefault(newCfg.Stats)
	if ost != nst {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.Bool("stats.enabled", nst.Enabled),
			logx.String("stats.schedule", nst.Schedule),
		)
	}

	return changed, attrs, restart
}

func trim(s string) string { return strings.TrimSpace(s) }

func intPtr(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
