package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "campbridge/pkg/logx"
)

// sdNotify sends a state update to systemd. Outside a notify-type unit
// NOTIFY_SOCKET is unset and this is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx is done.
func watchdog(ctx context.Context, log logx.Logger, alive func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if !alive() {
				log.Warn("delivery loop unhealthy; withholding watchdog ping")
				continue
			}
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
