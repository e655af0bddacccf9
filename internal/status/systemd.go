package status

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
)

// NotifyReady tells systemd the daemon has finished starting up (mount
// registered, first reconcile scheduled). A no-op outside a unit with
// Type=notify, which sd_notify already handles by checking
// NOTIFY_SOCKET.
func NotifyReady() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("failed to notify systemd of readiness")
	} else if !ok {
		log.Debug().Msg("not running under systemd notify supervision")
	}
}

// NotifyStopping tells systemd a graceful shutdown is underway.
func NotifyStopping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn().Err(err).Msg("failed to notify systemd of shutdown")
	}
}

// WatchdogLoop pings the systemd watchdog at half its configured
// interval until ctx is cancelled, matching the contract sd_watchdog_enabled(3)
// expects: the unit must notify at least twice per WatchdogSec or be
// considered hung and restarted. Returns immediately if the unit has no
// watchdog configured.
func WatchdogLoop(ctx context.Context) {
	interval, enabled, err := daemon.SdWatchdogEnabled(false)
	if err != nil || !enabled || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn().Err(err).Msg("failed to send watchdog keepalive")
			}
		}
	}
}
