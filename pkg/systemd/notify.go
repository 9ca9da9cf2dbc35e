// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready signals that startup finished (Type=notify units).
func Ready() (bool, error) { return notify(false, daemon.SdNotifyReady) }

// Stopping signals the start of a graceful shutdown.
func Stopping() (bool, error) { return notify(false, daemon.SdNotifyStopping) }

// Status publishes a one-line status shown by `systemctl status`.
func Status(s string) (bool, error) { return notify(false, "STATUS="+s) }

// WatchdogInterval returns the ping interval for WatchdogSec units, or 0
// when the watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval while healthy reports true. It
// returns when ctx is canceled. A missed ping lets systemd restart the unit.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				_, _ = notify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
