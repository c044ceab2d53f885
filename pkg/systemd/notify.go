// Package systemd reports service state to systemd through sd_notify.
//
// Every call is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset), so callers never need to check.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "agentd/pkg/logx"
)

// Notifier sends state changes. The zero value is ready to use.
type Notifier struct {
	// UnsetEnv clears NOTIFY_SOCKET after the first send so children don't inherit it.
	UnsetEnv bool
	Log      logx.Logger
}

func (n Notifier) send(state string) bool {
	ok, err := daemon.SdNotify(n.UnsetEnv, state)
	if err != nil && !n.Log.IsZero() {
		n.Log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return ok
}

// Ready marks startup complete.
func (n Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

// Stopping marks the start of shutdown.
func (n Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Reloading marks a config reload; follow it with Ready.
func (n Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// Watchdog pings the service manager at half the configured WatchdogSec
// until ctx is done. It returns immediately when the watchdog is disabled.
func (n Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
