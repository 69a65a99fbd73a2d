// Package sdnotify reports readiness and liveness to systemd when the
// process runs as a Type=notify unit. Outside systemd every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "rotabot/pkg/logx"
)

// NotifyFunc matches daemon.SdNotify.
type NotifyFunc func(unsetEnvironment bool, state string) (bool, error)

type Notifier struct {
	log    logx.Logger
	notify NotifyFunc
	// watchdog returns the configured WatchdogSec, 0 when disabled.
	watchdog func() (time.Duration, error)
}

type Option func(*Notifier)

func WithNotifyFunc(fn NotifyFunc) Option {
	return func(n *Notifier) {
		if fn != nil {
			n.notify = fn
		}
	}
}

func WithWatchdogFunc(fn func() (time.Duration, error)) Option {
	return func(n *Notifier) {
		if fn != nil {
			n.watchdog = fn
		}
	}
}

func New(log logx.Logger, opts ...Option) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:      log,
		notify:   daemon.SdNotify,
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Notifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form STATUS= line shown by systemctl status.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

// Watchdog pings systemd at half the configured watchdog interval until
// ctx is done. It returns immediately when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context) error {
	d, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return nil
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTicker(d / 2)
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

func (n *Notifier) send(state string) {
	ok, err := n.notify(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case ok:
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}
