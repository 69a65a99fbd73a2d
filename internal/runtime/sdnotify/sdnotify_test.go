package sdnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/require"

	logx "rotabot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop(), WithNotifyFunc(rec.notify))
	n.Ready()
	n.Status("2 workers")
	n.Stopping()
	require.Equal(t, []string{daemon.SdNotifyReady, "STATUS=2 workers", daemon.SdNotifyStopping}, rec.states)
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop(), WithNotifyFunc(rec.notify), WithWatchdogFunc(func() (time.Duration, error) { return 0, nil }))
	require.NoError(t, n.Watchdog(context.Background()))

	n = New(logx.Nop(), WithNotifyFunc(rec.notify), WithWatchdogFunc(func() (time.Duration, error) { return 0, errors.New("bad") }))
	require.NoError(t, n.Watchdog(context.Background()))
	require.Empty(t, rec.states)
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop(), WithNotifyFunc(rec.notify), WithWatchdogFunc(func() (time.Duration, error) { return 20 * time.Millisecond, nil }))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Watchdog(ctx)
	}()
	require.Eventually(t, func() bool { return rec.count(daemon.SdNotifyWatchdog) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
