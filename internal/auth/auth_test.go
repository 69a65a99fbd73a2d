package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rotabot/internal/eventbus"
	"rotabot/internal/executor"
	"rotabot/internal/state"
)

type session string

func (s session) Username() string { return string(s) }

// flakyExecutor rejects the first failN logins (forever when failN < 0).
type flakyExecutor struct {
	mu     sync.Mutex
	failN  int
	logins int
}

func (f *flakyExecutor) Login(ctx context.Context, cred executor.Credential) (executor.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.failN < 0 || f.logins <= f.failN {
		return nil, executor.ErrAuth
	}
	return session("alice"), nil
}

func (f *flakyExecutor) SendMessage(context.Context, executor.Session, string, string) error {
	return nil
}

func (f *flakyExecutor) ChangeTitle(context.Context, executor.Session, string, string) error {
	return nil
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestBackOffSequence(t *testing.T) {
	t.Parallel()
	bo := NewBackOff()
	want := []time.Duration{2, 4, 8, 16, 32, 64, 128, 256, 300, 300, 300}
	for i, w := range want {
		require.Equal(t, w*time.Second, bo.NextBackOff(), "step %d", i)
	}
}

func TestAuthenticateGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	exec := &flakyExecutor{failN: -1}
	sl := &recordingSleeper{}
	reg := state.New()
	m := New(exec, reg, WithSleeper(sl))

	_, err := m.Authenticate(context.Background(), executor.Credential{Token: "token-abcdef"}, 3)
	require.ErrorIs(t, err, ErrLoginFailed)
	require.ErrorIs(t, err, executor.ErrAuth)
	require.Equal(t, 3, exec.logins)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sl.waits)
	require.Empty(t, reg.Snapshot().Logins)
}

func TestAuthenticateRecordsLogin(t *testing.T) {
	t.Parallel()
	exec := &flakyExecutor{failN: 2}
	sl := &recordingSleeper{}
	reg := state.New()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	m := New(exec, reg, WithSleeper(sl), WithBus(bus))

	sess, err := m.Authenticate(context.Background(), executor.Credential{Token: "token-abcdef"}, 5)
	require.NoError(t, err)
	require.Equal(t, "alice", sess.Username())
	require.Equal(t, 3, exec.logins)
	require.Contains(t, reg.Snapshot().Logins, "abcdef")

	var types []eventbus.Type
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.Equal(t, []eventbus.Type{eventbus.LoginFailed, eventbus.LoginFailed, eventbus.LoginOK}, types)
}

func TestAuthenticateUnboundedRetries(t *testing.T) {
	t.Parallel()
	exec := &flakyExecutor{failN: 12}
	sl := &recordingSleeper{}
	m := New(exec, state.New(), WithSleeper(sl))

	_, err := m.Authenticate(context.Background(), executor.Credential{Token: "x"}, 0)
	require.NoError(t, err)
	require.Len(t, sl.waits, 12)
	require.Equal(t, 300*time.Second, sl.waits[11])
}

func TestAuthenticateStopsOnCancel(t *testing.T) {
	t.Parallel()
	exec := &flakyExecutor{failN: -1}
	ctx, cancel := context.WithCancel(context.Background())
	m := New(exec, state.New(), WithSleeper(sleeperFunc(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})))

	_, err := m.Authenticate(ctx, executor.Credential{Token: "x"}, 0)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 1, exec.logins)
}

type sleeperFunc func(context.Context, time.Duration) error

func (f sleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }
