package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rotabot/internal/executor"
	"rotabot/internal/state"
)

type session struct{}

func (session) Username() string { return "bot" }

// harness records sends, title changes and sleeps in one ordered trace, and
// cancels ctx once the executor has been called limit times.
type harness struct {
	mu     sync.Mutex
	trace  []string
	calls  int
	limit  int
	fail   bool
	boom   bool
	cancel context.CancelFunc
	reg    *state.Registry

	// active is the registry gauge observed at each action.
	active []int
}

func (h *harness) action(kind, arg string, c state.Counter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.trace = append(h.trace, kind+" "+arg)
	h.active = append(h.active, h.reg.Count(c))
	if h.boom {
		panic("executor blew up on " + kind)
	}
	if h.calls >= h.limit {
		h.cancel()
	}
	if h.fail {
		return executor.Failed(executor.Action(kind), "t1", errors.New("rate limited"))
	}
	return nil
}

func (h *harness) Login(context.Context, executor.Credential) (executor.Session, error) {
	return session{}, nil
}

func (h *harness) SendMessage(_ context.Context, _ executor.Session, _ string, text string) error {
	return h.action("send", text, state.CounterMessage)
}

func (h *harness) ChangeTitle(_ context.Context, _ executor.Session, _ string, title string) error {
	return h.action("title", title, state.CounterTitle)
}

func (h *harness) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	h.trace = append(h.trace, fmt.Sprintf("sleep %s", d))
	h.mu.Unlock()
	return nil
}

func run(t *testing.T, knobs Knobs, spec WorkerSpec, limit int, fail bool) (*harness, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &harness{limit: limit, fail: fail, cancel: cancel, reg: state.New()}
	c := New(h, h.reg, knobs, WithSleeper(h))
	err := c.Run(ctx, spec, session{})
	require.Zero(t, h.reg.Count(spec.Kind.Counter()), "gauge must drop back to zero on exit")
	return h, err
}

func TestMessengerIndexTwoWaitsForStagger(t *testing.T) {
	t.Parallel()
	knobs := Knobs{BurstCount: 2, RefreshDelay: 30 * time.Second, CooldownOnError: 300 * time.Second}
	spec := WorkerSpec{Kind: KindMessage, ThreadID: "t1", Index: 2, Total: 3, Items: []string{"hi", "yo"}, Base: 40 * time.Second}

	h, err := run(t, knobs, spec, 4, false)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{
		"sleep 26s",
		"send hi", "sleep 13s",
		"send hi", "sleep 13s",
		"sleep 1m30s",
		"send yo", "sleep 13s",
		"send yo",
	}, h.trace)
	require.Equal(t, []int{1, 1, 1, 1}, h.active)
}

func TestMessengerCoolsDownAfterFailure(t *testing.T) {
	t.Parallel()
	knobs := Knobs{BurstCount: 3, RefreshDelay: 30 * time.Second, CooldownOnError: 300 * time.Second}
	spec := WorkerSpec{Kind: KindMessage, ThreadID: "t1", Index: 0, Total: 1, Items: []string{"hi"}, Base: 40 * time.Second}

	h, err := run(t, knobs, spec, 4, true)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{
		"sleep 0s",
		"send hi", "sleep 5m0s",
		"send hi", "sleep 5m0s",
		"send hi", "sleep 5m0s",
		"sleep 30s",
		"send hi",
	}, h.trace)
}

func TestTitleLoopDoesNotCoolDown(t *testing.T) {
	t.Parallel()
	knobs := Knobs{BurstCount: 3, RefreshDelay: 30 * time.Second, CooldownOnError: 300 * time.Second}
	spec := WorkerSpec{Kind: KindTitle, ThreadID: "t1", Index: 1, Total: 2, Items: []string{"A", "B", "C"}, Base: TitleBaseDelay}

	h, err := run(t, knobs, spec, 4, true)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{
		"sleep 2m0s",
		"title A", "sleep 2m0s",
		"title B", "sleep 2m0s",
		"title C", "sleep 2m0s",
		"title A",
	}, h.trace)
}

func TestRunUnknownKind(t *testing.T) {
	t.Parallel()
	c := New(&harness{}, state.New(), DefaultKnobs())
	err := c.Run(context.Background(), WorkerSpec{Kind: "bogus"}, session{})
	require.Error(t, err)
}

func TestCancelDuringStaggerNeverRegisters(t *testing.T) {
	t.Parallel()
	reg := state.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &harness{reg: reg, limit: 1, cancel: cancel}
	c := New(h, reg, DefaultKnobs(), WithSleeper(h))

	err := c.RunMessenger(ctx, WorkerSpec{Kind: KindMessage, Index: 1, Total: 2, Items: []string{"x"}, Base: 40 * time.Second}, session{})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.trace)
}

func TestExecutorPanicReleasesGauge(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		spec WorkerSpec
	}{
		{"message", WorkerSpec{Kind: KindMessage, ThreadID: "t1", Total: 1, Items: []string{"hi"}, Base: 40 * time.Second}},
		{"title", WorkerSpec{Kind: KindTitle, ThreadID: "t1", Total: 1, Items: []string{"A"}, Base: TitleBaseDelay}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h := &harness{limit: 10, boom: true, cancel: cancel, reg: state.New()}
			c := New(h, h.reg, DefaultKnobs(), WithSleeper(h))

			var recovered any
			func() {
				defer func() { recovered = recover() }()
				_ = c.Run(ctx, tc.spec, session{})
			}()

			require.NotNil(t, recovered, "panic must reach the caller")
			require.Equal(t, []int{1}, h.active)
			require.Zero(t, h.reg.Count(tc.spec.Kind.Counter()))
		})
	}
}
