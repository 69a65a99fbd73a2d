package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rotabot/internal/runtime/clock"
)

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

func (r *recordingSleeper) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func waitStopped(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("supervisor did not stop")
	}
}

func TestGoRestartKeepsRestartingPanickingBody(t *testing.T) {
	t.Parallel()
	sl := &recordingSleeper{}
	s := New(context.Background(), WithSleeper(sl), WithRestartDelay(10*time.Second))

	const runs = 25
	var calls atomic.Int32
	var hooks atomic.Int32
	s.GoRestart("worker", func(ctx context.Context) error {
		if calls.Add(1) == runs {
			s.Cancel()
		}
		panic("boom")
	}, OnRestart(func(info RestartInfo) {
		hooks.Add(1)
		if info.Panic == nil {
			t.Errorf("restart info without panic")
		}
	}))
	waitStopped(t, s)

	if got := calls.Load(); got != runs {
		t.Fatalf("calls=%d want %d", got, runs)
	}
	waits := sl.all()
	if len(waits) != runs-1 {
		t.Fatalf("restarts=%d want %d", len(waits), runs-1)
	}
	for i, w := range waits {
		if w != 10*time.Second {
			t.Fatalf("wait[%d]=%s want 10s", i, w)
		}
	}
	if got := hooks.Load(); got != runs-1 {
		t.Fatalf("hooks=%d want %d", got, runs-1)
	}

	var st GoroutineStats
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "worker" {
			st = g
		}
	}
	if st.Panics != runs || st.Restarts != runs-1 || st.Active != 0 {
		t.Fatalf("stats=%+v", st)
	}
	if st.RunID == "" {
		t.Fatalf("missing run id")
	}
}

func TestGoRestartRestartsCleanExitAndErrors(t *testing.T) {
	t.Parallel()
	sl := &recordingSleeper{}
	s := New(context.Background(), WithSleeper(sl))

	var calls atomic.Int32
	s.GoRestart("worker", func(ctx context.Context) error {
		switch calls.Add(1) {
		case 1:
			return nil
		case 2:
			return errors.New("remote hiccup")
		default:
			s.Cancel()
			return ctx.Err()
		}
	})
	waitStopped(t, s)

	if got := calls.Load(); got != 3 {
		t.Fatalf("calls=%d want 3", got)
	}
	if got := sl.all(); len(got) != 2 || got[0] != DefaultRestartDelay {
		t.Fatalf("waits=%v", got)
	}
	if s.Err() != nil {
		t.Fatalf("restart loop must not publish an error: %v", s.Err())
	}
}

func TestGoRestartStopOnCleanExit(t *testing.T) {
	t.Parallel()
	sl := &recordingSleeper{}
	s := New(context.Background(), WithSleeper(sl))

	var calls atomic.Int32
	s.GoRestart("once", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, WithStopOnCleanExit(true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls.Load() != 1 || len(sl.all()) != 0 {
		t.Fatalf("calls=%d waits=%v", calls.Load(), sl.all())
	}
}

func TestGoRestartRealSleeperStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithSleeper(clock.New()), WithRestartDelay(time.Hour))

	started := make(chan struct{}, 1)
	s.GoRestart("slow", func(ctx context.Context) error {
		started <- struct{}{}
		return errors.New("fail")
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("a", func(ctx context.Context) error { return errors.New("first") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "a: first" {
		t.Fatalf("err=%v", err)
	}
	if c := s.Counters(); c.Started != 1 || c.Active != 0 {
		t.Fatalf("counters=%+v", c)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("p", func(ctx context.Context) { panic("nope") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected panic error")
	}
}
