// Package supervisor hosts every long-running goroutine of the process.
//
// GoRestart is the crash-isolation boundary of the fleet: whatever the body
// does (return, fail, panic) is logged and the body is started again after
// the restart delay, until the supervisor context is cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"rotabot/internal/runtime/clock"
	logx "rotabot/pkg/logx"
)

// DefaultRestartDelay is the pause between a worker exit and its restart.
const DefaultRestartDelay = 10 * time.Second

// ErrExited marks a restart caused by a body that returned nil.
var ErrExited = errors.New("exited")

// Supervisor manages goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started uint64
	active  int64

	log          logx.Logger
	sleeper      clock.Sleeper
	restartDelay time.Duration
	now          func() time.Time

	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*gorStats
}

type Option func(*Supervisor)

// Counters are best-effort goroutine counters.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates runs that share a name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	RunID        string        `json:"run_id,omitempty"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at,omitzero"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a point-in-time view for /health.
type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type gorStats struct {
	GoroutineStats
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithRestartDelay sets the default pause before GoRestart re-runs a body.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.restartDelay = d
		}
	}
}

// WithSleeper replaces the wall-clock sleeper used for restart delays.
func WithSleeper(sl clock.Sleeper) Option {
	return func(s *Supervisor) {
		if sl != nil {
			s.sleeper = sl
		}
	}
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:          ctx,
		cancel:       cancel,
		doneCh:       make(chan struct{}),
		stats:        map[string]*gorStats{},
		sleeper:      clock.New(),
		restartDelay: DefaultRestartDelay,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error recorded by a one-shot goroutine.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	gs := make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		gs = append(gs, st.GoroutineStats)
	}
	s.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		return gs[i].Name < gs[j].Name
	})
	snap.Goroutines = gs
	return snap
}

func (s *Supervisor) statsFor(name string) *gorStats {
	st := s.stats[name]
	if st == nil {
		st = &gorStats{GoroutineStats{Name: name}}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name, runID string, restart bool) time.Time {
	now := s.now()
	s.mu.Lock()
	st := s.statsFor(name)
	st.Started++
	if restart {
		st.Restarts++
	}
	st.Active++
	st.RunID = runID
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error, pan any) {
	now := s.now()
	dur := now.Sub(startedAt)
	s.mu.Lock()
	st := s.statsFor(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = dur
	st.TotalRuntime += dur
	if err != nil {
		st.LastErr = err.Error()
	}
	if pan != nil {
		st.Panics++
		st.LastPanic = fmt.Sprint(pan)
	}
	s.mu.Unlock()
}

// Go runs fn once. A panic is recovered, logged and recorded as Err.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		startedAt := s.noteStart(name, "", false)
		err, pan, stack := call(s.ctx, fn)
		if pan != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pan), logx.String("stack", stack))
			err = fmt.Errorf("panic: %v", pan)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.setErr(err)
		} else {
			err = nil
		}
		s.noteStop(name, startedAt, err, pan)
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures one GoRestart call.
type RestartOption func(*restartCfg)

// RestartInfo describes a finished run, passed to OnRestart hooks.
type RestartInfo struct {
	Name  string
	RunID string
	Run   int
	Err   error
	Panic any
	Wait  time.Duration
}

type restartCfg struct {
	delay           time.Duration
	backoff         *backoff.ExponentialBackOff
	stopOnCleanExit bool
	onRestart       func(RestartInfo)
}

// WithDelay overrides the supervisor restart delay for one loop.
func WithDelay(d time.Duration) RestartOption {
	return func(c *restartCfg) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithRestartBackoff replaces the fixed delay with a jittered exponential
// backoff between min and max. Used by infrastructure loops (HTTP servers)
// rather than fleet workers.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		b := backoff.NewExponentialBackOff()
		if min > 0 {
			b.InitialInterval = min
		}
		if max > 0 {
			b.MaxInterval = max
		}
		c.backoff = b
	}
}

// WithStopOnCleanExit makes GoRestart stop, instead of restarting, when fn
// returns nil. Off by default.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// OnRestart registers a hook called after every run that will be restarted.
func OnRestart(fn func(RestartInfo)) RestartOption {
	return func(c *restartCfg) { c.onRestart = fn }
}

// GoRestart runs fn in a loop until the supervisor context is cancelled.
// A return (nil or error) or a panic is logged, then fn is started again
// after the restart delay. Each run gets a fresh run id.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{delay: s.restartDelay}
	for _, o := range opts {
		o(&cfg)
	}

	// The hosting goroutine uses its own name so per-task stats are not
	// double counted.
	s.Go0(name+".restart", func(ctx context.Context) {
		for run := 0; ; run++ {
			if ctx.Err() != nil {
				return
			}
			runID := uuid.NewString()
			log := s.log.With(logx.String("name", name), logx.String("run_id", runID))
			startedAt := s.noteStart(name, runID, run > 0)

			err, pan, stack := call(ctx, fn)
			if pan != nil {
				log.Error("worker panicked", logx.Any("panic", pan), logx.String("stack", stack))
				err = fmt.Errorf("panic: %v", pan)
			}

			if ctx.Err() != nil || (pan == nil && errors.Is(err, context.Canceled)) {
				s.noteStop(name, startedAt, nil, pan)
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					s.noteStop(name, startedAt, nil, nil)
					return
				}
				err = ErrExited
			}
			s.noteStop(name, startedAt, err, pan)

			wait := cfg.delay
			if cfg.backoff != nil {
				if time.Since(startedAt) >= 30*time.Second {
					cfg.backoff.Reset()
				}
				wait = cfg.backoff.NextBackOff()
			}
			if pan == nil {
				log.Error("worker stopped", logx.Int("run", run), logx.Duration("restart_in", wait), logx.Err(err))
			}
			if cfg.onRestart != nil {
				cfg.onRestart(RestartInfo{Name: name, RunID: runID, Run: run, Err: err, Panic: pan, Wait: wait})
			}
			if s.sleeper.Sleep(ctx, wait) != nil {
				return
			}
		}
	})
}

// call runs fn, converting a panic into (pan, stack).
func call(ctx context.Context, fn func(context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
