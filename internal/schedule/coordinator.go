package schedule

import (
	"context"
	"fmt"
	"time"

	"rotabot/internal/eventbus"
	"rotabot/internal/executor"
	"rotabot/internal/observability/metrics"
	"rotabot/internal/runtime/clock"
	"rotabot/internal/state"
	logx "rotabot/pkg/logx"
)

// Knobs are the fleet-wide pacing settings of the messenger cycle.
type Knobs struct {
	BurstCount      int
	RefreshDelay    time.Duration
	CooldownOnError time.Duration
}

// DefaultKnobs returns the built-in pacing.
func DefaultKnobs() Knobs {
	return Knobs{
		BurstCount:      3,
		RefreshDelay:    30 * time.Second,
		CooldownOnError: 300 * time.Second,
	}
}

// Coordinator runs worker loops against an executor.
type Coordinator struct {
	exec    executor.Executor
	reg     *state.Registry
	knobs   Knobs
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	sleeper clock.Sleeper
}

type Option func(*Coordinator)

func WithLogger(l logx.Logger) Option       { return func(c *Coordinator) { c.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(c *Coordinator) { c.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }
func WithSleeper(s clock.Sleeper) Option    { return func(c *Coordinator) { c.sleeper = s } }

func New(exec executor.Executor, reg *state.Registry, knobs Knobs, opts ...Option) *Coordinator {
	if knobs.BurstCount < 1 {
		knobs.BurstCount = 1
	}
	c := &Coordinator{
		exec:    exec,
		reg:     reg,
		knobs:   knobs,
		log:     logx.Nop(),
		bus:     eventbus.Nop{},
		sleeper: clock.New(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	if c.bus == nil {
		c.bus = eventbus.Nop{}
	}
	if c.sleeper == nil {
		c.sleeper = clock.New()
	}
	return c
}

// Run dispatches on spec.Kind.
func (c *Coordinator) Run(ctx context.Context, spec WorkerSpec, sess executor.Session) error {
	switch spec.Kind {
	case KindMessage:
		return c.RunMessenger(ctx, spec, sess)
	case KindTitle:
		return c.RunTitles(ctx, spec, sess)
	default:
		return fmt.Errorf("schedule: unknown worker kind %q", spec.Kind)
	}
}

// RunMessenger staggers, then cycles through spec.Items forever: each
// message is sent BurstCount times, pausing AccountDelay after a delivery
// and CooldownOnError after a failure, and every cycle ends with a
// RefreshDelay*Total pause. It returns only when ctx is done.
func (c *Coordinator) RunMessenger(ctx context.Context, spec WorkerSpec, sess executor.Session) error {
	delay := spec.AccountDelay()
	log := c.workerLog(spec)

	if err := c.sleeper.Sleep(ctx, spec.Stagger()); err != nil {
		return err
	}
	c.reg.Increment(state.CounterMessage)
	defer c.reg.Decrement(state.CounterMessage)
	log.Info("messenger started", logx.Duration("account_delay", delay), logx.Int("messages", len(spec.Items)))

	cycle := c.knobs.RefreshDelay * time.Duration(max(spec.Total, 1))
	for n := 0; ; n++ {
		msg := Pick(spec.Items, n)
		for i := 0; i < c.knobs.BurstCount; i++ {
			err := c.exec.SendMessage(ctx, sess, spec.ThreadID, msg)
			c.metrics.ObserveAction(string(executor.ActionSend), err)
			wait := delay
			if err != nil {
				c.actionFailed(log, spec, executor.ActionSend, err)
				wait = c.knobs.CooldownOnError
			} else {
				log.Debug("message sent", logx.Int("cycle", n), logx.Int("burst", i+1))
			}
			if err := c.sleeper.Sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := c.sleeper.Sleep(ctx, cycle); err != nil {
			return err
		}
	}
}

// RunTitles staggers, then rotates spec.Items forever with AccountDelay
// between changes. A failed change is logged and the loop moves on
// without a cooldown.
func (c *Coordinator) RunTitles(ctx context.Context, spec WorkerSpec, sess executor.Session) error {
	delay := spec.AccountDelay()
	log := c.workerLog(spec)

	if err := c.sleeper.Sleep(ctx, spec.Stagger()); err != nil {
		return err
	}
	c.reg.Increment(state.CounterTitle)
	defer c.reg.Decrement(state.CounterTitle)
	log.Info("title rotation started", logx.Duration("account_delay", delay), logx.Int("titles", len(spec.Items)))

	for n := 0; ; n++ {
		title := Pick(spec.Items, n)
		err := c.exec.ChangeTitle(ctx, sess, spec.ThreadID, title)
		c.metrics.ObserveAction(string(executor.ActionTitle), err)
		if err != nil {
			c.actionFailed(log, spec, executor.ActionTitle, err)
		} else {
			log.Debug("title changed", logx.String("title", title), logx.Int("cycle", n))
		}
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Coordinator) workerLog(spec WorkerSpec) logx.Logger {
	return c.log.With(
		logx.String("kind", string(spec.Kind)),
		logx.String("group", spec.Group),
		logx.String("thread", spec.ThreadID),
		logx.String("account", spec.Credential.Fingerprint()),
		logx.Int("index", spec.Index),
	)
}

func (c *Coordinator) actionFailed(log logx.Logger, spec WorkerSpec, action executor.Action, err error) {
	log.Warn("action failed", logx.String("action", string(action)), logx.Err(err))
	c.bus.Publish(eventbus.Event{Type: eventbus.ActionFailed, Data: eventbus.Fields{
		eventbus.KeyAccount: spec.Credential.Fingerprint(),
		eventbus.KeyThread:  spec.ThreadID,
		eventbus.KeyKind:    string(spec.Kind),
		eventbus.KeyAction:  string(action),
		eventbus.KeyError:   err.Error(),
	}})
}
