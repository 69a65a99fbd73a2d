// Package orchestrator turns the group configuration into supervised
// worker loops: one login plus one coordinator loop per
// (group, account, kind).
package orchestrator

import (
	"context"
	"strings"
	"time"

	"rotabot/internal/config"
	"rotabot/internal/eventbus"
	"rotabot/internal/executor"
	"rotabot/internal/observability/metrics"
	"rotabot/internal/runtime/clock"
	"rotabot/internal/runtime/supervisor"
	"rotabot/internal/schedule"
	logx "rotabot/pkg/logx"
)

// Authenticator logs a credential in with bounded retries.
type Authenticator interface {
	Authenticate(ctx context.Context, cred executor.Credential, maxRetries int) (executor.Session, error)
}

// Runner runs one worker loop until ctx is done.
type Runner interface {
	Run(ctx context.Context, spec schedule.WorkerSpec, sess executor.Session) error
}

type Settings struct {
	MaxLoginRetries int
	LoginStagger    time.Duration
}

type Orchestrator struct {
	sup      *supervisor.Supervisor
	auth     Authenticator
	runner   Runner
	settings Settings

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	sleeper clock.Sleeper
}

type Option func(*Orchestrator)

func WithLogger(l logx.Logger) Option       { return func(o *Orchestrator) { o.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(o *Orchestrator) { o.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithSleeper(s clock.Sleeper) Option    { return func(o *Orchestrator) { o.sleeper = s } }

func New(sup *supervisor.Supervisor, auth Authenticator, runner Runner, settings Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sup:      sup,
		auth:     auth,
		runner:   runner,
		settings: settings,
		log:      logx.Nop(),
		bus:      eventbus.Nop{},
		sleeper:  clock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.bus == nil {
		o.bus = eventbus.Nop{}
	}
	if o.sleeper == nil {
		o.sleeper = clock.New()
	}
	return o
}

// BuildSpecs expands groups into one spec per (group, account, kind).
// Groups without accounts and accounts without a session id are skipped
// and reported through skip. Account indexes count skipped accounts too.
func BuildSpecs(groups []config.Group, skip func(group string, index int, reason string)) []schedule.WorkerSpec {
	if skip == nil {
		skip = func(string, int, string) {}
	}
	var specs []schedule.WorkerSpec
	for _, g := range groups {
		label := g.Label()
		if len(g.Accounts) == 0 {
			skip(label, -1, "no accounts configured")
			continue
		}
		total := len(g.Accounts)
		for idx, acc := range g.Accounts {
			token := strings.TrimSpace(acc.SessionID)
			if token == "" {
				skip(label, idx, "missing session_id")
				continue
			}
			base := schedule.WorkerSpec{
				Group:      label,
				ThreadID:   string(g.ThreadID),
				Index:      idx,
				Total:      total,
				Credential: executor.Credential{Token: token, Name: acc.Name},
			}
			msg := base
			msg.Kind = schedule.KindMessage
			msg.Items = append([]string(nil), g.Message...)
			msg.Base = g.DelayBetweenMsgs.D()

			title := base
			title.Kind = schedule.KindTitle
			title.Items = g.AccountTitles(acc)
			title.Base = schedule.TitleBaseDelay

			specs = append(specs, msg, title)
		}
	}
	return specs
}

// Start spawns a setup goroutine per worker spec and returns the specs.
func (o *Orchestrator) Start(groups []config.Group) []schedule.WorkerSpec {
	specs := BuildSpecs(groups, func(group string, index int, reason string) {
		o.log.Warn("skipping", logx.String("group", group), logx.Int("index", index), logx.String("reason", reason))
	})
	for _, spec := range specs {
		o.sup.Go("setup:"+spec.Name(), func(ctx context.Context) error {
			o.setup(ctx, spec)
			return nil
		})
	}
	o.log.Info("fleet starting", logx.Int("groups", len(groups)), logx.Int("workers", len(specs)))
	return specs
}

// setup logs in once, waits the login stagger, then hands the worker to the
// supervisor. A failed login means the worker never runs.
func (o *Orchestrator) setup(ctx context.Context, spec schedule.WorkerSpec) {
	log := o.log.With(
		logx.String("worker", spec.Name()),
		logx.String("account", spec.Credential.Fingerprint()),
	)
	sess, err := o.auth.Authenticate(ctx, spec.Credential, o.settings.MaxLoginRetries)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("login failed; worker not started", logx.Err(err))
		}
		return
	}
	if err := o.sleeper.Sleep(ctx, o.settings.LoginStagger*time.Duration(spec.Index)); err != nil {
		return
	}

	o.bus.Publish(eventbus.Event{Type: eventbus.WorkerStarted, Data: eventbus.Fields{
		eventbus.KeyWorker:  spec.Name(),
		eventbus.KeyAccount: spec.Credential.Fingerprint(),
		eventbus.KeyKind:    string(spec.Kind),
		eventbus.KeyThread:  spec.ThreadID,
	}})

	// The first run reuses the setup session; every restart logs in again.
	first := sess
	o.sup.GoRestart(spec.Name(), func(ctx context.Context) error {
		s := first
		first = nil
		if s == nil {
			var err error
			if s, err = o.auth.Authenticate(ctx, spec.Credential, o.settings.MaxLoginRetries); err != nil {
				return err
			}
		}
		return o.runner.Run(ctx, spec, s)
	}, supervisor.OnRestart(func(info supervisor.RestartInfo) {
		o.metrics.ObserveRestart(string(spec.Kind))
		data := eventbus.Fields{
			eventbus.KeyWorker:  spec.Name(),
			eventbus.KeyAccount: spec.Credential.Fingerprint(),
			eventbus.KeyKind:    string(spec.Kind),
			eventbus.KeyRunID:   info.RunID,
		}
		if info.Err != nil {
			data[eventbus.KeyError] = info.Err.Error()
		}
		o.bus.Publish(eventbus.Event{Type: eventbus.WorkerRestarted, Data: data})
	}))
}
