// Package auth turns a credential into a live session, retrying rejected
// logins with a capped exponential backoff.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"rotabot/internal/eventbus"
	"rotabot/internal/executor"
	"rotabot/internal/observability/metrics"
	"rotabot/internal/runtime/clock"
	"rotabot/internal/state"
	logx "rotabot/pkg/logx"
)

// ErrLoginFailed is returned once the retry budget is exhausted.
var ErrLoginFailed = errors.New("login failed")

const (
	InitialBackoff = 2 * time.Second
	MaxBackoff     = 300 * time.Second
)

// NewBackOff returns the login backoff: 2s doubling up to 300s, no jitter.
func NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialBackoff
	b.MaxInterval = MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Manager authenticates credentials against an executor.
type Manager struct {
	exec    executor.Executor
	reg     *state.Registry
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	sleeper clock.Sleeper
}

type Option func(*Manager)

func WithLogger(l logx.Logger) Option        { return func(m *Manager) { m.log = l } }
func WithBus(b eventbus.Bus) Option          { return func(m *Manager) { m.bus = b } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithSleeper replaces the wall-clock sleeper used between attempts.
func WithSleeper(s clock.Sleeper) Option {
	return func(m *Manager) {
		if s != nil {
			m.sleeper = s
		}
	}
}

func New(exec executor.Executor, reg *state.Registry, opts ...Option) *Manager {
	m := &Manager{
		exec:    exec,
		reg:     reg,
		log:     logx.Nop(),
		bus:     eventbus.Nop{},
		sleeper: clock.New(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.bus == nil {
		m.bus = eventbus.Nop{}
	}
	return m
}

// Authenticate logs cred in. maxRetries > 0 bounds the number of attempts;
// maxRetries <= 0 retries forever. On success the login is recorded in the
// registry under the credential fingerprint.
func (m *Manager) Authenticate(ctx context.Context, cred executor.Credential, maxRetries int) (executor.Session, error) {
	fp := cred.Fingerprint()
	log := m.log.With(logx.String("account", fp))
	bo := NewBackOff()

	for attempt := 1; ; attempt++ {
		sess, err := m.exec.Login(ctx, cred)
		if err == nil {
			m.reg.RecordLoginNow(fp)
			m.metrics.ObserveLogin(true)
			m.bus.Publish(eventbus.Event{Type: eventbus.LoginOK, Data: eventbus.Fields{
				eventbus.KeyAccount: fp,
				eventbus.KeyAttempt: attempt,
			}})
			log.Info("logged in", logx.String("user", sess.Username()), logx.Int("attempt", attempt))
			return sess, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		m.metrics.ObserveLogin(false)
		m.bus.Publish(eventbus.Event{Type: eventbus.LoginFailed, Data: eventbus.Fields{
			eventbus.KeyAccount: fp,
			eventbus.KeyAttempt: attempt,
			eventbus.KeyError:   err.Error(),
		}})

		if maxRetries > 0 && attempt >= maxRetries {
			m.bus.Publish(eventbus.Event{Type: eventbus.LoginGaveUp, Data: eventbus.Fields{
				eventbus.KeyAccount: fp,
				eventbus.KeyAttempt: attempt,
			}})
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrLoginFailed, attempt, err)
		}

		wait := bo.NextBackOff()
		log.Warn("login attempt failed", logx.Int("attempt", attempt), logx.Duration("retry_in", wait), logx.Err(err))
		if err := m.sleeper.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}
