// Package dryrun is an executor backend that performs no remote calls.
// It logs every action and always succeeds, which makes it the default for
// local runs and for exercising schedules against a real config.
package dryrun

import (
	"context"
	"fmt"
	"strings"

	"rotabot/internal/executor"
	logx "rotabot/pkg/logx"
)

type Executor struct {
	log logx.Logger
}

type session struct {
	name string
}

func (s *session) Username() string { return s.name }

func New(log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{log: log}
}

func (e *Executor) Login(ctx context.Context, cred executor.Credential) (executor.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cred.Token) == "" {
		return nil, fmt.Errorf("dryrun: empty token: %w", executor.ErrAuth)
	}
	name := strings.TrimSpace(cred.Name)
	if name == "" {
		name = "dry-" + cred.Fingerprint()
	}
	return &session{name: name}, nil
}

func (e *Executor) SendMessage(ctx context.Context, s executor.Session, threadID, text string) error {
	if err := ctx.Err(); err != nil {
		return executor.Failed(executor.ActionSend, threadID, err)
	}
	e.log.Info("dry-run send", logx.String("user", s.Username()), logx.String("thread", threadID), logx.String("text", text))
	return nil
}

func (e *Executor) ChangeTitle(ctx context.Context, s executor.Session, threadID, title string) error {
	if err := ctx.Err(); err != nil {
		return executor.Failed(executor.ActionTitle, threadID, err)
	}
	e.log.Info("dry-run title", logx.String("user", s.Username()), logx.String("thread", threadID), logx.String("title", title))
	return nil
}
