// Package telegram is an executor backend driving Telegram groups through bots.
//
// Each account credential is a bot token; a group thread id is a chat id.
// Login is getMe, a message is sendMessage and a title change is
// setChatTitle (the bot must be an admin of the group).
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"rotabot/internal/executor"
	logx "rotabot/pkg/logx"
)

type Config struct {
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

type Executor struct {
	cfg Config
	log logx.Logger
}

type session struct {
	bot *tele.Bot
}

func (s *session) Username() string {
	if s.bot == nil || s.bot.Me == nil {
		return ""
	}
	return s.bot.Me.Username
}

func New(cfg Config, log logx.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, log: log}
}

func (e *Executor) settings(token string, offline bool) tele.Settings {
	return tele.Settings{
		Token:   token,
		URL:     strings.TrimSpace(e.cfg.APIURL),
		Offline: offline,
		Client:  &http.Client{Timeout: e.cfg.Timeout},
		OnError: func(err error, _ tele.Context) {
			e.log.Debug("telebot error", logx.Err(err))
		},
	}
}

// Login validates the bot token with getMe.
func (e *Executor) Login(ctx context.Context, cred executor.Credential) (executor.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cred.Token)
	if token == "" {
		return nil, fmt.Errorf("telegram: empty bot token: %w", executor.ErrAuth)
	}
	b, err := tele.NewBot(e.settings(token, false))
	if err != nil {
		if isUnauthorized(err) {
			return nil, fmt.Errorf("telegram: getMe: %w: %w", executor.ErrAuth, err)
		}
		return nil, fmt.Errorf("telegram: getMe: %w", err)
	}
	return &session{bot: b}, nil
}

func (e *Executor) SendMessage(ctx context.Context, s executor.Session, threadID, text string) error {
	sess, chat, err := e.resolve(s, threadID)
	if err != nil {
		return executor.Failed(executor.ActionSend, threadID, err)
	}
	if err := ctx.Err(); err != nil {
		return executor.Failed(executor.ActionSend, threadID, err)
	}
	if _, err := sess.bot.Send(chat, text); err != nil {
		return executor.Failed(executor.ActionSend, threadID, err)
	}
	return nil
}

func (e *Executor) ChangeTitle(ctx context.Context, s executor.Session, threadID, title string) error {
	sess, chat, err := e.resolve(s, threadID)
	if err != nil {
		return executor.Failed(executor.ActionTitle, threadID, err)
	}
	if err := ctx.Err(); err != nil {
		return executor.Failed(executor.ActionTitle, threadID, err)
	}
	if err := sess.bot.SetGroupTitle(chat, title); err != nil {
		return executor.Failed(executor.ActionTitle, threadID, err)
	}
	return nil
}

func (e *Executor) resolve(s executor.Session, threadID string) (*session, *tele.Chat, error) {
	sess, ok := s.(*session)
	if !ok || sess.bot == nil {
		return nil, nil, executor.ErrWrongSession
	}
	id, err := ParseChatID(threadID)
	if err != nil {
		return nil, nil, err
	}
	return sess, &tele.Chat{ID: id}, nil
}

func isUnauthorized(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	var te *tele.Error
	return errors.As(err, &te) && te.Code == http.StatusUnauthorized
}

// ParseChatID parses a Telegram chat id ("-1001234567890").
func ParseChatID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", raw, err)
	}
	return id, nil
}

// AlertSender delivers log alerts through a single bot. It satisfies logx.Sender.
type AlertSender struct {
	bot *tele.Bot
}

// NewAlertSender builds an offline bot (no getMe round-trip) for alert delivery.
func NewAlertSender(cfg Config, token string) (*AlertSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram alert token is empty")
	}
	e := New(cfg, logx.Nop())
	b, err := tele.NewBot(e.settings(token, true))
	if err != nil {
		return nil, err
	}
	return &AlertSender{bot: b}, nil
}

func (a *AlertSender) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
