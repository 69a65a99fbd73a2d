package app

import (
	"fmt"
	"strings"

	"rotabot/internal/config"
	"rotabot/internal/executor"
	"rotabot/internal/executor/dryrun"
	"rotabot/internal/executor/instagram"
	"rotabot/internal/executor/telegram"
	logx "rotabot/pkg/logx"
)

func newExecutor(cfg config.ExecutorConfig, log logx.Logger) (executor.Executor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "dryrun":
		return dryrun.New(log), nil
	case "instagram":
		return instagram.New(instagram.Config{
			APIBase:   cfg.APIBase,
			WebBase:   cfg.WebBase,
			CSRFToken: cfg.CSRFToken,
			DocID:     cfg.DocID,
			Timeout:   cfg.Timeout.D(),
		}, log), nil
	case "telegram":
		return telegram.New(telegram.Config{
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.Timeout.D(),
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown executor.driver: %s", cfg.Driver)
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// alertSender returns nil when no alert bot token is configured.
func alertSender(cfg *config.Config) (logx.Sender, error) {
	token := strings.TrimSpace(cfg.Logging.Telegram.Token)
	if token == "" {
		return nil, nil
	}
	s, err := telegram.NewAlertSender(telegram.Config{APIURL: cfg.Executor.TelegramAPIURL}, token)
	if err != nil {
		return nil, fmt.Errorf("logging.telegram: %w", err)
	}
	return s, nil
}
