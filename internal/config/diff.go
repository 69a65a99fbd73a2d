package config

import (
	"reflect"
	"strings"

	logx "rotabot/pkg/logx"
)

// Sections that take effect without a restart.
var hotSections = map[string]bool{"logging": true}

// SummarizeConfigChange lists the changed sections and safe log fields
// (never tokens or session ids). The third result lists changed sections
// that need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs, logx.Int("health.port", newCfg.Health.Port), logx.Bool("health.pprof", newCfg.Health.Pprof))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.driver", newCfg.Executor.Driver),
			logx.Bool("executor.csrf_set", strings.TrimSpace(newCfg.Executor.CSRFToken) != ""),
		)
	}
	if oldCfg.Fleet != newCfg.Fleet {
		changed = append(changed, "fleet")
		attrs = append(attrs,
			logx.Int("fleet.burst_count", newCfg.Fleet.BurstCount),
			logx.Duration("fleet.refresh_delay", newCfg.Fleet.RefreshDelay.D()),
			logx.Duration("fleet.cooldown_on_error", newCfg.Fleet.CooldownOnError.D()),
		)
	}
	if !reflect.DeepEqual(oldCfg.Groups, newCfg.Groups) {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.Int("groups", len(newCfg.Groups)), logx.Int("accounts", countAccounts(newCfg.Groups)))
	}

	var needRestart []string
	for _, s := range changed {
		if !hotSections[s] {
			needRestart = append(needRestart, s)
		}
	}
	return changed, attrs, needRestart
}

func countAccounts(groups []Group) int {
	n := 0
	for _, g := range groups {
		n += len(g.Accounts)
	}
	return n
}
