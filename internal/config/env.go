package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Environment variables understood by ApplyEnv.
const (
	EnvGroupsJSON        = "GROUPS_JSON"
	EnvBurstCount        = "BURST_COUNT"
	EnvRefreshDelay      = "REFRESH_DELAY"
	EnvCooldownOnError   = "COOLDOWN_ON_ERROR"
	EnvLoginStagger      = "LOGIN_STAGGER"
	EnvMaxLoginRetries   = "MAX_LOGIN_RETRIES"
	EnvRestartDelay      = "RESTART_DELAY"
	EnvSelfURL           = "SELF_URL"
	EnvKeepaliveInterval = "KEEPALIVE_INTERVAL"
	EnvStatusInterval    = "STATUS_INTERVAL"
	EnvPort              = "PORT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvExecutor          = "EXECUTOR"
	EnvCSRFToken         = "CSRF_TOKEN"
	EnvDocID             = "DOC_ID"
)

// NewViper returns a viper instance reading the process environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// EnvResult reports what ApplyEnv could not use.
type EnvResult struct {
	// GroupsErr is set when GROUPS_JSON is present but malformed. The
	// config then has zero groups.
	GroupsErr error
	// Invalid lists knobs that were set but unparsable and kept their
	// previous value.
	Invalid []error
}

// ApplyEnv overlays environment variables on cfg. Env always wins over the
// config file.
func ApplyEnv(cfg *Config, v *viper.Viper) EnvResult {
	var res EnvResult
	if v == nil {
		v = NewViper()
	}

	if raw, ok := lookup(v, EnvGroupsJSON); ok {
		groups, err := ParseGroups(raw)
		if err != nil {
			res.GroupsErr = err
			cfg.Groups = nil
		} else {
			cfg.Groups = groups
		}
	}

	intKnob := func(key string, dst *int) {
		if _, ok := lookup(v, key); !ok {
			return
		}
		n, err := castInt(v, key)
		if err != nil {
			res.Invalid = append(res.Invalid, err)
			return
		}
		*dst = n
	}
	durKnob := func(key string, dst *Seconds) {
		raw, ok := lookup(v, key)
		if !ok {
			return
		}
		d, err := ParseSeconds(raw)
		if err != nil {
			res.Invalid = append(res.Invalid, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = Seconds(d)
	}
	strKnob := func(key string, dst *string) {
		if raw, ok := lookup(v, key); ok {
			*dst = raw
		}
	}

	intKnob(EnvBurstCount, &cfg.Fleet.BurstCount)
	durKnob(EnvRefreshDelay, &cfg.Fleet.RefreshDelay)
	durKnob(EnvCooldownOnError, &cfg.Fleet.CooldownOnError)
	durKnob(EnvLoginStagger, &cfg.Fleet.LoginStagger)
	intKnob(EnvMaxLoginRetries, &cfg.Fleet.MaxLoginRetries)
	durKnob(EnvRestartDelay, &cfg.Fleet.RestartDelay)
	strKnob(EnvSelfURL, &cfg.Fleet.SelfURL)
	durKnob(EnvKeepaliveInterval, &cfg.Fleet.KeepaliveInterval)
	durKnob(EnvStatusInterval, &cfg.Fleet.StatusInterval)
	intKnob(EnvPort, &cfg.Health.Port)
	strKnob(EnvExecutor, &cfg.Executor.Driver)
	strKnob(EnvCSRFToken, &cfg.Executor.CSRFToken)
	strKnob(EnvDocID, &cfg.Executor.DocID)
	ApplyLoggingEnv(cfg, v)
	return res
}

// ApplyLoggingEnv applies only the logging overrides. It is also used on
// hot reload so LOG_LEVEL keeps winning over the file.
func ApplyLoggingEnv(cfg *Config, v *viper.Viper) {
	if v == nil {
		return
	}
	if raw, ok := lookup(v, EnvLogLevel); ok {
		cfg.Logging.Level = raw
	}
}

// ParseGroups decodes a GROUPS_JSON document and normalizes it. Unknown
// keys are ignored.
func ParseGroups(raw string) ([]Group, error) {
	groups, err := decodeGroups([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvGroupsJSON, err)
	}
	return groups, nil
}

// decodeGroups is the lenient group list decoder shared by GROUPS_JSON and
// the config file's groups section.
func decodeGroups(raw []byte) ([]Group, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var groups []Group
	if err := dec.Decode(&groups); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data")
	}
	for i := range groups {
		normalizeGroup(&groups[i])
	}
	return groups, nil
}

func lookup(v *viper.Viper, key string) (string, bool) {
	if !v.IsSet(key) {
		return "", false
	}
	s := strings.TrimSpace(v.GetString(key))
	return s, s != ""
}

func castInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return n, nil
}
