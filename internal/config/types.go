package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration.
//
// Only the logging section is hot-reloaded; everything else is read once at
// startup.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Health   HealthConfig   `json:"health"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Executor ExecutorConfig `json:"executor"`
	Fleet    FleetConfig    `json:"fleet"`
	Groups   []Group        `json:"groups"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram routes WARN+ log records to a Telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // bot token (do not log)
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HealthConfig controls the status HTTP server.
type HealthConfig struct {
	Port int `json:"port"`
	// Pprof mounts /debug/pprof on the same server.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig controls the optional audit log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./rotabot_audit" }
type StorageConfig struct {
	Driver      string  `json:"driver"`
	Path        string  `json:"path"`
	BusyTimeout Seconds `json:"busy_timeout,omitempty"` // sqlite only
}

// ExecutorConfig selects and configures the remote platform backend.
type ExecutorConfig struct {
	// Driver is one of "dryrun", "instagram", "telegram".
	Driver string `json:"driver"`

	CSRFToken string  `json:"csrf_token,omitempty"` // do not log
	DocID     string  `json:"doc_id,omitempty"`
	APIBase   string  `json:"api_base,omitempty"`
	WebBase   string  `json:"web_base,omitempty"`
	Timeout   Seconds `json:"timeout,omitempty"`

	// TelegramAPIURL overrides the Bot API endpoint (telegram driver).
	TelegramAPIURL string `json:"telegram_api_url,omitempty"`
}

// FleetConfig holds the global pacing and resilience knobs.
type FleetConfig struct {
	BurstCount      int     `json:"burst_count"`
	RefreshDelay    Seconds `json:"refresh_delay"`
	CooldownOnError Seconds `json:"cooldown_on_error"`
	LoginStagger    Seconds `json:"login_stagger"`
	// MaxLoginRetries bounds login attempts; 0 retries forever.
	MaxLoginRetries int     `json:"max_login_retries"`
	RestartDelay    Seconds `json:"restart_delay"`

	SelfURL           string  `json:"self_url,omitempty"`
	KeepaliveInterval Seconds `json:"keepalive_interval"`
	StatusInterval    Seconds `json:"status_interval"`
}

// Group is one target thread and the accounts that act on it.
type Group struct {
	ThreadID         ThreadID  `json:"thread_id"`
	Name             string    `json:"name,omitempty"`
	Message          Messages  `json:"message,omitempty"`
	Titles           []string  `json:"titles,omitempty"`
	DelayBetweenMsgs Seconds   `json:"delay_between_msgs"`
	Accounts         []Account `json:"accounts"`

	// delaySet records an explicit delay_between_msgs, so 0 is kept.
	delaySet bool
}

func (g *Group) UnmarshalJSON(b []byte) error {
	type plain Group
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var present struct {
		Delay *json.RawMessage `json:"delay_between_msgs"`
	}
	if err := json.Unmarshal(b, &present); err != nil {
		return err
	}
	*g = Group(p)
	g.delaySet = present.Delay != nil && !bytes.Equal(bytes.TrimSpace(*present.Delay), []byte("null"))
	return nil
}

// Label names the group in logs: its name, or its thread id.
func (g Group) Label() string {
	if n := strings.TrimSpace(g.Name); n != "" {
		return n
	}
	return string(g.ThreadID)
}

// AccountTitles resolves the title list of acc: acc.titles, then
// [acc.title], then the group titles, then ["Group"].
func (g Group) AccountTitles(acc Account) []string {
	if t := nonEmpty(acc.Titles); len(t) > 0 {
		return t
	}
	if t := strings.TrimSpace(acc.Title); t != "" {
		return []string{t}
	}
	if t := nonEmpty(g.Titles); len(t) > 0 {
		return t
	}
	return []string{DefaultTitle}
}

type Account struct {
	SessionID string   `json:"session_id"` // do not log
	Name      string   `json:"name,omitempty"`
	Titles    []string `json:"titles,omitempty"`
	Title     string   `json:"title,omitempty"`
}

const (
	DefaultMessage = "Hello 👋"
	DefaultTitle   = "Group"
)

// Messages accepts either a JSON string or a list of strings.
type Messages []string

func (m *Messages) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = Messages{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("message: want string or list of strings: %w", err)
	}
	*m = list
	return nil
}

// ThreadID accepts a JSON string or number.
type ThreadID string

func (t *ThreadID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = ThreadID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("thread_id: want string or number: %w", err)
	}
	*t = ThreadID(n.String())
	return nil
}

// Seconds is a duration written either as a number of seconds (40) or as a
// Go duration string ("40s", "4m").
type Seconds time.Duration

func (s Seconds) D() time.Duration { return time.Duration(s) }

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).String())
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		d, err := ParseSeconds(raw)
		if err != nil {
			return err
		}
		*s = Seconds(d)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("duration: want seconds or duration string: %w", err)
	}
	if f < 0 {
		return fmt.Errorf("duration must be >= 0")
	}
	*s = Seconds(time.Duration(f * float64(time.Second)))
	return nil
}

// ParseSeconds parses "40" as 40s and anything else as a Go duration.
func ParseSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid duration %q: must be >= 0", raw)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	return ParseDurationField("duration", raw)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
