package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPort            = 10000
	DefaultDocID           = "29088580780787855"
	DefaultDelayBetweenMsg = 40 * time.Second
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Health:  HealthConfig{Port: DefaultPort},
		Executor: ExecutorConfig{
			Driver: "dryrun",
			DocID:  DefaultDocID,
		},
		Fleet: FleetConfig{
			BurstCount:        3,
			RefreshDelay:      Seconds(30 * time.Second),
			CooldownOnError:   Seconds(300 * time.Second),
			LoginStagger:      Seconds(2 * time.Second),
			MaxLoginRetries:   5,
			RestartDelay:      Seconds(10 * time.Second),
			KeepaliveInterval: Seconds(60 * time.Second),
			StatusInterval:    Seconds(120 * time.Second),
		},
	}
}

// Normalize fills group-level defaults in place: a missing message list
// becomes ["Hello 👋"] and a missing interval becomes 40s.
func (c *Config) Normalize() {
	if c.Fleet.BurstCount < 1 {
		c.Fleet.BurstCount = 1
	}
	if c.Fleet.MaxLoginRetries < 0 {
		c.Fleet.MaxLoginRetries = 0
	}
	if c.Health.Port == 0 {
		c.Health.Port = DefaultPort
	}
	c.Executor.Driver = strings.ToLower(strings.TrimSpace(c.Executor.Driver))
	if c.Executor.Driver == "" {
		c.Executor.Driver = "dryrun"
	}
	for i := range c.Groups {
		normalizeGroup(&c.Groups[i])
	}
}

func normalizeGroup(g *Group) {
	g.Message = Messages(nonEmpty(g.Message))
	if len(g.Message) == 0 {
		g.Message = Messages{DefaultMessage}
	}
	if !g.delaySet && g.DelayBetweenMsgs <= 0 {
		g.DelayBetweenMsgs = Seconds(DefaultDelayBetweenMsg)
	}
}

// Validate rejects configurations the process cannot start with.
// Group problems are not rejected here; the orchestrator skips them.
func (c *Config) Validate() error {
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port: %d out of range", c.Health.Port)
	}
	switch c.Executor.Driver {
	case "dryrun", "instagram", "telegram":
	default:
		return fmt.Errorf("executor.driver: unknown driver %q", c.Executor.Driver)
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	return nil
}
