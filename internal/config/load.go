package config

import (
	"github.com/spf13/viper"
)

// Loaded is the startup configuration plus what went wrong on the way.
type Loaded struct {
	Config  *Config
	Manager *ConfigManager
	Env     EnvResult
	// GroupsErr is set when the effective group list (GROUPS_JSON when
	// present, else the file's groups section) is malformed. The config
	// then has zero groups.
	GroupsErr error
}

// Load builds the startup config: defaults, then the optional file at path,
// then environment variables. A malformed group list is not an error: it
// is reported in GroupsErr and the config has zero groups.
func Load(path string, v *viper.Viper) (*Loaded, error) {
	if v == nil {
		v = NewViper()
	}
	m := NewConfigManager(path)
	cfg, groupsErr, err := m.parse()
	if err != nil {
		return nil, err
	}
	env := ApplyEnv(cfg, v)
	if _, ok := lookup(v, EnvGroupsJSON); ok {
		groupsErr = env.GroupsErr
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)

	// Reloaded files get the same env overlay so diffs only show file edits.
	m.SetOverlay(func(c *Config) { ApplyEnv(c, v) })
	return &Loaded{Config: cfg, Manager: m, Env: env, GroupsErr: groupsErr}, nil
}
