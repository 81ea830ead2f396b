package config

import (
	"time"

	"github.com/updall/updall/common"
)

const (
	// DefaultSudoPasswordEnv is the environment variable consulted for a
	// system's sudo password when the config does not name one.
	DefaultSudoPasswordEnv = "UPDATE_SUDO_PASS"

	DefaultRetryLimit  = 3
	DefaultBaseBackoff = 5 * time.Second
)

func (c *Config) applyDefaults() {
	for name, sys := range c.Systems {
		if sys.SudoMethod == "" {
			sys.SudoMethod = string(common.EscalationPassword)
		}
		if sys.SudoPasswordEnv == "" {
			sys.SudoPasswordEnv = DefaultSudoPasswordEnv
		}
		if sys.SSH != nil {
			if sys.SSH.Port == 0 {
				sys.SSH.Port = common.DefaultSSHPort
			}
			if sys.SSH.ConnectTimeout == 0 {
				sys.SSH.ConnectTimeout = common.DefaultConnectTimeout
			}
		}
		c.Systems[name] = sys
	}

	if c.Settings.LogLevel == "" {
		c.Settings.LogLevel = "info"
	}
	if c.Settings.Parallel == 0 {
		// Sequential by default: concurrent interactive prompts sharing one
		// terminal or secret store are unsafe.
		c.Settings.Parallel = 1
	}
	if c.Settings.RetryLimit == 0 {
		c.Settings.RetryLimit = DefaultRetryLimit
	}
	if c.Settings.BaseBackoff == 0 {
		c.Settings.BaseBackoff = DefaultBaseBackoff
	}
	if c.Settings.CommandTimeout == 0 {
		c.Settings.CommandTimeout = common.DefaultCommandTimeout
	}
}
