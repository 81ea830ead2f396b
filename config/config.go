package config

import (
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/updall/updall/common"
)

// Config is the top-level configuration structure.
type Config struct {
	Systems  map[string]SystemSpec `yaml:"systems"`
	Settings SettingsSpec          `yaml:"update_settings"`
}

// SystemSpec describes one target system.
type SystemSpec struct {
	Hostname        string   `yaml:"hostname"`
	Type            string   `yaml:"type"`
	Updates         []string `yaml:"updates"`
	SudoMethod      string   `yaml:"sudo_method,omitempty"`
	SudoPasswordEnv string   `yaml:"sudo_password_env,omitempty"`
	SSH             *SSHSpec `yaml:"ssh,omitempty"`
}

// SSHSpec describes how to reach a remote system. Key-based authentication
// only; SSH passwords are deliberately not supported.
type SSHSpec struct {
	User           string        `yaml:"user"`
	Port           int           `yaml:"port,omitempty"`
	KeyFile        string        `yaml:"key_file,omitempty"`
	AgentSocket    string        `yaml:"agent_socket,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// SettingsSpec holds run-wide settings.
type SettingsSpec struct {
	LogLevel       string        `yaml:"log_level,omitempty"`
	Parallel       int           `yaml:"parallel,omitempty"`
	RetryLimit     int           `yaml:"retry_limit,omitempty"`
	BaseBackoff    time.Duration `yaml:"base_backoff,omitempty"`
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`
	OverallTimeout time.Duration `yaml:"overall_timeout,omitempty"`
}

// Loader handles loading and structural validation of a Config from a file.
type Loader struct {
	filePath string
}

// NewLoader creates a configuration loader for the given file path.
func NewLoader(filePath string) *Loader {
	return &Loader{filePath: filePath}
}

// Load reads the configuration file, unmarshals it, applies defaults and
// validates it.
func (l *Loader) Load() (*Config, error) {
	if l.filePath == "" {
		return nil, errors.New("configuration file path is empty")
	}
	content, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", l.filePath)
	}
	if len(content) == 0 {
		return nil, errors.Errorf("configuration file %q is empty", l.filePath)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config YAML from %q", l.filePath)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config validation failed for %q", l.filePath)
	}
	return &cfg, nil
}

// Validate checks the structural invariants of the configuration.
func (c *Config) Validate() error {
	if len(c.Systems) == 0 {
		return errors.New("config must contain a non-empty 'systems' section")
	}
	for name, sys := range c.Systems {
		if err := sys.validate(name); err != nil {
			return err
		}
	}
	if c.Settings.Parallel < 1 {
		return errors.Errorf("update_settings.parallel must be >= 1, got %d", c.Settings.Parallel)
	}
	if c.Settings.RetryLimit < 1 {
		return errors.Errorf("update_settings.retry_limit must be >= 1, got %d", c.Settings.RetryLimit)
	}
	return nil
}

func (s SystemSpec) validate(name string) error {
	if s.Hostname == "" {
		return errors.Errorf("system %q is missing required field 'hostname'", name)
	}
	if !common.Platform(s.Type).Valid() {
		return errors.Errorf("system %q has invalid type %q (want arch or debian)", name, s.Type)
	}
	if len(s.Updates) == 0 {
		return errors.Errorf("system %q has no update categories configured", name)
	}
	for _, u := range s.Updates {
		switch common.Category(u) {
		case common.CategorySystemPackages, common.CategoryRust, common.CategoryNode,
			common.CategorySdkman, common.CategoryGcloud:
		default:
			return errors.Errorf("system %q has unknown update category %q", name, u)
		}
	}
	if s.SudoMethod != "" && !common.Escalation(s.SudoMethod).Valid() {
		return errors.Errorf("system %q has invalid sudo_method %q (want none, nopasswd or password)", name, s.SudoMethod)
	}
	if s.Hostname != common.LocalHostname {
		if s.SSH == nil {
			return errors.Errorf("remote system %q requires an 'ssh' section", name)
		}
		if s.SSH.User == "" {
			return errors.Errorf("remote system %q requires ssh.user", name)
		}
		if s.SSH.KeyFile == "" && s.SSH.AgentSocket == "" {
			return errors.Errorf("remote system %q requires ssh.key_file or ssh.agent_socket", name)
		}
	}
	return nil
}

// SystemNames returns the configured system names in stable order.
func (c *Config) SystemNames() []string {
	names := make([]string, 0, len(c.Systems))
	for name := range c.Systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
