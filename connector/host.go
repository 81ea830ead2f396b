package connector

import (
	"fmt"
	"strings"
	"time"

	"github.com/updall/updall/cache"
	"github.com/updall/updall/common"
)

var _ Host = (*BaseHost)(nil)

// BaseHost is the standard Host implementation, populated from configuration
// before a run starts and treated as read-only afterwards.
type BaseHost struct {
	Name            string            `yaml:"name,omitempty" json:"name,omitempty"`
	Address         string            `yaml:"address,omitempty" json:"address,omitempty"`
	Port            int               `yaml:"port,omitempty" json:"port,omitempty"`
	User            string            `yaml:"user,omitempty" json:"user,omitempty"`
	PrivateKey      string            `yaml:"privateKey,omitempty" json:"-"`
	PrivateKeyPath  string            `yaml:"privateKeyPath,omitempty" json:"privateKeyPath,omitempty"`
	AgentSocket     string            `yaml:"agentSocket,omitempty" json:"agentSocket,omitempty"`
	Platform        common.Platform   `yaml:"platform,omitempty" json:"platform,omitempty"`
	Escalation      common.Escalation `yaml:"escalation,omitempty" json:"escalation,omitempty"`
	SudoPasswordEnv string            `yaml:"sudoPasswordEnv,omitempty" json:"sudoPasswordEnv,omitempty"`
	Categories      []common.Category `yaml:"categories,omitempty" json:"categories,omitempty"`
	ConnectTimeout  time.Duration     `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`
	CommandTimeout  time.Duration     `yaml:"commandTimeout,omitempty" json:"commandTimeout,omitempty"`

	hostCache *cache.Cache[string, any]
}

// NewHost returns a BaseHost with defaults applied.
func NewHost() *BaseHost {
	return &BaseHost{
		Port:           common.DefaultSSHPort,
		ConnectTimeout: common.DefaultConnectTimeout,
		CommandTimeout: common.DefaultCommandTimeout,
		Escalation:     common.EscalationPassword,
		hostCache:      cache.NewCache[string, any](cache.WithDefaultTTL[string, any](5 * time.Minute)),
	}
}

func (b *BaseHost) GetName() string    { return b.Name }
func (b *BaseHost) GetAddress() string { return b.Address }
func (b *BaseHost) GetPort() int       { return b.Port }
func (b *BaseHost) GetUser() string    { return b.User }

func (b *BaseHost) GetPrivateKey() string     { return b.PrivateKey }
func (b *BaseHost) GetPrivateKeyPath() string { return b.PrivateKeyPath }
func (b *BaseHost) GetAgentSocket() string    { return b.AgentSocket }

func (b *BaseHost) GetPlatform() common.Platform     { return b.Platform }
func (b *BaseHost) GetEscalation() common.Escalation { return b.Escalation }
func (b *BaseHost) GetSudoPasswordEnv() string       { return b.SudoPasswordEnv }

func (b *BaseHost) GetCategories() []common.Category {
	out := make([]common.Category, len(b.Categories))
	copy(out, b.Categories)
	return out
}

func (b *BaseHost) GetConnectTimeout() time.Duration { return b.ConnectTimeout }
func (b *BaseHost) GetCommandTimeout() time.Duration { return b.CommandTimeout }

// IsLocal reports whether the host is the local machine (the "local" address
// sentinel) rather than an SSH target.
func (b *BaseHost) IsLocal() bool {
	return strings.EqualFold(strings.TrimSpace(b.Address), common.LocalHostname)
}

func (b *BaseHost) GetCache() *cache.Cache[string, any] {
	if b.hostCache == nil {
		b.hostCache = cache.NewCache[string, any](cache.WithDefaultTTL[string, any](5 * time.Minute))
	}
	return b.hostCache
}

// Validate checks the host profile before a run starts.
func (b *BaseHost) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("host name cannot be empty")
	}
	if strings.TrimSpace(b.Address) == "" {
		return fmt.Errorf("host address cannot be empty for host %q", b.Name)
	}
	if !b.Platform.Valid() {
		return fmt.Errorf("invalid platform %q for host %q", b.Platform, b.Name)
	}
	if !b.Escalation.Valid() {
		return fmt.Errorf("invalid escalation method %q for host %q", b.Escalation, b.Name)
	}
	if len(b.Categories) == 0 {
		return fmt.Errorf("no update categories configured for host %q", b.Name)
	}
	if b.IsLocal() {
		return nil
	}
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("invalid port %d for host %q", b.Port, b.Name)
	}
	if strings.TrimSpace(b.User) == "" {
		return fmt.Errorf("user cannot be empty for remote host %q", b.Name)
	}
	hasKey := strings.TrimSpace(b.PrivateKey) != "" || strings.TrimSpace(b.PrivateKeyPath) != ""
	hasAgent := strings.TrimSpace(b.AgentSocket) != ""
	if !hasKey && !hasAgent {
		return fmt.Errorf("remote host %q requires a private key or an agent socket", b.Name)
	}
	return nil
}

func (b *BaseHost) ID() string {
	if name := strings.TrimSpace(b.Name); name != "" {
		return name
	}
	return fmt.Sprintf("%s:%d", strings.TrimSpace(b.Address), b.Port)
}
