package common

import "time"

const (
	AppName = "updall"

	// LocalHostname is the sentinel address that selects the local transport
	// instead of an SSH connection.
	LocalHostname = "local"
)

// Log field names shared across packages so the formatter can order them.
const (
	LogFieldApp      = "App"
	LogFieldSystem   = "System"
	LogFieldCategory = "Category"
	LogFieldCommand  = "Command"
)

// Platform identifies the package-manager family of a target system.
type Platform string

const (
	PlatformArch    Platform = "arch"
	PlatformDebian  Platform = "debian"
	PlatformUnknown Platform = "unknown"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformArch, PlatformDebian:
		return true
	default:
		return false
	}
}

// Escalation describes how a system obtains elevated privileges for
// commands that need them.
type Escalation string

const (
	// EscalationNone means privileged commands run unwrapped
	// (e.g. the run user is already root).
	EscalationNone Escalation = "none"
	// EscalationNoPasswd wraps privileged commands with a non-interactive sudo.
	EscalationNoPasswd Escalation = "nopasswd"
	// EscalationPassword wraps privileged commands with sudo and answers its
	// interactive password prompt.
	EscalationPassword Escalation = "password"
)

func (e Escalation) Valid() bool {
	switch e {
	case EscalationNone, EscalationNoPasswd, EscalationPassword:
		return true
	default:
		return false
	}
}

// Category names an ordered group of update commands for one ecosystem.
type Category string

const (
	CategorySystemPackages Category = "system_packages"
	CategoryRust           Category = "rust"
	CategoryNode           Category = "node"
	CategorySdkman         Category = "sdkman"
	CategoryGcloud         Category = "gcloud"
)

// SystemState is the lifecycle state of one system within a run.
type SystemState int

const (
	StatePending SystemState = iota
	StateRunning
	StateCompleted
	StatePartiallyFailed
	StateFailed
	StateSkipped
)

func (s SystemState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StatePartiallyFailed:
		return "partially-failed"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is an end state for a system.
func (s SystemState) Terminal() bool {
	switch s {
	case StateCompleted, StatePartiallyFailed, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

const (
	DefaultSSHPort        = 22
	DefaultConnectTimeout = 30 * time.Second
	DefaultCommandTimeout = time.Hour
)
