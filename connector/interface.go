package connector

import (
	"context"
	"io"
	"time"

	"github.com/updall/updall/cache"
	"github.com/updall/updall/common"
)

// Shell is a handle to one spawned command whose combined output can be read
// incrementally while input is still writable. It is what the interactive
// session driver operates on.
type Shell interface {
	// Write sends bytes to the command's stdin.
	Write(p []byte) (int, error)
	// Output is the combined stdout+stderr stream of the command.
	Output() io.Reader
	// Wait blocks until the command exits and returns its exit code. A non-nil
	// error means the exit status could not be obtained, not that the command
	// failed.
	Wait() (int, error)
	// Close tears the session down. Safe to call after Wait or on abort.
	Close() error
}

// Connection is an open byte-stream transport to one target.
type Connection interface {
	// Exec runs a command non-interactively and returns its combined output
	// and exit code. A non-zero exit code is not an error.
	Exec(ctx context.Context, cmd string) (output []byte, exitCode int, err error)

	// Shell spawns a command and returns a handle for interactive driving.
	// wantPty attaches a pseudo-terminal where the transport supports one.
	Shell(ctx context.Context, cmd string, wantPty bool) (Shell, error)

	// Fetch opens a file on the target for reading. The caller closes it.
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)

	// Close releases all resources. Idempotent.
	Close() error
}

// Dialer opens connections to hosts.
type Dialer interface {
	Dial(ctx context.Context, host Host) (Connection, error)
}

// Host is the read-only profile of one target system during a run.
type Host interface {
	GetName() string
	GetAddress() string
	GetPort() int
	GetUser() string
	GetPrivateKey() string
	GetPrivateKeyPath() string
	GetAgentSocket() string
	GetPlatform() common.Platform
	GetEscalation() common.Escalation
	GetSudoPasswordEnv() string
	GetCategories() []common.Category
	GetConnectTimeout() time.Duration
	GetCommandTimeout() time.Duration
	IsLocal() bool
	GetCache() *cache.Cache[string, any]
	Validate() error
	ID() string
}
