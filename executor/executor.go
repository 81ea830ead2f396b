// Package executor runs catalog commands on a host, deciding per command
// how privilege escalation is applied and whether an interactive session
// is required.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/updall/updall/catalog"
	"github.com/updall/updall/common"
	"github.com/updall/updall/connector"
	"github.com/updall/updall/driver"
	"github.com/updall/updall/logger"
	"github.com/updall/updall/report"
)

// EscalationError marks a command that needs a privilege secret the caller
// did not supply.
type EscalationError struct {
	Host    string
	Command string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("host %s: command %q requires a privilege secret and none was provided", e.Host, e.Command)
}

// escalation modes recorded in outcomes.
const (
	escNone        = "none"
	escSudo        = "sudo"
	escInteractive = "interactive"
	escSelf        = "self"
)

// Decision is the rendered execution plan for one command.
type Decision struct {
	// Command is the final command line, including any escalation prefix.
	Command string
	// Escalation is one of none, sudo, interactive, self.
	Escalation string
	// Interactive means the command runs through the session driver with a
	// prompt expected.
	Interactive bool
	// WantPty requests a PTY for the interactive session (remote only).
	WantPty bool
}

// Render decides how cmd is executed on host. Dry-run and real execution
// share this path so a dry run reports exactly what a real run would do.
func Render(host connector.Host, cmd catalog.Command) (Decision, error) {
	if !cmd.NeedsSudo {
		return Decision{Command: cmd.Text, Escalation: escNone}, nil
	}
	if cmd.SelfEscalating {
		// The tool invokes the escalation itself (e.g. an AUR helper); run
		// it unwrapped but interactively so its prompt can be answered.
		return Decision{
			Command:     cmd.Text,
			Escalation:  escSelf,
			Interactive: true,
			WantPty:     !host.IsLocal(),
		}, nil
	}
	switch host.GetEscalation() {
	case common.EscalationNone:
		return Decision{Command: cmd.Text, Escalation: escNone}, nil
	case common.EscalationNoPasswd:
		return Decision{
			Command:    fmt.Sprintf("sudo -E /bin/bash -c %q", cmd.Text),
			Escalation: escSudo,
		}, nil
	case common.EscalationPassword:
		if host.IsLocal() {
			// -S reads the secret from stdin; the prompt surfaces on the
			// merged output stream where the driver can match it.
			return Decision{
				Command:     fmt.Sprintf("sudo -S -E /bin/bash -c %q", cmd.Text),
				Escalation:  escInteractive,
				Interactive: true,
			}, nil
		}
		return Decision{
			Command:     fmt.Sprintf("sudo -E /bin/bash -c %q", cmd.Text),
			Escalation:  escInteractive,
			Interactive: true,
			WantPty:     true,
		}, nil
	default:
		return Decision{}, errors.Errorf("host %s: unknown escalation mode %q", host.GetName(), host.GetEscalation())
	}
}

// Executor executes rendered commands over pooled connections.
type Executor struct {
	Pool           *connector.Pool
	Driver         *driver.Driver
	DryRun         bool
	CommandTimeout time.Duration
}

// New builds an executor. A nil driver gets the default session driver.
func New(pool *connector.Pool, dryRun bool, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = common.DefaultCommandTimeout
	}
	return &Executor{
		Pool:           pool,
		Driver:         driver.New(timeout),
		DryRun:         dryRun,
		CommandTimeout: timeout,
	}
}

// Execute runs one command on host and returns its outcome. The returned
// error is the transport-level failure, if any, so callers can classify it
// by type; it is also mirrored into the outcome's Error text. secret is the
// host's privilege secret; it is written only to an interactive session's
// stdin and never logged or stored.
func (e *Executor) Execute(ctx context.Context, host connector.Host, cmd catalog.Command, secret string) (report.Outcome, error) {
	dec, err := Render(host, cmd)
	if err != nil {
		return report.Outcome{
			Command: cmd.Text,
			Class:   report.ClassFatalCommand,
			Error:   err.Error(),
		}, nil
	}

	out := report.Outcome{
		Command:    dec.Command,
		Escalation: dec.Escalation,
	}

	if e.DryRun {
		out.DryRun = true
		out.Class = report.ClassSuccess
		return out, nil
	}

	if dec.Interactive && dec.Escalation == escInteractive && secret == "" {
		eErr := &EscalationError{Host: host.GetName(), Command: cmd.Text}
		out.Class = report.ClassFatalAuth
		out.Error = eErr.Error()
		return out, nil
	}

	log := logger.Log.WithFields(map[string]interface{}{
		common.LogFieldSystem:  host.GetName(),
		common.LogFieldCommand: cmd.Text,
	})

	conn, err := e.Pool.Get(ctx, host)
	if err != nil {
		log.WithError(err).Error("connection failed")
		out.Error = err.Error()
		out.ExitCode = -1
		return out, err
	}

	start := time.Now()
	if dec.Interactive {
		res, runErr := e.Driver.Run(ctx, conn, dec.Command, secret, dec.WantPty, dec.Escalation == escInteractive)
		out.Duration = time.Since(start)
		if runErr != nil {
			out.Error = runErr.Error()
			out.ExitCode = -1
			return out, runErr
		}
		out.Output = string(res.Output)
		out.ExitCode = res.ExitCode
		out.PromptUnanswered = res.PromptUnanswered
		log.WithField("exitCode", res.ExitCode).Debug("interactive command finished")
		return out, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, e.CommandTimeout)
	defer cancel()
	output, code, runErr := conn.Exec(runCtx, dec.Command)
	out.Duration = time.Since(start)
	out.Output = string(tailOutput(output, e.maxOutput()))
	out.ExitCode = code
	if runErr != nil && code == 0 {
		out.Error = runErr.Error()
		out.ExitCode = -1
		log.WithError(runErr).Debug("command transport failed")
		return out, runErr
	}
	log.WithField("exitCode", out.ExitCode).Debug("command finished")
	return out, nil
}

func (e *Executor) maxOutput() int {
	if e.Driver != nil && e.Driver.MaxOutput > 0 {
		return e.Driver.MaxOutput
	}
	return driver.DefaultMaxOutput
}

// tailOutput keeps the newest max bytes so long-running commands cannot
// grow a result without bound.
func tailOutput(b []byte, max int) []byte {
	if len(b) > max {
		return b[len(b)-max:]
	}
	return b
}
