// Package driver executes one command line against a spawned session that may
// emit an interactive privilege prompt, answering it with the secret at most
// once. It implements an expect-style loop as an explicit state machine:
// awaiting-prompt -> secret-sent -> awaiting-exit.
package driver

import (
	"context"
	"io"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/updall/updall/connector"
	"github.com/updall/updall/logger"
)

const (
	// DefaultMaxOutput bounds the captured combined output per command.
	DefaultMaxOutput = 64 * 1024
	// DefaultTailWindow bounds how much buffer tail is tested per chunk, so
	// pattern matching cost does not grow with output size.
	DefaultTailWindow = 256

	// TimeoutExitCode mirrors the conventional exit status of timeout(1).
	TimeoutExitCode = 124
)

// Known privilege prompt shapes, tested in order against the buffer tail.
var defaultPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[sudo\] password for [^:\n]+: ?$`),
	regexp.MustCompile(`(?i)password( for [^:\n]+)?: ?$`),
}

// Result is the raw outcome of driving one command to completion.
type Result struct {
	Output   []byte
	ExitCode int
	// TimedOut is set when the overall deadline elapsed before exit-status
	// readiness.
	TimedOut bool
	// PromptUnanswered is set when the deadline fired while a prompt was still
	// expected but never matched; it usually means the secret was wrong or
	// absent and is classified as fatal, never retried.
	PromptUnanswered bool
	// SecretWrites counts how many times the secret was sent. At most 1.
	SecretWrites int
}

// Driver drives interactive sessions. The zero value is not usable; call New.
type Driver struct {
	Patterns   []*regexp.Regexp
	Timeout    time.Duration
	MaxOutput  int
	TailWindow int
}

// New returns a Driver with the default prompt patterns and bounds.
func New(timeout time.Duration) *Driver {
	return &Driver{
		Patterns:   defaultPromptPatterns,
		Timeout:    timeout,
		MaxOutput:  DefaultMaxOutput,
		TailWindow: DefaultTailWindow,
	}
}

type waitStatus struct {
	code int
	err  error
}

// Run executes cmd on the connection, feeding the secret if a known privilege
// prompt appears. expectPrompt marks commands whose escalation depends on the
// prompt being answered; only those report PromptUnanswered on timeout.
// The returned error is non-nil only for transport/cancellation failures.
func (d *Driver) Run(ctx context.Context, conn connector.Connection, cmd, secret string, wantPty, expectPrompt bool) (*Result, error) {
	shell, err := conn.Shell(ctx, cmd, wantPty)
	if err != nil {
		return nil, errors.Wrap(err, "failed to spawn interactive session")
	}
	defer shell.Close()

	done := make(chan struct{})
	defer close(done)

	chunks := make(chan []byte, 16)
	go pumpOutput(shell.Output(), chunks, done)

	waitCh := make(chan waitStatus, 1)
	go func() {
		code, waitErr := shell.Wait()
		waitCh <- waitStatus{code: code, err: waitErr}
	}()

	var timeoutCh <-chan time.Time
	if d.Timeout > 0 {
		timer := time.NewTimer(d.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	res := &Result{ExitCode: -1}
	var buf []byte
	answered := false // secret-sent state; a prompt is answered at most once

	appendChunk := func(chunk []byte) {
		buf = append(buf, chunk...)
		max := d.MaxOutput
		if max <= 0 {
			max = DefaultMaxOutput
		}
		if len(buf) > max {
			buf = buf[len(buf)-max:]
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = shell.Close()
			res.Output = buf
			return res, errors.Wrap(ctx.Err(), "interactive session cancelled")

		case <-timeoutCh:
			_ = shell.Close()
			res.Output = buf
			res.TimedOut = true
			res.ExitCode = TimeoutExitCode
			res.PromptUnanswered = expectPrompt && !answered
			return res, nil

		case chunk, ok := <-chunks:
			if !ok {
				// Output closed; exit status follows shortly.
				chunks = nil
				continue
			}
			appendChunk(chunk)
			if !answered && secret != "" && d.matchPrompt(buf) {
				logger.Log.Debugf("privilege prompt detected, sending secret")
				if _, werr := shell.Write([]byte(secret + "\n")); werr != nil {
					_ = shell.Close()
					res.Output = buf
					return res, errors.Wrap(werr, "failed to write secret to session")
				}
				answered = true
				res.SecretWrites++
			}

		case w := <-waitCh:
			if chunks != nil {
				for chunk := range chunks {
					appendChunk(chunk)
				}
			}
			res.Output = buf
			if w.err != nil {
				return res, w.err
			}
			res.ExitCode = w.code
			return res, nil
		}
	}
}

func (d *Driver) matchPrompt(buf []byte) bool {
	window := d.TailWindow
	if window <= 0 {
		window = DefaultTailWindow
	}
	tail := buf
	if len(tail) > window {
		tail = tail[len(tail)-window:]
	}
	// Prompts sit at the end of output with no trailing newline.
	if len(tail) == 0 || tail[len(tail)-1] == '\n' || tail[len(tail)-1] == '\r' {
		return false
	}
	for _, pattern := range d.Patterns {
		if pattern.Match(tail) {
			return true
		}
	}
	return false
}

// pumpOutput forwards session output until the reader drains or done closes.
// done lets Run abandon the pump on timeout or cancellation without leaving it
// blocked on a full channel.
func pumpOutput(r io.Reader, chunks chan<- []byte, done <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
