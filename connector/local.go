package connector

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var _ Connection = (*localConnection)(nil)

// localConnection runs commands on the local machine. "Opening" it is a no-op;
// each Exec/Shell spawns a /bin/bash -c process. There is no PTY: interactive
// escalation locally uses sudo -S, whose prompt lands on the merged
// stdout+stderr stream.
type localConnection struct{}

// NewLocalConnection returns the trivial local transport.
func NewLocalConnection() Connection {
	return &localConnection{}
}

func (l *localConnection) Exec(ctx context.Context, cmd string) ([]byte, int, error) {
	c := exec.CommandContext(ctx, "/bin/bash", "-c", strings.TrimSpace(cmd))
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	if ctx.Err() != nil {
		return out.Bytes(), -1, errors.Wrap(ctx.Err(), "command execution cancelled")
	}
	if err == nil {
		return out.Bytes(), 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return out.Bytes(), exitErr.ExitCode(), nil
	}
	return out.Bytes(), -1, errors.Wrapf(err, "failed to run command %q", cmd)
}

func (l *localConnection) Shell(ctx context.Context, cmd string, wantPty bool) (Shell, error) {
	// wantPty is accepted but not honored locally; see sudo -S note above.
	c := exec.Command("/bin/bash", "-c", strings.TrimSpace(cmd))

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get stdin pipe")
	}

	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	if err := c.Start(); err != nil {
		_ = pw.Close()
		return nil, errors.Wrapf(err, "failed to start command: %s", cmd)
	}

	return &localShell{cmd: c, stdin: stdin, out: pr, pw: pw}, nil
}

type localShell struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *io.PipeReader
	pw    *io.PipeWriter

	closeOnce sync.Once
}

func (s *localShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *localShell) Output() io.Reader {
	return s.out
}

func (s *localShell) Wait() (int, error) {
	err := s.cmd.Wait()
	_ = s.pw.Close()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, errors.Wrap(err, "process did not report an exit status")
}

func (s *localShell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			err = s.cmd.Process.Kill()
		}
		_ = s.pw.Close()
	})
	return err
}

func (l *localConnection) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (l *localConnection) Close() error {
	return nil
}
