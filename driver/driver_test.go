package driver

import (
	"context"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updall/updall/connector"
)

// fakeShell scripts the output side of a session and records stdin writes.
type fakeShell struct {
	out   *io.PipeReader
	outW  *io.PipeWriter
	wrote chan string

	code     int
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeShell() *fakeShell {
	pr, pw := io.Pipe()
	return &fakeShell{
		out:   pr,
		outW:  pw,
		wrote: make(chan string, 8),
		done:  make(chan struct{}),
	}
}

func (s *fakeShell) Write(p []byte) (int, error) {
	s.wrote <- string(p)
	return len(p), nil
}

func (s *fakeShell) Output() io.Reader { return s.out }

func (s *fakeShell) Wait() (int, error) {
	<-s.done
	return s.code, nil
}

func (s *fakeShell) Close() error {
	s.finish(s.code)
	return nil
}

// finish ends the session: output hits EOF and Wait unblocks.
func (s *fakeShell) finish(code int) {
	s.doneOnce.Do(func() {
		s.code = code
		_ = s.outW.Close()
		close(s.done)
	})
}

type fakeConn struct {
	shell connector.Shell
}

func (c *fakeConn) Exec(ctx context.Context, cmd string) ([]byte, int, error) {
	return nil, 0, nil
}

func (c *fakeConn) Shell(ctx context.Context, cmd string, wantPty bool) (connector.Shell, error) {
	return c.shell, nil
}

func (c *fakeConn) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, io.EOF
}

func (c *fakeConn) Close() error { return nil }

func TestRunAnswersPromptAtMostOnce(t *testing.T) {
	sh := newFakeShell()
	go func() {
		_, _ = sh.outW.Write([]byte("[sudo] password for alice: "))
		got := <-sh.wrote
		if !strings.HasSuffix(got, "\n") {
			t.Error("secret must be newline-terminated")
		}
		// A second prompt must not trigger a second write.
		_, _ = sh.outW.Write([]byte("\n[sudo] password for alice: "))
		time.Sleep(20 * time.Millisecond)
		_, _ = sh.outW.Write([]byte("\nupgrade complete\n"))
		sh.finish(0)
	}()

	d := New(2 * time.Second)
	res, err := d.Run(context.Background(), &fakeConn{shell: sh}, "sudo apt upgrade", "s3cret", true, true)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, res.SecretWrites)
	assert.False(t, res.TimedOut)
	assert.False(t, res.PromptUnanswered)
	assert.Contains(t, string(res.Output), "upgrade complete")
	assert.NotContains(t, string(res.Output), "s3cret")
}

func TestRunPlainCommandExitCode(t *testing.T) {
	sh := newFakeShell()
	go func() {
		_, _ = sh.outW.Write([]byte("nothing to do\n"))
		sh.finish(3)
	}()

	d := New(2 * time.Second)
	res, err := d.Run(context.Background(), &fakeConn{shell: sh}, "apt update", "", false, false)
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, 0, res.SecretWrites)
	assert.Contains(t, string(res.Output), "nothing to do")
}

func TestRunTimeoutWithUnansweredPrompt(t *testing.T) {
	sh := newFakeShell()
	go func() {
		// Output that never matches a prompt, from a command that never exits.
		_, _ = sh.outW.Write([]byte("Reading package lists...\n"))
	}()

	d := New(50 * time.Millisecond)
	res, err := d.Run(context.Background(), &fakeConn{shell: sh}, "sudo apt upgrade", "s3cret", true, true)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.True(t, res.PromptUnanswered)
}

func TestRunTimeoutAfterAnsweredPrompt(t *testing.T) {
	sh := newFakeShell()
	go func() {
		_, _ = sh.outW.Write([]byte("Password: "))
		<-sh.wrote
		// Hang after accepting the secret.
	}()

	d := New(50 * time.Millisecond)
	res, err := d.Run(context.Background(), &fakeConn{shell: sh}, "sudo apt upgrade", "s3cret", true, true)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.PromptUnanswered, "an answered prompt is a command timeout, not an auth failure")
	assert.Equal(t, 1, res.SecretWrites)
}

func TestRunCancellation(t *testing.T) {
	sh := newFakeShell()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = sh.outW.Write([]byte("working...\n"))
		cancel()
	}()

	d := New(5 * time.Second)
	_, err := d.Run(ctx, &fakeConn{shell: sh}, "apt upgrade", "", false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestRunOutputIsBounded(t *testing.T) {
	sh := newFakeShell()
	go func() {
		line := strings.Repeat("x", 1024) + "\n"
		for i := 0; i < 64; i++ {
			_, _ = sh.outW.Write([]byte(line))
		}
		_, _ = sh.outW.Write([]byte("tail marker\n"))
		sh.finish(0)
	}()

	d := New(2 * time.Second)
	d.MaxOutput = 4096
	res, err := d.Run(context.Background(), &fakeConn{shell: sh}, "apt upgrade", "", false, false)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(res.Output), 4096)
	assert.Contains(t, string(res.Output), "tail marker", "the newest output must survive truncation")
}

func TestRunNoSecretNeverWrites(t *testing.T) {
	sh := newFakeShell()
	go func() {
		_, _ = sh.outW.Write([]byte("Password: "))
		time.Sleep(20 * time.Millisecond)
		sh.finish(1)
	}()

	d := New(2 * time.Second)
	res, err := d.Run(context.Background(), &fakeConn{shell: sh}, "sudo -v", "", false, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SecretWrites)
	assert.Equal(t, 1, res.ExitCode)
}

// hoseShell emits output forever; it only stops when closed. The reader keeps
// producing even after Close, like a pty whose process ignores the hangup.
type hoseShell struct {
	code int
	done chan struct{}
	once sync.Once
}

func newHoseShell() *hoseShell { return &hoseShell{done: make(chan struct{})} }

func (s *hoseShell) Write(p []byte) (int, error) { return len(p), nil }

func (s *hoseShell) Output() io.Reader { return hose{} }

func (s *hoseShell) Wait() (int, error) {
	<-s.done
	return s.code, nil
}

func (s *hoseShell) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type hose struct{}

func (hose) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'y'
	}
	return len(p), nil
}

// waitForGoroutines polls the goroutine count from the test goroutine itself;
// require.Eventually cannot be used here because it evaluates its condition in
// a fresh goroutine, which keeps the count above the baseline forever.
func waitForGoroutines(t *testing.T, before int, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("%s: %d goroutines, want <= %d", msg, runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunTimeoutStopsOutputPump(t *testing.T) {
	before := runtime.NumGoroutine()

	sh := newHoseShell()
	d := New(30 * time.Millisecond)
	res, err := d.Run(context.Background(), &fakeConn{shell: sh}, "apt upgrade", "", false, false)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	waitForGoroutines(t, before, "session goroutines must exit after timeout")
}

func TestRunCancellationStopsOutputPump(t *testing.T) {
	before := runtime.NumGoroutine()

	sh := newHoseShell()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d := New(5 * time.Second)
	_, err := d.Run(ctx, &fakeConn{shell: sh}, "apt upgrade", "", false, false)
	require.Error(t, err)

	waitForGoroutines(t, before, "session goroutines must exit after cancellation")
}

func TestMatchPrompt(t *testing.T) {
	d := New(time.Second)
	tests := []struct {
		name string
		buf  string
		want bool
	}{
		{"sudo prompt", "[sudo] password for alice: ", true},
		{"plain password prompt", "Password: ", true},
		{"ssh style prompt", "alice@host's password: ", true},
		{"prompt followed by newline", "Password: \n", false},
		{"empty buffer", "", false},
		{"ordinary output", "downloading packages...", false},
		{"prompt buried mid-line", "error: password: rejected earlier\ncontinuing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.matchPrompt([]byte(tt.buf)))
		})
	}
}
