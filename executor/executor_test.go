package executor

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/updall/updall/catalog"
	"github.com/updall/updall/common"
	"github.com/updall/updall/connector"
	"github.com/updall/updall/driver"
	"github.com/updall/updall/report"
)

type canned struct {
	output []byte
	code   int
}

func (c *canned) Exec(ctx context.Context, cmd string) ([]byte, int, error) {
	return c.output, c.code, nil
}

func (c *canned) Shell(ctx context.Context, cmd string, wantPty bool) (connector.Shell, error) {
	return nil, os.ErrInvalid
}

func (c *canned) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, os.ErrNotExist
}

func (c *canned) Close() error { return nil }

type cannedDialer struct{ conn connector.Connection }

func (d *cannedDialer) Dial(ctx context.Context, host connector.Host) (connector.Connection, error) {
	return d.conn, nil
}

func testHost(local bool, esc common.Escalation) *connector.BaseHost {
	h := connector.NewHost()
	h.Name = "box"
	h.Platform = common.PlatformDebian
	h.Escalation = esc
	h.Categories = []common.Category{common.CategorySystemPackages}
	if local {
		h.Address = "local"
	} else {
		h.Address = "box.example.net"
		h.User = "admin"
		h.PrivateKeyPath = "/home/admin/.ssh/id_ed25519"
	}
	return h
}

func TestRenderDecisionTable(t *testing.T) {
	tests := []struct {
		name            string
		local           bool
		esc             common.Escalation
		cmd             catalog.Command
		wantCommand     string
		wantEscalation  string
		wantInteractive bool
		wantPty         bool
	}{
		{
			name:           "unprivileged command runs as-is",
			local:          false,
			esc:            common.EscalationPassword,
			cmd:            catalog.Command{Text: "rustup update"},
			wantCommand:    "rustup update",
			wantEscalation: "none",
		},
		{
			name:            "self-escalating tool is never wrapped",
			local:           false,
			esc:             common.EscalationPassword,
			cmd:             catalog.Command{Text: "paru -Syu --noconfirm", NeedsSudo: true, SelfEscalating: true},
			wantCommand:     "paru -Syu --noconfirm",
			wantEscalation:  "self",
			wantInteractive: true,
			wantPty:         true,
		},
		{
			name:            "self-escalating locally gets no pty",
			local:           true,
			esc:             common.EscalationPassword,
			cmd:             catalog.Command{Text: "paru -Syu --noconfirm", NeedsSudo: true, SelfEscalating: true},
			wantCommand:     "paru -Syu --noconfirm",
			wantEscalation:  "self",
			wantInteractive: true,
			wantPty:         false,
		},
		{
			name:           "nopasswd sudo is non-interactive",
			local:          false,
			esc:            common.EscalationNoPasswd,
			cmd:            catalog.Command{Text: "apt update", NeedsSudo: true},
			wantCommand:    `sudo -E /bin/bash -c "apt update"`,
			wantEscalation: "sudo",
		},
		{
			name:           "escalation none runs privileged command unwrapped",
			local:          false,
			esc:            common.EscalationNone,
			cmd:            catalog.Command{Text: "apt update", NeedsSudo: true},
			wantCommand:    "apt update",
			wantEscalation: "none",
		},
		{
			name:            "password sudo remote wants pty",
			local:           false,
			esc:             common.EscalationPassword,
			cmd:             catalog.Command{Text: "apt update", NeedsSudo: true},
			wantCommand:     `sudo -E /bin/bash -c "apt update"`,
			wantEscalation:  "interactive",
			wantInteractive: true,
			wantPty:         true,
		},
		{
			name:            "password sudo local uses sudo -S without pty",
			local:           true,
			esc:             common.EscalationPassword,
			cmd:             catalog.Command{Text: "apt update", NeedsSudo: true},
			wantCommand:     `sudo -S -E /bin/bash -c "apt update"`,
			wantEscalation:  "interactive",
			wantInteractive: true,
			wantPty:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := Render(testHost(tt.local, tt.esc), tt.cmd)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if dec.Command != tt.wantCommand {
				t.Errorf("Command = %q, want %q", dec.Command, tt.wantCommand)
			}
			if dec.Escalation != tt.wantEscalation {
				t.Errorf("Escalation = %q, want %q", dec.Escalation, tt.wantEscalation)
			}
			if dec.Interactive != tt.wantInteractive {
				t.Errorf("Interactive = %v, want %v", dec.Interactive, tt.wantInteractive)
			}
			if dec.WantPty != tt.wantPty {
				t.Errorf("WantPty = %v, want %v", dec.WantPty, tt.wantPty)
			}
		})
	}
}

func TestExecuteDryRunNeverTouchesTransport(t *testing.T) {
	// No pool at all: the dry-run path must decide without any I/O.
	e := &Executor{DryRun: true, CommandTimeout: time.Minute}
	host := testHost(false, common.EscalationPassword)
	cmd := catalog.Command{Text: "apt update", NeedsSudo: true}

	out, err := e.Execute(context.Background(), host, cmd, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.DryRun {
		t.Error("outcome not marked dry-run")
	}
	if out.Class != report.ClassSuccess {
		t.Errorf("Class = %s, want success", out.Class)
	}
	if !strings.Contains(out.Command, "sudo -E") {
		t.Errorf("dry-run must render the same command a real run would, got %q", out.Command)
	}
}

func TestExecuteMissingSecretIsFatalAuth(t *testing.T) {
	e := &Executor{CommandTimeout: time.Minute}
	host := testHost(false, common.EscalationPassword)
	cmd := catalog.Command{Text: "apt update", NeedsSudo: true}

	out, err := e.Execute(context.Background(), host, cmd, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Class != report.ClassFatalAuth {
		t.Errorf("Class = %s, want fatal-auth", out.Class)
	}
	if !strings.Contains(out.Error, "privilege secret") {
		t.Errorf("Error = %q, want escalation error text", out.Error)
	}
}

func TestExecuteBoundsNonInteractiveOutput(t *testing.T) {
	// A chatty upgrade can print far more than anyone wants in a report; only
	// the newest DefaultMaxOutput bytes survive, same as interactive runs.
	chatty := append(bytes.Repeat([]byte("x"), 1<<20), []byte("tail marker")...)
	pool := connector.NewPool(&cannedDialer{conn: &canned{output: chatty}})
	e := New(pool, false, time.Minute)
	host := testHost(false, common.EscalationNoPasswd)
	cmd := catalog.Command{Text: "apt full-upgrade -y", NeedsSudo: true}

	out, err := e.Execute(context.Background(), host, cmd, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Output) != driver.DefaultMaxOutput {
		t.Errorf("len(Output) = %d, want %d", len(out.Output), driver.DefaultMaxOutput)
	}
	if !strings.HasSuffix(out.Output, "tail marker") {
		t.Error("bounded output must keep the newest bytes")
	}
	if out.Class != report.ClassSuccess && out.Class != "" {
		t.Errorf("Class = %s, want success or unset", out.Class)
	}
}

func TestExecuteShortOutputUntruncated(t *testing.T) {
	pool := connector.NewPool(&cannedDialer{conn: &canned{output: []byte("all up to date\n")}})
	e := New(pool, false, time.Minute)
	host := testHost(false, common.EscalationNoPasswd)
	cmd := catalog.Command{Text: "apt update", NeedsSudo: true}

	out, err := e.Execute(context.Background(), host, cmd, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Output != "all up to date\n" {
		t.Errorf("Output = %q, want it untouched", out.Output)
	}
}

func TestExecuteSelfEscalatingWithoutSecretProceeds(t *testing.T) {
	// A self-escalating tool may succeed without a secret (cached sudo
	// timestamp or NOPASSWD inside the tool), so an empty secret is not an
	// upfront failure for it.
	e := &Executor{DryRun: true, CommandTimeout: time.Minute}
	host := testHost(false, common.EscalationPassword)
	cmd := catalog.Command{Text: "paru -Syu --noconfirm", NeedsSudo: true, SelfEscalating: true}

	out, err := e.Execute(context.Background(), host, cmd, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Class != report.ClassSuccess {
		t.Errorf("Class = %s, want success", out.Class)
	}
}
