package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updall/updall/common"
)

func okCommand(text string) CommandResult {
	return CommandResult{
		Text: text,
		Attempts: []Attempt{
			{Index: 1, Outcome: Outcome{Command: text, Class: ClassSuccess, Duration: time.Second}},
		},
	}
}

func failedCommand(text string, class Classification) CommandResult {
	return CommandResult{
		Text: text,
		Attempts: []Attempt{
			{Index: 1, Outcome: Outcome{Command: text, Class: ClassTransient, ExitCode: 100, Duration: time.Second}},
			{Index: 2, Backoff: 5 * time.Second, Outcome: Outcome{Command: text, Class: class, ExitCode: 100, Output: "E: Could not get lock\n", Duration: time.Second}},
		},
	}
}

func TestCommandResultFinal(t *testing.T) {
	cr := failedCommand("apt update", ClassFatalCommand)
	final := cr.Final()
	require.NotNil(t, final)
	assert.Equal(t, 2, final.Index)
	assert.Equal(t, ClassFatalCommand, final.Outcome.Class)
	assert.False(t, cr.OK())

	empty := CommandResult{Text: "x"}
	assert.Nil(t, empty.Final())
	assert.False(t, empty.OK())

	ok := okCommand("rustup update")
	assert.True(t, ok.OK())
}

func TestCategoryResultOK(t *testing.T) {
	good := CategoryResult{
		Category: common.CategoryRust,
		Commands: []CommandResult{okCommand("rustup update"), okCommand("cargo install-update -a")},
	}
	assert.True(t, good.OK())
	assert.Equal(t, 2*time.Second, good.Duration())

	bad := CategoryResult{
		Category: common.CategorySystemPackages,
		Commands: []CommandResult{okCommand("apt update"), failedCommand("apt upgrade -y", ClassFatalCommand)},
	}
	assert.False(t, bad.OK())

	skipped := CategoryResult{Category: common.CategoryNode, Skipped: true}
	assert.False(t, skipped.OK())
}

func buildReport() *RunReport {
	r := NewRunReport(false)
	r.Append(SystemResult{
		Name: "desktop", Platform: common.PlatformArch, Status: common.StateCompleted,
		Categories: []CategoryResult{{Category: common.CategorySystemPackages, Critical: true, Commands: []CommandResult{okCommand("paru -Syu --noconfirm")}}},
	})
	r.Append(SystemResult{
		Name: "server", Platform: common.PlatformDebian, Status: common.StatePartiallyFailed,
		Categories: []CategoryResult{
			{Category: common.CategorySystemPackages, Critical: true, Commands: []CommandResult{failedCommand("apt update", ClassFatalCommand)}},
			{Category: common.CategoryRust, Skipped: true},
		},
	})
	r.Append(SystemResult{
		Name: "laptop", Platform: common.PlatformDebian, Status: common.StateSkipped, Error: "not selected",
	})
	r.Seal()
	return r
}

func TestRunReportCounts(t *testing.T) {
	r := buildReport()
	c := r.Counts()
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, 1, c.Completed)
	assert.Equal(t, 1, c.PartiallyFailed)
	assert.Equal(t, 0, c.Failed)
	assert.Equal(t, 1, c.Skipped)
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.FinishedAt.IsZero())
}

func TestRunReportSealedIsImmutable(t *testing.T) {
	r := buildReport()
	n := len(r.Systems)
	r.Append(SystemResult{Name: "late", Status: common.StateCompleted})
	assert.Len(t, r.Systems, n, "Append after Seal must be ignored")
}

func TestRenderText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, buildReport()))
	out := buf.String()

	assert.Contains(t, out, "=== Update Results ===")
	assert.Contains(t, out, "✓ desktop [arch] - completed")
	assert.Contains(t, out, "✗ server [debian] - partially-failed")
	assert.Contains(t, out, "laptop [debian] - skipped")
	assert.Contains(t, out, "rust: skipped")
	assert.Contains(t, out, "Could not get lock")
	assert.Contains(t, out, "1 completed, 1 partially failed, 0 failed, 1 skipped")
}

func TestRenderTextDryRun(t *testing.T) {
	r := NewRunReport(true)
	r.Append(SystemResult{
		Name: "desktop", Platform: common.PlatformArch, Status: common.StateCompleted,
		Categories: []CategoryResult{{
			Category: common.CategorySystemPackages,
			Commands: []CommandResult{{
				Text: "paru -Syu --noconfirm",
				Attempts: []Attempt{{Index: 1, Outcome: Outcome{
					Command: "paru -Syu --noconfirm", Class: ClassSuccess, DryRun: true,
				}}},
			}},
		}},
	})
	r.Seal()

	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, r))
	assert.Contains(t, buf.String(), "dry run")
	assert.Contains(t, buf.String(), "would run: paru -Syu --noconfirm")
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderJSON(&buf, buildReport()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	systems, ok := decoded["systems"].([]any)
	require.True(t, ok)
	require.Len(t, systems, 3)
	first := systems[0].(map[string]any)
	assert.Equal(t, "desktop", first["name"])
	assert.Equal(t, "completed", first["status"], "status must serialize as its string form")
}

func TestOutputTail(t *testing.T) {
	in := "one\n\ntwo\nthree\nfour\n"
	got := outputTail(in, 3)
	assert.Equal(t, "two\nthree\nfour", got)
	assert.Equal(t, "", outputTail("", 3))
	assert.Equal(t, "solo", outputTail("solo\n", 3))
	assert.False(t, strings.HasSuffix(outputTail("a\r\nb\r\n", 2), "\r"))
}
