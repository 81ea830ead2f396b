package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/updall/updall/common"
)

const (
	markOK   = "✓"
	markFail = "✗"
)

// RenderText writes the human-readable run summary.
func RenderText(w io.Writer, r *RunReport) error {
	var b strings.Builder

	b.WriteString("\n=== Update Results ===\n")
	if r.DryRun {
		b.WriteString("(dry run: no commands were executed)\n")
	}
	b.WriteString("\n")

	for i := range r.Systems {
		renderSystem(&b, &r.Systems[i])
	}

	c := r.Counts()
	b.WriteString("Summary: ")
	b.WriteString(fmt.Sprintf("%d system(s): %d completed, %d partially failed, %d failed, %d skipped",
		c.Total, c.Completed, c.PartiallyFailed, c.Failed, c.Skipped))
	b.WriteString(fmt.Sprintf(" in %s\n", formatDuration(r.Duration())))

	_, err := io.WriteString(w, b.String())
	return errors.Wrap(err, "write text report")
}

func renderSystem(b *strings.Builder, sr *SystemResult) {
	mark := markFail
	if sr.Status == common.StateCompleted {
		mark = markOK
	}
	b.WriteString(fmt.Sprintf("%s %s [%s] - %s\n", mark, sr.Name, sr.Platform, sr.Status))
	if sr.Error != "" {
		b.WriteString(fmt.Sprintf("  %s\n", sr.Error))
	}

	for i := range sr.Categories {
		cat := &sr.Categories[i]
		if cat.Skipped {
			b.WriteString(fmt.Sprintf("  - %s: skipped\n", cat.Category))
			continue
		}
		catMark := markOK
		if !cat.OK() {
			catMark = markFail
		}
		b.WriteString(fmt.Sprintf("  %s %s (%s)\n", catMark, cat.Category, formatDuration(cat.Duration())))
		for j := range cat.Commands {
			renderCommand(b, &cat.Commands[j])
		}
	}
	b.WriteString("\n")
}

func renderCommand(b *strings.Builder, cr *CommandResult) {
	final := cr.Final()
	if final == nil {
		b.WriteString(fmt.Sprintf("      %s: not attempted\n", cr.Text))
		return
	}
	out := &final.Outcome
	switch {
	case out.DryRun:
		b.WriteString(fmt.Sprintf("      would run: %s\n", out.Command))
	case out.Class == ClassSuccess:
		if len(cr.Attempts) > 1 {
			b.WriteString(fmt.Sprintf("      %s %s (attempt %d)\n", markOK, cr.Text, final.Index))
		}
	default:
		b.WriteString(fmt.Sprintf("      %s %s: %s\n", markFail, cr.Text, failureLine(out)))
		if tail := outputTail(out.Output, 3); tail != "" {
			for _, line := range strings.Split(tail, "\n") {
				b.WriteString(fmt.Sprintf("        | %s\n", line))
			}
		}
	}
}

func failureLine(out *Outcome) string {
	switch {
	case out.CancelReason != "":
		return out.CancelReason
	case out.PromptUnanswered:
		return "privilege prompt was never answered"
	case out.Error != "":
		return out.Error
	default:
		return fmt.Sprintf("exit %d (%s)", out.ExitCode, out.Class)
	}
}

// outputTail returns the last n non-empty lines of output.
func outputTail(output string, n int) string {
	output = strings.TrimRight(output, "\r\n")
	if output == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// RenderJSON writes the machine-readable run report.
func RenderJSON(w io.Writer, r *RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(r), "encode json report")
}
