// Package report holds the immutable result model of a run: per-attempt
// execution outcomes folded into per-command, per-category and per-system
// results, sealed into one RunReport.
package report

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/updall/updall/common"
)

// Classification tags every execution outcome for the retry policy.
type Classification string

const (
	ClassSuccess      Classification = "success"
	ClassTransient    Classification = "transient"
	ClassFatalAuth    Classification = "fatal-auth"
	ClassFatalCommand Classification = "fatal-command"
)

// CancelReasonCancelled is the sub-reason recorded on commands aborted by
// run-wide cancellation.
const CancelReasonCancelled = "cancelled"

// Outcome is the result of one command attempt. Immutable once produced.
type Outcome struct {
	// Command is the rendered command line as (would be) executed, including
	// any escalation prefix.
	Command string `json:"command"`
	// Escalation describes how the command was wrapped: none, sudo,
	// interactive or self.
	Escalation string `json:"escalation"`
	ExitCode   int    `json:"exitCode"`
	// Output is the captured combined output, bounded to a tail.
	Output   string         `json:"output,omitempty"`
	Duration time.Duration  `json:"duration"`
	Class    Classification `json:"class"`
	// PromptUnanswered marks a timeout that fired while an expected privilege
	// prompt was never matched.
	PromptUnanswered bool `json:"promptUnanswered,omitempty"`
	// CancelReason is set when the command was aborted rather than failed.
	CancelReason string `json:"cancelReason,omitempty"`
	DryRun       bool   `json:"dryRun,omitempty"`
	// Error carries transport-level failure text when the command never ran.
	Error string `json:"error,omitempty"`
}

// Attempt is one outcome plus its position in a command's retry chain.
type Attempt struct {
	// Index is 1-based.
	Index int `json:"index"`
	// Backoff is the delay applied before this attempt.
	Backoff time.Duration `json:"backoff"`
	Outcome Outcome       `json:"outcome"`
}

// CommandResult is a logical command with its attempt chain.
type CommandResult struct {
	Text           string    `json:"text"`
	NeedsSudo      bool      `json:"needsSudo"`
	SelfEscalating bool      `json:"selfEscalating,omitempty"`
	Attempts       []Attempt `json:"attempts"`
}

// Final returns the last attempt, which carries the terminal classification.
func (cr *CommandResult) Final() *Attempt {
	if len(cr.Attempts) == 0 {
		return nil
	}
	return &cr.Attempts[len(cr.Attempts)-1]
}

// OK reports whether the command ultimately succeeded.
func (cr *CommandResult) OK() bool {
	final := cr.Final()
	return final != nil && final.Outcome.Class == ClassSuccess
}

// CategoryResult is the ordered command results of one update category.
type CategoryResult struct {
	Category common.Category `json:"category"`
	Critical bool            `json:"critical"`
	Commands []CommandResult `json:"commands"`
	// Skipped marks categories never started because a critical failure
	// aborted the system's plan.
	Skipped bool `json:"skipped,omitempty"`
}

// OK reports whether every command in the category succeeded.
func (cr *CategoryResult) OK() bool {
	if cr.Skipped {
		return false
	}
	for i := range cr.Commands {
		if !cr.Commands[i].OK() {
			return false
		}
	}
	return true
}

// Duration sums the durations of all attempts in the category.
func (cr *CategoryResult) Duration() time.Duration {
	var total time.Duration
	for i := range cr.Commands {
		for j := range cr.Commands[i].Attempts {
			total += cr.Commands[i].Attempts[j].Outcome.Duration
		}
	}
	return total
}

// SystemResult is the sealed result of one system's plan.
type SystemResult struct {
	Name       string             `json:"name"`
	Platform   common.Platform    `json:"platform"`
	Status     common.SystemState `json:"-"`
	StatusText string             `json:"status"`
	Categories []CategoryResult   `json:"categories,omitempty"`
	// Error carries the terminal failure context when the system failed
	// before or outside any command (e.g. planning or skip reason).
	Error string `json:"error,omitempty"`
}

// Seal fixes the derived fields. Called once by the orchestrator.
func (sr *SystemResult) Seal() {
	sr.StatusText = sr.Status.String()
}

// RunReport is the aggregate result of one run. The orchestrator owns it
// while running and seals it when every system has reached a terminal state;
// afterwards it is read-only.
type RunReport struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	DryRun     bool           `json:"dryRun,omitempty"`
	Systems    []SystemResult `json:"systems"`

	mu     sync.Mutex
	sealed bool
}

// NewRunReport creates a report stamped with a fresh run ID and start time.
func NewRunReport(dryRun bool) *RunReport {
	return &RunReport{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		DryRun:    dryRun,
	}
}

// Append adds a sealed system result. No-op after Seal.
func (r *RunReport) Append(sr SystemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	sr.Seal()
	r.Systems = append(r.Systems, sr)
}

// Seal fixes the end timestamp. Idempotent.
func (r *RunReport) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.FinishedAt = time.Now()
	r.sealed = true
}

// Counts are the aggregate per-status system counts.
type Counts struct {
	Total           int `json:"total"`
	Completed       int `json:"completed"`
	PartiallyFailed int `json:"partiallyFailed"`
	Failed          int `json:"failed"`
	Skipped         int `json:"skipped"`
}

// Counts computes the aggregate counts over all systems.
func (r *RunReport) Counts() Counts {
	var c Counts
	for i := range r.Systems {
		c.Total++
		switch r.Systems[i].Status {
		case common.StateCompleted:
			c.Completed++
		case common.StatePartiallyFailed:
			c.PartiallyFailed++
		case common.StateFailed:
			c.Failed++
		case common.StateSkipped:
			c.Skipped++
		}
	}
	return c
}

// Duration is the wall-clock span of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
