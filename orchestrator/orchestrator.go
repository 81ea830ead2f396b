// Package orchestrator drives update plans across systems: it schedules
// systems under a concurrency bound, walks each system through its
// lifecycle, applies the retry policy per command, and assembles the run
// report.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/updall/updall/catalog"
	"github.com/updall/updall/common"
	"github.com/updall/updall/connector"
	"github.com/updall/updall/executor"
	"github.com/updall/updall/facts"
	"github.com/updall/updall/logger"
	"github.com/updall/updall/report"
	"github.com/updall/updall/retry"
)

// Options tune one run.
type Options struct {
	// MaxConcurrency bounds the number of systems updated at once. Values
	// below 1 mean sequential.
	MaxConcurrency int
	// Retry is the per-command retry policy.
	Retry retry.Policy
	// DryRun renders decisions without executing anything.
	DryRun bool
	// Systems, when non-empty, restricts the run to the named systems;
	// everything else is reported as skipped.
	Systems []string
	// Categories, when non-empty, restricts every system's plan to these
	// categories.
	Categories []common.Category
	// ProbePlatform fetches /etc/os-release before updating and logs a
	// warning when it disagrees with the configured platform.
	ProbePlatform bool
}

func (o Options) normalized() Options {
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 1
	}
	if o.Retry.Limit < 1 {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

// SecretFunc resolves the privilege secret for a host. It is called once
// per system, before its first command. An empty string means no secret is
// available.
type SecretFunc func(host connector.Host) string

// Orchestrator runs update plans and owns the connection pool for the run.
type Orchestrator struct {
	pool    *connector.Pool
	exec    *executor.Executor
	opts    Options
	secrets SecretFunc
}

// New builds an orchestrator over the given dialer. secrets may be nil when
// no system uses password escalation.
func New(opts Options, dialer connector.Dialer, commandTimeout time.Duration, secrets SecretFunc) *Orchestrator {
	opts = opts.normalized()
	if dialer == nil {
		dialer = connector.NewDialer()
	}
	pool := connector.NewPool(dialer)
	if secrets == nil {
		secrets = func(connector.Host) string { return "" }
	}
	return &Orchestrator{
		pool:    pool,
		exec:    executor.New(pool, opts.DryRun, commandTimeout),
		opts:    opts,
		secrets: secrets,
	}
}

// Run updates every host and returns the sealed report. One system's
// failure never affects another's; cancellation marks unstarted systems
// skipped.
func (o *Orchestrator) Run(ctx context.Context, hosts []connector.Host) *report.RunReport {
	defer o.pool.Close()

	run := report.NewRunReport(o.opts.DryRun)
	selected := o.selectHosts(run, hosts)

	sem := make(chan struct{}, o.opts.MaxConcurrency)
	var wg sync.WaitGroup
	results := make([]report.SystemResult, len(selected))

	for i, host := range selected {
		if ctx.Err() != nil {
			results[i] = report.SystemResult{
				Name:     host.GetName(),
				Platform: host.GetPlatform(),
				Status:   common.StateSkipped,
				Error:    "run cancelled before start",
			}
			continue
		}
		select {
		case <-ctx.Done():
			results[i] = report.SystemResult{
				Name:     host.GetName(),
				Platform: host.GetPlatform(),
				Status:   common.StateSkipped,
				Error:    "run cancelled before start",
			}
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, host connector.Host) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.runSystem(ctx, host)
		}(i, host)
	}
	wg.Wait()

	for _, sr := range results {
		if sr.Name != "" {
			run.Append(sr)
		}
	}
	run.Seal()
	return run
}

// selectHosts applies the --system filter, appending skipped results for
// filtered-out systems, and returns the hosts to run.
func (o *Orchestrator) selectHosts(run *report.RunReport, hosts []connector.Host) []connector.Host {
	if len(o.opts.Systems) == 0 {
		return hosts
	}
	wanted := make(map[string]bool, len(o.opts.Systems))
	for _, name := range o.opts.Systems {
		wanted[name] = true
	}
	selected := make([]connector.Host, 0, len(hosts))
	for _, host := range hosts {
		if wanted[host.GetName()] {
			selected = append(selected, host)
			continue
		}
		run.Append(report.SystemResult{
			Name:     host.GetName(),
			Platform: host.GetPlatform(),
			Status:   common.StateSkipped,
			Error:    "not selected",
		})
	}
	return selected
}

// runSystem walks one system through pending -> running -> terminal.
func (o *Orchestrator) runSystem(ctx context.Context, host connector.Host) report.SystemResult {
	log := logger.Log.ForSystem(host.GetName())
	sr := report.SystemResult{
		Name:     host.GetName(),
		Platform: host.GetPlatform(),
		Status:   common.StateRunning,
	}

	categories := o.filterCategories(host.GetCategories())
	if len(categories) == 0 {
		sr.Status = common.StateSkipped
		sr.Error = "no matching update categories"
		return sr
	}

	plans, err := catalog.Plan(host.GetPlatform(), categories)
	if err != nil {
		log.WithError(err).Error("planning failed")
		sr.Status = common.StateFailed
		sr.Error = err.Error()
		return sr
	}

	if o.opts.ProbePlatform && !o.opts.DryRun {
		o.probePlatform(ctx, host)
	}

	secret := ""
	if !o.opts.DryRun && host.GetEscalation() == common.EscalationPassword {
		secret = o.secrets(host)
	}

	log.Info("starting updates")
	aborted := false
	criticalFailed := false
	for _, plan := range plans {
		if aborted {
			sr.Categories = append(sr.Categories, report.CategoryResult{
				Category: plan.Category,
				Critical: plan.Critical,
				Skipped:  true,
			})
			continue
		}
		cat := o.runCategory(ctx, host, plan, secret)
		sr.Categories = append(sr.Categories, cat)
		if !cat.OK() && plan.Critical {
			// A broken package database makes every later category suspect.
			log.WithField(common.LogFieldCategory, string(plan.Category)).
				Warn("critical category failed, skipping the rest")
			aborted = true
			criticalFailed = true
		}
		if ctx.Err() != nil {
			aborted = true
		}
	}

	sr.Status = terminalState(sr.Categories, criticalFailed)
	log.WithField("status", sr.Status.String()).Info("finished")
	return sr
}

func (o *Orchestrator) filterCategories(have []common.Category) []common.Category {
	if len(o.opts.Categories) == 0 {
		return have
	}
	wanted := make(map[common.Category]bool, len(o.opts.Categories))
	for _, c := range o.opts.Categories {
		wanted[c] = true
	}
	kept := make([]common.Category, 0, len(have))
	for _, c := range have {
		if wanted[c] {
			kept = append(kept, c)
		}
	}
	return kept
}

// factPlatformKey caches the probed platform per host, so connection-level
// retries of the same system do not re-fetch /etc/os-release.
const factPlatformKey = "facts.platform"

func (o *Orchestrator) probePlatform(ctx context.Context, host connector.Host) {
	log := logger.Log.ForSystem(host.GetName())
	var actual common.Platform
	if cached, ok := host.GetCache().Get(factPlatformKey); ok {
		actual, _ = cached.(common.Platform)
	} else {
		conn, err := o.pool.Get(ctx, host)
		if err != nil {
			log.WithError(err).Debug("platform probe skipped, connection failed")
			return
		}
		actual, err = facts.Probe(ctx, conn)
		if err != nil {
			log.WithError(err).Debug("platform probe failed")
			return
		}
		host.GetCache().Set(factPlatformKey, actual)
	}
	if actual != common.PlatformUnknown && actual != host.GetPlatform() {
		log.WithFields(map[string]interface{}{
			"configured": string(host.GetPlatform()),
			"detected":   string(actual),
		}).Warn("configured platform disagrees with /etc/os-release")
	}
}

// runCategory executes a category's commands in order, retrying each per
// policy. The first terminally-failed command ends the category.
func (o *Orchestrator) runCategory(ctx context.Context, host connector.Host, plan catalog.CategoryPlan, secret string) report.CategoryResult {
	cat := report.CategoryResult{
		Category: plan.Category,
		Critical: plan.Critical,
	}
	for _, cmd := range plan.Commands {
		cr := o.runCommand(ctx, host, cmd, secret)
		cat.Commands = append(cat.Commands, cr)
		if !cr.OK() {
			break
		}
	}
	return cat
}

// runCommand drives one command's retry chain.
func (o *Orchestrator) runCommand(ctx context.Context, host connector.Host, cmd catalog.Command, secret string) report.CommandResult {
	cr := report.CommandResult{
		Text:           cmd.Text,
		NeedsSudo:      cmd.NeedsSudo,
		SelfEscalating: cmd.SelfEscalating,
	}
	log := logger.Log.WithFields(map[string]interface{}{
		common.LogFieldSystem:  host.GetName(),
		common.LogFieldCommand: cmd.Text,
	})

	var backoff time.Duration
	for attempt := 1; attempt <= o.opts.Retry.Limit; attempt++ {
		if ctx.Err() != nil {
			cr.Attempts = append(cr.Attempts, report.Attempt{
				Index:   attempt,
				Backoff: backoff,
				Outcome: report.Outcome{
					Command:      cmd.Text,
					Class:        report.ClassFatalCommand,
					CancelReason: report.CancelReasonCancelled,
				},
			})
			return cr
		}

		out, execErr := o.exec.Execute(ctx, host, cmd, secret)
		if out.Class == "" {
			out.Class = retry.Classify(out.ExitCode, out.Output, out.PromptUnanswered, execErr)
		}
		if ctx.Err() != nil && out.Class != report.ClassSuccess {
			out.Class = report.ClassFatalCommand
			out.CancelReason = report.CancelReasonCancelled
		}
		if execErr != nil && retry.ConnectionLevel(execErr) {
			// Stale transport; the next attempt redials.
			o.pool.Invalidate(host)
		}
		cr.Attempts = append(cr.Attempts, report.Attempt{Index: attempt, Backoff: backoff, Outcome: out})

		switch out.Class {
		case report.ClassSuccess:
			return cr
		case report.ClassTransient:
			if attempt == o.opts.Retry.Limit {
				return cr
			}
			backoff = o.opts.Retry.Backoff(attempt)
			log.WithField("backoff", backoff.String()).Warn("transient failure, retrying")
			if err := retry.Sleep(ctx, backoff); err != nil {
				return cr
			}
		default:
			// fatal-auth and fatal-command never retry.
			return cr
		}
	}
	return cr
}

// terminalState folds category results into the system's terminal state. A
// failed critical category means the system is failed outright, whatever ran
// before it.
func terminalState(categories []report.CategoryResult, criticalFailed bool) common.SystemState {
	if criticalFailed {
		return common.StateFailed
	}
	ok, failed := 0, 0
	for i := range categories {
		if categories[i].OK() {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return common.StateCompleted
	case ok == 0:
		return common.StateFailed
	default:
		return common.StatePartiallyFailed
	}
}
