// Package retry classifies execution outcomes and schedules retries with
// exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/updall/updall/connector"
	"github.com/updall/updall/report"
)

// transientSignals appear in package-manager output when another process
// holds the database lock or the mirror is briefly unavailable.
var transientSignals = []string{
	"could not get lock",
	"could not open lock file",
	"db.lck",
	"failed to acquire",
	"resource temporarily unavailable",
	"temporary failure in name resolution",
	"connection reset by peer",
}

// authSignals appear when sudo or the escalation path rejected the secret.
var authSignals = []string{
	"sorry, try again",
	"incorrect password",
	"authentication failure",
	"a password is required",
}

// Classify maps one attempt outcome to its classification. err, when
// non-nil, is the transport error that prevented the command from running.
func Classify(exitCode int, output string, promptUnanswered bool, err error) report.Classification {
	if err != nil {
		if cerr, ok := connector.AsConnectionError(err); ok {
			if cerr.Retryable() {
				return report.ClassTransient
			}
			return report.ClassFatalAuth
		}
		return report.ClassTransient
	}
	if promptUnanswered {
		return report.ClassFatalAuth
	}
	if exitCode == 0 {
		return report.ClassSuccess
	}

	lower := strings.ToLower(output)
	for _, sig := range authSignals {
		if strings.Contains(lower, sig) {
			return report.ClassFatalAuth
		}
	}
	for _, sig := range transientSignals {
		if strings.Contains(lower, sig) {
			return report.ClassTransient
		}
	}
	// A plain timeout without an unanswered prompt is worth another try.
	if exitCode == 124 {
		return report.ClassTransient
	}
	return report.ClassFatalCommand
}

// ConnectionLevel reports whether err is a transport failure that should
// invalidate the pooled connection before the next attempt.
func ConnectionLevel(err error) bool {
	_, ok := connector.AsConnectionError(err)
	return ok
}

// Policy bounds the retry chain for one command.
type Policy struct {
	// Limit is the attempt ceiling, counting the first attempt.
	Limit int
	// BaseDelay is the backoff for the first retry.
	BaseDelay time.Duration
}

// DefaultPolicy matches the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{Limit: 3, BaseDelay: 5 * time.Second}
}

// Backoff returns the delay before retry n (1-based: n=1 is the first
// retry). The delay doubles per retry with uniform jitter in [0, delay).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseDelay << uint(n-1)
	if delay <= 0 {
		return 0
	}
	return delay + time.Duration(rand.Int63n(int64(delay)))
}

// Sleep waits for d or until ctx is cancelled, returning ctx.Err() in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
