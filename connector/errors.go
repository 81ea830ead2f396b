package connector

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// FailureKind distinguishes connection failures that matter to retry policy:
// timeouts and unreachable hosts are retryable, rejected authentication is not.
type FailureKind string

const (
	FailureUnreachable  FailureKind = "unreachable"
	FailureAuthRejected FailureKind = "auth-rejected"
	FailureTimeout      FailureKind = "timeout"
)

// ConnectionError wraps a transport-level failure with its classification.
type ConnectionError struct {
	Kind FailureKind
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed (%s): %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether redialing can plausibly succeed.
func (e *ConnectionError) Retryable() bool {
	return e.Kind != FailureAuthRejected
}

// AsConnectionError extracts a ConnectionError from an error chain.
func AsConnectionError(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classifyDialError maps an SSH dial failure onto the failure taxonomy.
func classifyDialError(addr string, err error) *ConnectionError {
	kind := FailureUnreachable

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = FailureTimeout
	case errors.Is(err, context.DeadlineExceeded):
		kind = FailureTimeout
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "unable to authenticate"),
			strings.Contains(msg, "no supported methods remain"),
			strings.Contains(msg, "permission denied"):
			kind = FailureAuthRejected
		case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "timed out"):
			kind = FailureTimeout
		}
	}

	return &ConnectionError{Kind: kind, Addr: addr, Err: err}
}
