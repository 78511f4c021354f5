// Package errs holds the failure taxonomy shared by the cache, the agent
// and the session layer. Callers wrap these sentinels with %w and match
// them with errors.Is.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrNotBound means the session has no connection descriptor.
	ErrNotBound = errors.New("session is not bound to a database")
	// ErrSessionBusy means another turn is in flight for the session.
	ErrSessionBusy = errors.New("session has a turn in progress")
	// ErrToolNotFound means the model asked for a tool that does not exist.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolExecution wraps SQL and connection failures. The agent feeds
	// these back to the model instead of aborting the turn.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrUpstream means the language model call failed after its retry budget.
	ErrUpstream = errors.New("language model request failed")
	// ErrStepLimitExceeded means the turn did not converge within its step bound.
	ErrStepLimitExceeded = errors.New("step limit exceeded")
	// ErrCacheUnavailable means the durable session store could not be reached.
	ErrCacheUnavailable = errors.New("session cache unavailable")
	// ErrForbidden means the session belongs to another user.
	ErrForbidden = errors.New("session belongs to another user")
)

const (
	KindNotBound          = "NOT_BOUND"
	KindSessionBusy       = "SESSION_BUSY"
	KindToolNotFound      = "TOOL_NOT_FOUND"
	KindToolExecution     = "TOOL_EXECUTION_ERROR"
	KindUpstream          = "UPSTREAM_ERROR"
	KindStepLimitExceeded = "STEP_LIMIT_EXCEEDED"
	KindCacheUnavailable  = "CACHE_UNAVAILABLE"
	KindForbidden         = "FORBIDDEN"
	KindCanceled          = "CANCELED"
	KindInternal          = "INTERNAL"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrNotBound, KindNotBound},
	{ErrSessionBusy, KindSessionBusy},
	{ErrToolNotFound, KindToolNotFound},
	{ErrStepLimitExceeded, KindStepLimitExceeded},
	{ErrCacheUnavailable, KindCacheUnavailable},
	{ErrUpstream, KindUpstream},
	{ErrForbidden, KindForbidden},
	{ErrToolExecution, KindToolExecution},
}

// Kind returns a stable code for err, suitable for logs and API responses.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, candidate := range kinds {
		if errors.Is(err, candidate.err) {
			return candidate.kind
		}
	}
	if isContextErr(err) {
		return KindCanceled
	}
	return KindInternal
}

// IsFatal reports whether err must end a turn rather than be reported
// back to the model as a tool result.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrToolExecution) {
		return errors.Is(err, ErrNotBound) || errors.Is(err, ErrCacheUnavailable) || errors.Is(err, ErrUpstream) || isContextErr(err)
	}
	return true
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
