package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// Kind classifies activity errors orthogonally to the phase. The engine
// never classifies: it sees only (result | classified error).
type Kind string

const (
	KindTransient         Kind = "transient"
	KindRateLimited       Kind = "rate_limited"
	KindInvalidInput      Kind = "invalid_input"
	KindCompilationFailed Kind = "compilation_failed"
	KindPatchInvalid      Kind = "patch_invalid"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Error is a classified activity failure.
type Error struct {
	Kind     Kind
	Activity string
	Message  string

	// Details carries structured collaborator output, e.g. the patcher's
	// compilation errors. Already redacted by the adapter or dispatcher.
	Details []string

	// CaseDeadline marks a case-level deadline expiry, which is terminal,
	// as opposed to a retryable single-attempt timeout.
	CaseDeadline bool

	retryAfter *time.Duration
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "activity failed"
	}
	return fmt.Sprintf("%s: %s: %s", e.Activity, e.Kind, msg)
}

// Retryable reports whether the dispatcher may retry within the phase's
// attempt budget. Case-level deadline expiry is never retryable.
func (e *Error) Retryable() bool {
	if e.CaseDeadline {
		return false
	}
	switch e.Kind {
	case KindTransient, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

// RetryAfter returns a server-requested delay, when one was provided.
func (e *Error) RetryAfter() *time.Duration { return e.retryAfter }

// Reason maps a terminal classified error to the case failure reason.
func (e *Error) Reason() runtime.FailureReason {
	switch e.Kind {
	case KindTimeout:
		return runtime.ReasonTimeout
	case KindCancelled:
		return runtime.ReasonCancelled
	case KindInvalidInput, KindPatchInvalid:
		return runtime.ReasonContract
	default:
		return runtime.ReasonInternal
	}
}

// Classify wraps an arbitrary call error into a classified Error. Context
// errors map to cancelled/timeout; anything unclassified is internal.
func Classify(activity string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Activity == "" {
			ce.Activity = activity
		}
		return ce
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Activity: activity, Message: "call cancelled"}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Activity: activity, Message: "call timed out"}
	default:
		return &Error{Kind: KindInternal, Activity: activity, Message: err.Error()}
	}
}

// FromHTTPStatus maps a collaborator HTTP status to the taxonomy. 429 is
// rate-limited, 408 and 5xx are transient, 4xx are contract violations.
func FromHTTPStatus(activity string, status int, message string, retryAfter *time.Duration) *Error {
	e := &Error{Activity: activity, Message: message, retryAfter: retryAfter}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case status == http.StatusRequestTimeout:
		e.Kind = KindTransient
	case status >= 500:
		e.Kind = KindTransient
	case status >= 400:
		e.Kind = KindInvalidInput
	default:
		e.Kind = KindInternal
	}
	return e
}

// ParseRetryAfter parses a Retry-After header: integer seconds or HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
