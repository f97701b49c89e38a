// Package gridgate defines the shared error taxonomy of the request
// governance layer. Callers of the composed pipeline receive either a value
// (possibly stale) or exactly one of these errors; intermediate rate-limit
// and forbidden outcomes are handled internally by credential rotation.
package gridgate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolExhausted is returned when no credential is currently eligible
	// for selection. The condition is self-healing: cooldowns are
	// time-bounded and credentials become selectable again on their own.
	ErrPoolExhausted = errors.New("all credentials are cooling down")

	// ErrQueueTimeout is returned when a caller gives up waiting for its
	// queued request. The underlying task is not cancelled and its result
	// still populates the cache for future callers.
	ErrQueueTimeout = errors.New("queued request timed out")
)

// RateLimitedError reports an upstream rate-limit response (HTTP 429 or
// equivalent). RetryAfter carries the provider-supplied cooldown hint, or
// zero if the provider sent none.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "upstream rate limit exceeded"
}

// ForbiddenError reports an upstream forbidden response (HTTP 403 or
// equivalent). The credential that triggered it is cooled down for a longer
// window but never permanently retired.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return "upstream rejected credential"
	}
	return fmt.Sprintf("upstream rejected credential: %s", e.Reason)
}

// UpstreamError is returned once the retry budget is exhausted without a
// successful response. Last carries the error observed on the final attempt.
type UpstreamError struct {
	Attempts int
	Last     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream call failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *UpstreamError) Unwrap() error {
	return e.Last
}
