package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed fetch attempt. The retry policy is a pure
// decision from (attempt, kind); no control flow rides on exception types.
type ErrorKind int

const (
	// KindTransient covers timeouts, connection errors and 5xx responses.
	// Retried with exponential backoff up to the ceiling.
	KindTransient ErrorKind = iota
	// KindRateLimited is a 429 (or venue busy code). Retried after the
	// server's advertised cool-down.
	KindRateLimited
	// KindDefinitive is a 400-class failure. Retrying cannot succeed; the
	// caller treats it as a successful-but-empty response.
	KindDefinitive
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindDefinitive:
		return "definitive"
	default:
		return "transient"
	}
}

// FetchError is the typed failure of one exchange call.
type FetchError struct {
	Kind       ErrorKind
	Endpoint   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s (%s, status %d): %v", e.Endpoint, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s, status %d)", e.Endpoint, e.Kind, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsDefinitive reports whether err is a non-retryable client error.
func IsDefinitive(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindDefinitive
}

// IsTransient reports whether err is a retryable fetch failure.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind != KindDefinitive
}
