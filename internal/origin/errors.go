package origin

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the origin could not be reached at all.
	ErrUnavailable = errors.New("origin unavailable")

	// ErrRedirectLoop means the redirect chain exceeded the configured bound.
	ErrRedirectLoop = errors.New("redirect limit exceeded")

	// ErrRangeUnsupported means the origin ignored a Range header and
	// returned a full body larger than the requested span.
	ErrRangeUnsupported = errors.New("origin does not support range requests")

	// ErrTimeout means the per-request deadline elapsed.
	ErrTimeout = errors.New("origin request timed out")
)

// StatusError reports an origin response whose status the request cannot
// use: any status other than the expected 200/206, including a redirect
// without a Location header.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin returned status %d for %s", e.StatusCode, e.URL)
}

// IsNotRetryable reports whether the error indicates a permanent failure that
// retrying cannot fix (client errors, unsupported ranges, redirect loops).
func IsNotRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500
	}
	return errors.Is(err, ErrRangeUnsupported) || errors.Is(err, ErrRedirectLoop)
}
