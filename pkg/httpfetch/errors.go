package httpfetch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a fetch failure for callers that need to branch on
// the failure mode without parsing messages.
type ErrorKind string

const (
	// KindRateLimited means the site answered 429 and retries were
	// exhausted or cut short by context cancellation.
	KindRateLimited ErrorKind = "rate_limited"
	// KindClientError means a non-retryable 4xx response.
	KindClientError ErrorKind = "client_error"
	// KindServerError means 5xx responses persisted through the retry budget.
	KindServerError ErrorKind = "server_error"
	// KindNetworkError means the request never produced an HTTP response.
	KindNetworkError ErrorKind = "network_error"
)

// FetchError is the typed failure surfaced by Fetcher.FetchHTML.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a rate-limit fetch failure.
func IsRateLimited(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindRateLimited
}

// IsClientError reports whether err is a non-retryable 4xx fetch failure.
func IsClientError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindClientError
}
