package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// Fetcher issues one rate-limited request and classifies its outcome.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Payload, error)
}

// Acquirer grants permission to issue a request to a source.
type Acquirer interface {
	Acquire(ctx context.Context, sourceID string) error
}

// Request describes one page or lookup call.
type Request struct {
	Source string
	Target string
	Params map[string]string
	Accept string
}

// Payload is a successful response body.
type Payload struct {
	Body        []byte
	Status      int
	ContentType string
}

// Kind classifies a failed fetch.
type Kind string

const (
	KindTransport Kind = "transport"
	KindThrottled Kind = "throttled"
	KindStatus    Kind = "status"
)

// FetchError is returned for every failed request except context cancellation.
type FetchError struct {
	Source string
	Kind   Kind
	Status int
	Body   string
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindTransport:
		return fmt.Sprintf("%s: transport error: %v", e.Source, e.Err)
	case KindThrottled:
		return fmt.Sprintf("%s: throttled (%d)", e.Source, e.Status)
	default:
		if e.Body != "" {
			return fmt.Sprintf("%s: unexpected status %d: %s", e.Source, e.Status, e.Body)
		}
		return fmt.Sprintf("%s: unexpected status %d", e.Source, e.Status)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may try the same request again.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindThrottled
}

// AsFetchError unwraps err into a FetchError when it is one.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
