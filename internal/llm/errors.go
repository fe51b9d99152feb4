package llm

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse indicates the backend returned a response with no
// choices. There is nothing to retry; the exchange failed.
var ErrMalformedResponse = errors.New("backend response contains no choices")

// BackendError is a non-retryable upstream failure: the backend answered with
// an error status that is neither a rate limit nor a transport fault.
type BackendError struct {
	Provider string
	Status   int
	Body     string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Status, e.Body)
}

// RetriesExhaustedError reports that the configured retry budget ran out
// before the backend produced a usable response.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// StreamProtocolError reports a tool-call fragment whose index skipped ahead
// of the fragments seen so far. The partial message is discarded; a skipped
// index means the stream can no longer be trusted.
type StreamProtocolError struct {
	Index    int
	Expected int
}

func (e *StreamProtocolError) Error() string {
	return fmt.Sprintf("tool call fragment index %d, expected %d", e.Index, e.Expected)
}

// rateLimitError marks a 429 response. It never escapes the retry loop.
type rateLimitError struct {
	body string
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.body)
}

// transientError marks a failure to reach the backend at all, such as a
// refused connection or a request timeout. It never escapes the retry loop.
type transientError struct {
	cause error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("transient transport failure: %v", e.cause)
}

func (e *transientError) Unwrap() error {
	return e.cause
}
