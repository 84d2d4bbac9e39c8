package domain

import "errors"

var (
	// ErrFetch is returned when a page of change-requests cannot be fetched
	ErrFetch = errors.New("fetch change requests failed")

	// ErrSearch is returned when comments of a change-request cannot be searched
	ErrSearch = errors.New("comment search failed")

	// ErrGeneration is returned when the review generator fails
	ErrGeneration = errors.New("review generation failed")

	// ErrEmptyReview is returned when the generator answers with blank text
	ErrEmptyReview = errors.New("generator returned an empty review")

	// ErrDelivery is returned when a review comment cannot be posted
	ErrDelivery = errors.New("review delivery failed")

	// ErrNotFound is returned by lookups that have nothing to return
	ErrNotFound = errors.New("not found")
)

// RetryableError wraps transient errors that should be attempted again
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
