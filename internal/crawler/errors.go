package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunActive is returned when a non-concurrent run is requested while one is queued or running.
	ErrRunActive = errors.New("a run of this kind is already active")
	// ErrRunTerminal is returned when an operation needs a run that has already finished.
	ErrRunTerminal = errors.New("run already finished")
	// ErrQueueFull signals the bounded queue rejected an item.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed signals the queue no longer accepts or yields items.
	ErrQueueClosed = errors.New("queue closed")
	// ErrTerminated is the cancellation cause when an operator terminates a run.
	ErrTerminated = errors.New("run terminated")
)

// FetchError is the typed failure of a page or source fetch.
type FetchError struct {
	URL       string
	Status    int
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError builds a FetchError for a non-success HTTP status. 5xx, 408 and 429
// are transient.
func StatusError(url string, status int) *FetchError {
	return &FetchError{
		URL:       url,
		Status:    status,
		Transient: status >= http.StatusInternalServerError || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests,
	}
}

// IsTransient decides whether an error is worth retrying. A closed queue never
// reopens.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Transient
	}
	return true
}

// TerminateError carries an operator-supplied reason as a cancellation cause.
type TerminateError struct {
	Reason string
}

func (e *TerminateError) Error() string {
	if e.Reason == "" {
		return ErrTerminated.Error()
	}
	return fmt.Sprintf("%s: %s", ErrTerminated.Error(), e.Reason)
}

func (e *TerminateError) Unwrap() error {
	return ErrTerminated
}
