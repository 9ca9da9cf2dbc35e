package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("rule executor stopped")
	ErrStopping    = errors.New("rule executor stopping")
	ErrQueueFull   = errors.New("rule executor queue full")
	ErrBusy        = errors.New("key already queued or running")
	ErrBreakerOpen = errors.New("key refused: breaker open")
	// ErrStale is passed to Task.Done when a task waited too long in the queue.
	ErrStale = errors.New("task waited too long in queue")
)

// Permanent marks err as not worth retrying. Done receives the unwrapped
// error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e *permanentError) Unwrap() error { return e.err }

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
