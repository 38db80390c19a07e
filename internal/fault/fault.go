// Package fault holds the failure taxonomy shared by the extraction engine and
// the classification used to decide between retry, recovery and giving up.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Class int

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = iota
	// ClassSessionDead failures trigger re-authentication.
	ClassSessionDead
	// ClassPermanent failures fail the current item.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSessionDead:
		return "session-dead"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

var (
	// ErrNotFound is returned when an element or resource does not exist on the remote surface.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied is returned when the remote system refuses access to a resource.
	ErrAccessDenied = errors.New("access denied")
	// ErrMalformed is returned when the remote structure does not match any known shape.
	ErrMalformed = errors.New("malformed remote structure")
	// ErrStale is returned when a previously resolved reference is no longer attached.
	ErrStale = errors.New("stale reference")
	// ErrUnavailable is returned when the remote system is temporarily unavailable.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// AuthFailed means login could not be completed after all attempts.
type AuthFailed struct {
	Account  string
	Attempts int
	Err      error
}

func (e *AuthFailed) Error() string {
	return fmt.Sprintf("authentication failed for %s after %d attempt(s): %v", e.Account, e.Attempts, e.Err)
}

func (e *AuthFailed) Unwrap() error { return e.Err }

// SessionDead means the remote system silently invalidated the session.
type SessionDead struct {
	Reason string
}

func (e *SessionDead) Error() string {
	return fmt.Sprintf("session dead: %s", e.Reason)
}

// TransientRemoteError wraps a failure that is expected to go away on retry.
type TransientRemoteError struct {
	Err error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("transient remote error: %v", e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// ItemExtractionFailed is recorded on an item when a step could not be completed.
type ItemExtractionFailed struct {
	ItemID string
	Step   string
	Err    error
}

func (e *ItemExtractionFailed) Error() string {
	return fmt.Sprintf("item %s: %s: %v", e.ItemID, e.Step, e.Err)
}

func (e *ItemExtractionFailed) Unwrap() error { return e.Err }

// ReconciliationDegraded means the external message stream could not be used.
type ReconciliationDegraded struct {
	ItemID string
	Err    error
}

func (e *ReconciliationDegraded) Error() string {
	return fmt.Sprintf("reconciliation degraded for %s: %v", e.ItemID, e.Err)
}

func (e *ReconciliationDegraded) Unwrap() error { return e.Err }

// CacheWriteFailed means the durable cache index could not be persisted.
type CacheWriteFailed struct {
	Err error
}

func (e *CacheWriteFailed) Error() string {
	return fmt.Sprintf("cache write failed: %v", e.Err)
}

func (e *CacheWriteFailed) Unwrap() error { return e.Err }

// Classify maps an error to the class that decides how it is handled. Errors
// that are not recognized are treated as transient, retries are bounded.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var dead *SessionDead
	if errors.As(err, &dead) {
		return ClassSessionDead
	}

	var authFailed *AuthFailed
	var itemFailed *ItemExtractionFailed
	if errors.As(err, &authFailed) || errors.As(err, &itemFailed) {
		return ClassPermanent
	}
	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var transient *TransientRemoteError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrStale) ||
		errors.Is(err, ErrUnavailable) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// IsTimeout reports whether err is a timeout, used for escalation to the
// session dead path.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
