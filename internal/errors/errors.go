// Package errors defines the sentinel errors shared by the keysync
// components. Callers wrap them with fmt.Errorf("...: %w") and test with
// errors.Is.
package errors

import (
	"context"
	"errors"
)

// Connectivity and transport errors.
var (
	ErrOffline   = errors.New("device is offline")
	ErrDirectory = errors.New("key directory request failed")
	ErrTimeout   = errors.New("operation timed out")
)

// Queue errors.
var (
	ErrQueueFull        = errors.New("offline queue is full")
	ErrDrainInProgress  = errors.New("queue drain already in progress")
	ErrMalformedRecord  = errors.New("malformed queued operation")
	ErrNoHandler        = errors.New("no handler registered for operation type")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	ErrPermanent        = errors.New("permanent operation failure")
)

// Lifecycle errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrClosed         = errors.New("service closed")
)

// IsTransient reports whether err is worth retrying later. Permanent,
// malformed and exhausted failures are not; everything else (timeouts,
// directory outages, offline) is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrMalformedRecord),
		errors.Is(err, ErrNoHandler),
		errors.Is(err, ErrRetriesExhausted),
		errors.Is(err, context.Canceled):
		return false
	}

	return true
}
