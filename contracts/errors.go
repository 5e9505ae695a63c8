package contracts

import (
	"errors"
	"strings"
)

// knownError is implemented by anticipated domain errors. Known errors are
// logged without a stack trace.
type knownError interface {
	Known() bool
}

// KnownError is an anticipated processing failure
type KnownError struct {
	Message string
	Err     error
}

// Known creates a known processing error
func Known(message string) error {
	return &KnownError{Message: message}
}

// AsKnown marks an existing error as anticipated
func AsKnown(err error) error {
	if err == nil {
		return nil
	}
	return &KnownError{Message: err.Error(), Err: err}
}

func (e *KnownError) Error() string {
	return e.Message
}

func (e *KnownError) Unwrap() error {
	return e.Err
}

// Known implements knownError
func (e *KnownError) Known() bool {
	return true
}

// RejectError asks for the message to be dead-lettered immediately,
// regardless of retry configuration
type RejectError struct {
	Reason string
}

// Reject creates a reject signal
func Reject(reason string) error {
	return &RejectError{Reason: reason}
}

func (e *RejectError) Error() string {
	return strings.TrimSpace("Rejecting " + e.Reason)
}

// Known implements knownError
func (e *RejectError) Known() bool {
	return true
}

// DebounceError asks for the message to be deferred to the delay queue
type DebounceError struct {
	Reason string
}

// Debounce creates a debounce signal
func Debounce(reason string) error {
	return &DebounceError{Reason: reason}
}

func (e *DebounceError) Error() string {
	return strings.TrimSpace("Debounced " + e.Reason)
}

// Known implements knownError
func (e *DebounceError) Known() bool {
	return true
}

// IsReject reports whether err carries a reject signal
func IsReject(err error) bool {
	var r *RejectError
	return errors.As(err, &r)
}

// IsDebounce reports whether err carries a debounce signal
func IsDebounce(err error) bool {
	var d *DebounceError
	return errors.As(err, &d)
}

// IsKnown reports whether err is an anticipated error
func IsKnown(err error) bool {
	for err != nil {
		if k, ok := err.(knownError); ok && k.Known() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
