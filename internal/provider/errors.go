package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed fetch. The session health tracker treats
// Blocked and RateLimited as transient: they never count toward pausing an
// account.
type ErrorKind string

const (
	KindSessionExpired ErrorKind = "session_expired"
	KindBlocked        ErrorKind = "blocked"
	KindRateLimited    ErrorKind = "rate_limited"
	KindNetwork        ErrorKind = "network"
	KindUnknown        ErrorKind = "unknown"
)

// Transient reports whether the kind must not advance the consecutive-error
// counter.
func (k ErrorKind) Transient() bool {
	return k == KindBlocked || k == KindRateLimited
}

// Error is a classified provider failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the ErrorKind from err, defaulting to KindUnknown.
func Classify(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}
