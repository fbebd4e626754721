package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies operation failures so callers and the API layer can
// map them to retry behavior and HTTP status codes.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation_error"
	KindNotFound        ErrorKind = "namespace_not_found"
	KindAuthorization   ErrorKind = "authorization_error"
	KindQuotaExceeded   ErrorKind = "quota_exceeded"
	KindScaling         ErrorKind = "scaling_error"
	KindBreakerOpen     ErrorKind = "breaker_open"
	KindCount           ErrorKind = "count_error"
	KindPermissionCheck ErrorKind = "permission_check_error"
)

// OpError is a classified operation error. Reason is a short, user-visible
// explanation; Err carries the underlying cause, if any.
type OpError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError builds an OpError with the given classification.
func NewOpError(kind ErrorKind, reason string, err error) *OpError {
	return &OpError{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the ErrorKind from err, or returns the empty string when
// err is not an OpError.
func KindOf(err error) ErrorKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}
