// Package pacserrors implements the error taxonomy used across the
// PACS client subsystem (see spec §7 Error Handling Design). Every
// fallible operation that crosses a component boundary returns (or
// wraps) an *AppError so callers can make retry/terminal decisions
// without string-matching raw driver/network errors.
package pacserrors

import "fmt"

// Type classifies an error for retry/terminal decisions and for the
// HTTP-adjacent status code a REST-facing caller would report (the
// REST surface itself is out of scope, but the mapping is still useful
// for logging and for any thin admin surface built on top of this
// package).
type Type string

const (
	// TypeTransientNetwork covers timeouts, association rejects, TCP
	// resets, TLS renegotiation-in-progress. Retryable.
	TypeTransientNetwork Type = "transient_network"
	// TypeRemoteRefusal covers protocol-level negative responses
	// (access denied, unsupported SOP class). Terminal.
	TypeRemoteRefusal Type = "remote_refusal"
	// TypeDataError covers malformed datasets, missing identifiers.
	// Terminal, recorded verbatim.
	TypeDataError Type = "data_error"
	// TypeLocalResource covers pool exhaustion, repository
	// unavailability, disk full. Transient if the resource recovers.
	TypeLocalResource Type = "local_resource"
	// TypeValidation covers API-boundary rejections (bad priority,
	// unknown node, empty UIDs). Never reaches persistence.
	TypeValidation Type = "validation"
	// TypeCancellation is not a failure; it records that an operation
	// was deliberately canceled.
	TypeCancellation Type = "cancellation"
	// TypeNotFound covers missing entities in repository lookups.
	TypeNotFound Type = "not_found"
	// TypeConflict covers uniqueness/state conflicts (e.g. duplicate
	// domain id, dangling node reference).
	TypeConflict Type = "conflict"
	// TypeInternal covers anything that doesn't fit the above.
	TypeInternal Type = "internal"
)

// retryable is the fixed classification of which taxonomy codes are
// retryable by nature. pkg/resilience additionally allows call sites
// to list substring patterns; this table governs the taxonomy-level
// default used when translating raw errors into AppErrors.
var retryable = map[Type]bool{
	TypeTransientNetwork: true,
	TypeLocalResource:    true,
}

var terminal = map[Type]bool{
	TypeRemoteRefusal: true,
	TypeDataError:     true,
	TypeValidation:    true,
	TypeNotFound:      true,
	TypeConflict:      true,
}

// AppError is the structured error carrier threaded through the
// subsystem. It implements the standard error interface and unwraps to
// its Cause so callers can still use errors.Is/errors.As against
// underlying driver errors.
type AppError struct {
	Type    Type
	Message string
	Details string
	Cause   error
}

// New creates an AppError with no underlying cause.
func New(t Type, message string) *AppError {
	return &AppError{Type: t, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(t Type, format string, args ...any) *AppError {
	return &AppError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an AppError that wraps an underlying cause.
func Wrap(cause error, t Type, message string) *AppError {
	return &AppError{Type: t, Message: message, Cause: cause}
}

// Wrapf creates an AppError wrapping a cause with a formatted message.
func Wrapf(cause error, t Type, format string, args ...any) *AppError {
	return &AppError{Type: t, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches additional detail to the error in place and
// returns it for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail to the error in place.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error's taxonomy code is retryable
// by default. Terminal-by-type errors (validation, data, remote
// refusal, not-found, conflict) always return false regardless of
// message content.
func IsRetryable(err error) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return retryable[ae.Type]
}

// IsTerminal reports whether the error's taxonomy code is terminal by
// nature (never worth retrying, independent of retry_count).
func IsTerminal(err error) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return terminal[ae.Type]
}

// TypeOf returns the taxonomy code of err, or TypeInternal if err is
// not an *AppError.
func TypeOf(err error) Type {
	if ae, ok := err.(*AppError); ok {
		return ae.Type
	}
	return TypeInternal
}

// NewValidationError creates a validation-typed error.
func NewValidationError(message string) *AppError {
	return New(TypeValidation, message)
}

// NewNotFoundError creates a not-found error for the named entity.
func NewNotFoundError(entity string) *AppError {
	return Newf(TypeNotFound, "%s not found", entity)
}

// NewConflictError creates a conflict-typed error.
func NewConflictError(message string) *AppError {
	return New(TypeConflict, message)
}

// NewRepositoryError wraps a low-level repository/driver error as a
// local-resource error (transient: retried if the store recovers).
func NewRepositoryError(op string, cause error) *AppError {
	return Wrapf(cause, TypeLocalResource, "repository operation failed: %s", op)
}

// NewNetworkError wraps a low-level transport error as transient.
func NewNetworkError(op string, cause error) *AppError {
	return Wrapf(cause, TypeTransientNetwork, "network operation failed: %s", op)
}

// NewCancellationError creates a cancellation marker error.
func NewCancellationError(message string) *AppError {
	return New(TypeCancellation, message)
}
