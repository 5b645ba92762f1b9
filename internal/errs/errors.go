// Package errs provides the unified error type used across all of poolman.
//
// Every subsystem (pool core, connectors, audit, …) wraps its native errors
// into *errs.Error before returning them to callers. Callers use the Is*
// predicates to handle errors without importing driver-specific packages.
//
// Usage:
//
//	// In a connector, wrap native errors:
//	return errs.Wrap(errs.ErrKindConnector, "open failed", pgErr)
//
//	// In a caller, check the error kind:
//	if errs.IsAcquireTimeout(err) {
//	    backoffAndRetry()
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing subsystem-specific codes.
// The pool core and all connectors map their native errors to one of these
// kinds, giving callers a single consistent API.
type ErrKind int

const (
	ErrKindUnknown           ErrKind = iota
	ErrKindPoolNotFound              // no pool registered under that id
	ErrKindPoolAlreadyExists         // duplicate pool id on create
	ErrKindPoolUnhealthy             // admission refused, pool failed its probes
	ErrKindAcquireTimeout            // no capacity freed within the caller's timeout
	ErrKindLeaseNotFound             // unknown or already-released lease id
	ErrKindShuttingDown              // manager is draining, no new leases
	ErrKindScalingFailure            // internal scale-up/down failure, logged only
	ErrKindConnector                 // wrapped error from the physical connector
	ErrKindInvalidConfig             // bad pool configuration from the caller
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindPoolNotFound:
		return "pool_not_found"
	case ErrKindPoolAlreadyExists:
		return "pool_already_exists"
	case ErrKindPoolUnhealthy:
		return "pool_unhealthy"
	case ErrKindAcquireTimeout:
		return "acquire_timeout"
	case ErrKindLeaseNotFound:
		return "lease_not_found"
	case ErrKindShuttingDown:
		return "shutting_down"
	case ErrKindScalingFailure:
		return "scaling_failure"
	case ErrKindConnector:
		return "connector_error"
	case ErrKindInvalidConfig:
		return "invalid_config"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all poolman subsystems.
// The pool core produces it; callers inspect it via the Is* predicates below.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original connector-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsPoolNotFound reports whether err names a pool id that is not registered.
func IsPoolNotFound(err error) bool {
	return kindOf(err) == ErrKindPoolNotFound
}

// IsPoolAlreadyExists reports whether err was caused by a duplicate pool id.
func IsPoolAlreadyExists(err error) bool {
	return kindOf(err) == ErrKindPoolAlreadyExists
}

// IsPoolUnhealthy reports whether err means the pool is refusing admission.
// Callers may retry after backoff once the pool recovers.
func IsPoolUnhealthy(err error) bool {
	return kindOf(err) == ErrKindPoolUnhealthy
}

// IsAcquireTimeout reports whether the caller's acquire deadline elapsed
// before a connection became available. Retriable.
func IsAcquireTimeout(err error) bool {
	return kindOf(err) == ErrKindAcquireTimeout
}

// IsLeaseNotFound reports whether err refers to an unknown or
// already-released lease. Releasing twice is a harmless no-op.
func IsLeaseNotFound(err error) bool {
	return kindOf(err) == ErrKindLeaseNotFound
}

// IsShuttingDown reports whether the manager is draining.
// Callers must stop retrying.
func IsShuttingDown(err error) bool {
	return kindOf(err) == ErrKindShuttingDown
}

// IsConnector reports whether err wraps a failure from the physical
// connector (open, probe, or close).
func IsConnector(err error) bool {
	return kindOf(err) == ErrKindConnector
}

// IsInvalidConfig reports whether err was caused by a bad PoolConfiguration.
func IsInvalidConfig(err error) bool {
	return kindOf(err) == ErrKindInvalidConfig
}

// kindOf extracts the ErrKind from any error in the chain.
func kindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
