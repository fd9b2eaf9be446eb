package errdefs

import (
	"errors"
	"fmt"
)

// Class buckets an error by how the engine reacts to it.
type Class string

const (
	// ClassTransient covers connection loss, timeouts and back-end
	// "retry later" answers. Retried with exponential backoff up to the
	// step attempt limit.
	ClassTransient Class = "transient"

	// ClassContention covers lock-busy and optimistic CAS failures.
	// Retried with a shorter backoff.
	ClassContention Class = "contention"

	// ClassLogical covers schema conflicts, transformer rejections and
	// validation mismatches. Never retried.
	ClassLogical Class = "logical"

	// ClassStructural covers plan cycles, missing compensations and
	// topology mismatches. Fails the migration outright.
	ClassStructural Class = "structural"

	// ClassFatal means the status store itself is unavailable. The
	// coordinator parks in-flight work and alerts the operator.
	ClassFatal Class = "fatal"
)

// Sentinel errors surfaced across package boundaries.
var (
	ErrPlanCycle           = &Error{Class: ClassStructural, Code: "PLAN_CYCLE", msg: "migration plan contains a dependency cycle"}
	ErrTopologyStale       = &Error{Class: ClassStructural, Code: "TOPOLOGY_STALE", msg: "topology version no longer available"}
	ErrMissingCompensation = &Error{Class: ClassStructural, Code: "MISSING_COMPENSATION", msg: "no compensation registered for step"}
	ErrLockBusy            = &Error{Class: ClassContention, Code: "LOCK_BUSY", msg: "resource lock held by another migration"}
	ErrLockUnavailable     = &Error{Class: ClassContention, Code: "LOCK_UNAVAILABLE", msg: "lock contention exceeded threshold"}
	ErrStaleToken          = &Error{Class: ClassContention, Code: "STALE_FENCING_TOKEN", msg: "write carries a stale fencing token"}
	ErrCASConflict         = &Error{Class: ClassContention, Code: "CAS_CONFLICT", msg: "record version changed concurrently"}
	ErrMigrationNotFound   = &Error{Class: ClassLogical, Code: "MIGRATION_NOT_FOUND", msg: "migration not found"}
	ErrMigrationExists     = &Error{Class: ClassLogical, Code: "MIGRATION_ALREADY_EXISTS", msg: "migration with this idempotency key already admitted"}
	ErrMigrationTerminal   = &Error{Class: ClassLogical, Code: "MIGRATION_TERMINAL", msg: "migration is in a terminal state"}
	ErrShardNotFound       = &Error{Class: ClassLogical, Code: "SHARD_NOT_FOUND", msg: "shard not found in topology"}
	ErrTransformerUnknown  = &Error{Class: ClassStructural, Code: "TRANSFORMER_UNKNOWN", msg: "transformer not registered"}
	ErrStoreUnavailable    = &Error{Class: ClassFatal, Code: "STATUS_STORE_UNAVAILABLE", msg: "status store unavailable"}
)

// Error is a classified engine error. It wraps an optional cause so the
// taxonomy survives fmt.Errorf("%w") chains.
type Error struct {
	Class Class
	Code  string
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Code so wrapped copies compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Code == e.Code
	}
	return false
}

// New builds a classified error with a free-form message.
func New(class Class, code, msg string) *Error {
	return &Error{Class: class, Code: code, msg: msg}
}

// Wrap attaches a cause to a sentinel, preserving class and code.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Class: sentinel.Class, Code: sentinel.Code, msg: sentinel.msg, cause: cause}
}

// Transient wraps err as a retryable transient failure.
func Transient(err error) *Error {
	return &Error{Class: ClassTransient, Code: "TRANSIENT", msg: "transient failure", cause: err}
}

// Logical wraps err as a non-retryable logical failure.
func Logical(code string, err error) *Error {
	return &Error{Class: ClassLogical, Code: code, msg: "logical failure", cause: err}
}

// ClassOf extracts the taxonomy class of err. Unclassified errors are
// treated as transient so the bounded retry loop gets a chance before the
// step is failed.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassTransient
}

// CodeOf extracts the stable error code, or "UNKNOWN".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "UNKNOWN"
}

// Retryable reports whether the executor may retry err locally.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassContention:
		return true
	}
	return false
}
