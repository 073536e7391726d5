package core

import (
	"errors"
	"fmt"
)

// Stable error kinds surfaced by the repository, store, and sync layers.
//
// Every error returned across a package boundary wraps exactly one of
// these sentinels, so callers can branch with errors.Is() instead of
// string matching:
//
//	if errors.Is(err, core.ErrConcurrentUpdate) {
//	    // retry the mutation
//	}
var (
	// ErrInvalidIdentifier is returned when an entity ID, ref name, or
	// hash fails its syntactic constraints.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrInvalidTitle is returned when an issue title is empty, all
	// whitespace, or contains control characters.
	ErrInvalidTitle = errors.New("invalid title")

	// ErrTitleTooLong is returned when an issue title exceeds the
	// 100-codepoint limit.
	ErrTitleTooLong = errors.New("title too long")

	// ErrInvalidEmail is returned when a user email does not parse as
	// an RFC 5322 mailbox.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrInvalidColor is returned when a label color is not of the form
	// #RRGGBB.
	ErrInvalidColor = errors.New("invalid label color")

	// ErrIllegalTransition is returned when an issue status change is
	// not in the allowed transition set. Use errors.As with a
	// *TransitionError to recover the from/to pair.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrUnknownEntity is returned when a lookup names an entity that
	// has no current ref (never existed or was deleted).
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrUnknownProject is returned when an operation references a
	// project ID that is not defined.
	ErrUnknownProject = errors.New("unknown project")

	// ErrDuplicateLabelName is returned when creating a label whose name
	// already exists within the same project.
	ErrDuplicateLabelName = errors.New("duplicate label name")

	// ErrLimitExceeded is returned when an encoded object would exceed
	// limits.max_object_bytes.
	ErrLimitExceeded = errors.New("object size limit exceeded")

	// ErrConcurrentUpdate is returned when a mutation lost a
	// compare-and-swap race and exhausted its retry budget.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrLockBusy is returned when a lock is held by another process and
	// the caller asked for an immediate acquire.
	ErrLockBusy = errors.New("lock busy")

	// ErrLockTimeout is returned when a lock could not be acquired
	// within the caller's timeout.
	ErrLockTimeout = errors.New("lock acquire timed out")

	// ErrTimeout is returned when an I/O operation exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable is returned when a remote cannot be reached.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrConflictsPresent is returned when a sync produced conflict
	// records that require resolution before the ref can advance.
	ErrConflictsPresent = errors.New("unresolved conflicts present")

	// ErrAuthRequired is returned when a remote rejected the request for
	// missing or invalid credentials.
	ErrAuthRequired = errors.New("authentication required")

	// ErrCredentialUnavailable is returned when the credential provider
	// has nothing for the remote's auth hint.
	ErrCredentialUnavailable = errors.New("credential unavailable")

	// ErrRemoteRefMoved is returned when a remote ref changed underneath
	// a push and the bounded restart budget ran out.
	ErrRemoteRefMoved = errors.New("remote ref moved")

	// ErrCorruption is returned when stored bytes fail their hash check
	// or decode. Fatal for the affected entity; never repaired silently.
	ErrCorruption = errors.New("object corruption detected")

	// ErrIntegrity is returned when a remote served bytes whose hash
	// does not match the requested identifier.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrConfig is returned when configuration fails to parse or
	// validate. No partial configuration is ever applied.
	ErrConfig = errors.New("invalid configuration")

	// ErrIO wraps filesystem faults from the object, ref, and lock
	// stores.
	ErrIO = errors.New("filesystem error")
)

// TransitionError reports an issue status change outside the allowed set.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrIllegalTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// ConfigError reports a configuration fault at a specific key path.
type ConfigError struct {
	Path   string // dotted key path, e.g. "sync.conflict_strategy"
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrConfig) match.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// IOError wraps an underlying filesystem fault while keeping the original
// error reachable through errors.Is/As (e.g. os.ErrNotExist).
type IOError struct {
	Op  string // short description, e.g. "write object"
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrIO) match.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// IsValidation returns true if the error is a field or state-machine
// validation failure the user can correct and retry.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []error{
		ErrInvalidIdentifier,
		ErrInvalidTitle,
		ErrTitleTooLong,
		ErrInvalidEmail,
		ErrInvalidColor,
		ErrIllegalTransition,
		ErrUnknownEntity,
		ErrUnknownProject,
		ErrDuplicateLabelName,
		ErrLimitExceeded,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsRetryable returns true if the error is likely to succeed on retry.
// This covers lost CAS races, busy locks, and transient transport faults.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []error{
		ErrConcurrentUpdate,
		ErrLockBusy,
		ErrLockTimeout,
		ErrTimeout,
		ErrUnavailable,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsUserActionRequired returns true if the error needs an explicit caller
// decision (resolve conflicts, supply credentials) before retrying.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []error{
		ErrConflictsPresent,
		ErrAuthRequired,
		ErrCredentialUnavailable,
		ErrRemoteRefMoved,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsFatal returns true if the error indicates a non-recoverable state:
// corrupt objects, integrity violations, unusable configuration, or a
// failing filesystem.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []error{
		ErrCorruption,
		ErrIntegrity,
		ErrConfig,
		ErrIO,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
