package capsules

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks missing or malformed caller input.
	ErrValidation = errors.New("capsules: validation failed")
	// ErrForbidden marks a mutation attempted by someone other than the owner.
	ErrForbidden = errors.New("capsules: not the capsule owner")
	// ErrNotFound marks an unknown or stale capsule id.
	ErrNotFound = errors.New("capsules: capsule not found")
	// ErrCapsuleLocked marks an operation that requires the unlock date to have passed.
	ErrCapsuleLocked = errors.New("capsules: capsule is still locked")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("capsules: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// LockedError carries the unlock date of a capsule that is not yet due.
type LockedError struct {
	UnlockAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("capsules: capsule unlocks at %s", e.UnlockAt.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrCapsuleLocked
}

// ServiceError wraps upstream failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "capsules.service.new"
	opSweeperNew = "capsules.sweeper.new"
	opCreate     = "capsules.create"
	opGet        = "capsules.get"
	opList       = "capsules.list"
	opListShared = "capsules.list_shared"
	opUnlock     = "capsules.unlock"
	opShare      = "capsules.share"
	opSweep      = "capsules.sweep"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
