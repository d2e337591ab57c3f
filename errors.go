package grantry

import (
	"errors"
	"fmt"
)

// Sentinel errors. A denied permission is never an error: Check returns a
// Denied decision with a nil error. These errors mean the question was
// malformed or could not be answered.
var (
	// ErrInvalidArg is returned when a resource arg is neither any, all nor a
	// positive id. It is a programmer error and is never coerced.
	ErrInvalidArg = errors.New("grantry: invalid permission arg")

	// ErrNoCodes is returned when Check is called without any permission code.
	ErrNoCodes = errors.New("grantry: no permission codes requested")

	// ErrIntegrityViolation is returned when the group hierarchy contains a
	// cycle. Stores reject cycles on write; traversal reports them instead of
	// looping.
	ErrIntegrityViolation = errors.New("grantry: group hierarchy integrity violation")

	// ErrCyclicGroup is returned by ValidateParent and stores when a parent
	// change would make a group its own ancestor.
	ErrCyclicGroup = errors.New("grantry: group parent would create a cycle")

	// ErrStoreUnavailable is matched by every *StoreError. Callers use it to
	// tell "could not decide" apart from "denied".
	ErrStoreUnavailable = errors.New("grantry: store unavailable")
)

// StoreError wraps a failure from an injected store. It matches
// ErrStoreUnavailable with errors.Is and unwraps to the underlying cause, so
// context.Canceled and driver errors remain inspectable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("grantry: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports true for ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// storeErr wraps err unless it is nil or already a grantry error that
// callers should see unchanged.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIntegrityViolation) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsInvalidArgErr returns true if err is or wraps ErrInvalidArg.
func IsInvalidArgErr(err error) bool {
	return errors.Is(err, ErrInvalidArg)
}

// IsIntegrityViolationErr returns true if err is or wraps ErrIntegrityViolation.
func IsIntegrityViolationErr(err error) bool {
	return errors.Is(err, ErrIntegrityViolation)
}

// IsCyclicGroupErr returns true if err is or wraps ErrCyclicGroup.
func IsCyclicGroupErr(err error) bool {
	return errors.Is(err, ErrCyclicGroup)
}

// IsStoreUnavailableErr returns true if err is or wraps ErrStoreUnavailable.
func IsStoreUnavailableErr(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
