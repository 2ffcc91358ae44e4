package provision

import (
	"errors"
	"fmt"

	"provisiond/pkg/types"
)

// Sentinel errors for rejected state transitions.
var (
	ErrIllegalState      = errors.New("operation not allowed in current state")
	ErrDependencyOrder   = errors.New("interpreter must be installed first")
	ErrInstallInProgress = errors.New("install already in progress")
	ErrNotInstalling     = errors.New("no install in progress")
	ErrUnsupported       = errors.New("operation not supported for this dependency")
	ErrClosed            = errors.New("orchestrator closed")
)

// InstallError is the failure reported by an install session.
type InstallError struct {
	Kind        types.DependencyKind
	Class       types.ErrorClass
	Reason      string
	Remediation string
	Err         error
}

func (e *InstallError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s install %s: %s", e.Kind, e.Class, e.Reason)
	}
	return fmt.Sprintf("%s install %s: %v", e.Kind, e.Class, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Retryable reports whether invoking the install again may succeed.
// Permission and environment faults need user action first.
func (e *InstallError) Retryable() bool {
	switch e.Class {
	case types.ClassPermissionDenied, types.ClassFault:
		return false
	}
	return true
}

// stateError reports a rejected transition together with the state seen.
type stateError struct {
	kind  types.DependencyKind
	state types.DependencyState
	err   error
}

func (e *stateError) Error() string {
	return fmt.Sprintf("%s is %s: %v", e.kind, e.state, e.err)
}

func (e *stateError) Unwrap() error { return e.err }

// ClassOf returns the error class carried by err, or "" when err is not an
// install failure.
func ClassOf(err error) types.ErrorClass {
	var ie *InstallError
	if errors.As(err, &ie) {
		return ie.Class
	}
	return ""
}

// IsPermissionDenied reports whether err needs elevated rights to resolve.
func IsPermissionDenied(err error) bool { return ClassOf(err) == types.ClassPermissionDenied }

// IsVerificationMismatch reports whether the installer succeeded but the
// dependency was not detected afterwards.
func IsVerificationMismatch(err error) bool {
	return ClassOf(err) == types.ClassVerificationMismatch
}

// IsTransient reports whether err is a network or file-lock failure.
func IsTransient(err error) bool { return ClassOf(err) == types.ClassTransientIO }

// IsIllegalState reports whether err is any state-machine rejection. The HTTP
// layer maps these to 409.
func IsIllegalState(err error) bool {
	return errors.Is(err, ErrIllegalState) ||
		errors.Is(err, ErrDependencyOrder) ||
		errors.Is(err, ErrInstallInProgress) ||
		errors.Is(err, ErrNotInstalling)
}
