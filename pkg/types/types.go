package types

import (
	"fmt"
	"strings"
)

// DependencyKind names one of the externally installed prerequisites.
type DependencyKind string

const (
	KindInterpreter DependencyKind = "interpreter"
	KindPackage     DependencyKind = "package"
	KindModel       DependencyKind = "model"
)

// Kinds lists every dependency in dependency order: the interpreter must be
// installed before the package or model are checked or installed.
var Kinds = []DependencyKind{KindInterpreter, KindPackage, KindModel}

// Valid reports whether k is a known dependency kind.
func (k DependencyKind) Valid() bool {
	switch k {
	case KindInterpreter, KindPackage, KindModel:
		return true
	}
	return false
}

// RequiresInterpreter reports whether k can only be checked or installed once the
// interpreter is installed.
func (k DependencyKind) RequiresInterpreter() bool {
	return k == KindPackage || k == KindModel
}

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (DependencyKind, error) {
	k := DependencyKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown dependency kind %q (want interpreter|package|model)", s)
	}
	return k, nil
}

// DependencyState is the install state of one dependency.
type DependencyState string

const (
	StateUnknown   DependencyState = "unknown"
	StateMissing   DependencyState = "missing"
	StateInstalled DependencyState = "installed"
	// Transient states exist only while an operation is in flight.
	StateChecking   DependencyState = "checking"
	StateInstalling DependencyState = "installing"
	StateCancelling DependencyState = "cancelling"
)

// Transient reports whether s only exists while an operation is in flight.
func (s DependencyState) Transient() bool {
	switch s {
	case StateChecking, StateInstalling, StateCancelling:
		return true
	}
	return false
}

// Outcome is the terminal result of an install session.
type Outcome string

const (
	OutcomeInstalled Outcome = "installed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrorClass categorizes install failures so callers can give specific guidance.
type ErrorClass string

const (
	ClassDetectionAmbiguous   ErrorClass = "detection_ambiguous"
	ClassTransientIO          ErrorClass = "transient_io"
	ClassPermissionDenied     ErrorClass = "permission_denied"
	ClassVerificationMismatch ErrorClass = "verification_mismatch"
	ClassCancelled            ErrorClass = "cancelled"
	ClassInstallFailed        ErrorClass = "install_failed"
	ClassFault                ErrorClass = "fault"
)
