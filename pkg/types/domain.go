package types

import "time"

// EnvironmentSnapshot is an immutable view of all dependency states.
type EnvironmentSnapshot struct {
	// State of the interpreter runtime.
	// example: installed
	Interpreter DependencyState `json:"interpreter" example:"installed"`
	// State of the package that runs on the interpreter.
	// example: missing
	Package DependencyState `json:"package" example:"missing"`
	// State of the model bundle. Advisory only; it does not affect Ready.
	// example: unknown
	Model DependencyState `json:"model" example:"unknown"`
	// True when both the interpreter and the package are installed.
	// example: false
	Ready bool `json:"ready" example:"false"`
	// True when the environment check is overridden by configuration.
	// example: false
	CheckIgnored bool `json:"check_ignored,omitempty" example:"false"`
	// Current progress (0-100) for kinds with an install in flight.
	Progress map[DependencyKind]int `json:"progress,omitempty"`
	// Time the snapshot was taken.
	TakenAt time.Time `json:"taken_at"`
}

// State returns the state recorded for kind k.
func (s EnvironmentSnapshot) State(k DependencyKind) DependencyState {
	switch k {
	case KindInterpreter:
		return s.Interpreter
	case KindPackage:
		return s.Package
	case KindModel:
		return s.Model
	}
	return StateUnknown
}

// ComputeReady applies the readiness rule: the model is advisory only.
func ComputeReady(interpreter, pkg DependencyState) bool {
	return interpreter == StateInstalled && pkg == StateInstalled
}

// ProgressEvent is emitted on an install stream. The final event on a stream
// carries a non-empty Outcome.
type ProgressEvent struct {
	// Dependency being installed.
	// example: package
	Kind DependencyKind `json:"kind" example:"package"`
	// Install session identifier.
	Session string `json:"session"`
	// Estimated progress, 0-100. Only a terminal event reports 100.
	// example: 42
	Progress int `json:"progress" example:"42"`
	// Last milestone seen (e.g. downloading, installing).
	// example: installing
	Phase string `json:"phase,omitempty" example:"installing"`
	// Last raw output line, if any.
	Message string `json:"message,omitempty"`
	// Bytes downloaded so far for the current download.
	Bytes int64 `json:"bytes,omitempty"`
	// Total bytes of the current download, when known.
	TotalBytes int64 `json:"total_bytes,omitempty"`
	// Terminal outcome; empty on non-terminal events.
	// example: installed
	Outcome Outcome `json:"outcome,omitempty" example:"installed"`
	// Human-readable reason for a failed or cancelled outcome.
	Reason string `json:"reason,omitempty"`
	// Suggested user action for a failure.
	Remediation string `json:"remediation,omitempty"`
	// Whether re-invoking the install may succeed.
	Retryable bool `json:"retryable,omitempty"`
	// Failure category.
	Class ErrorClass `json:"class,omitempty"`
	Time  time.Time  `json:"time"`
}

// Terminal reports whether e ends an install stream.
func (e ProgressEvent) Terminal() bool { return e.Outcome != "" }

// Notification is pushed to subscribers on every snapshot change and progress step.
type Notification struct {
	// snapshot or progress
	Type     string               `json:"type"`
	Snapshot *EnvironmentSnapshot `json:"snapshot,omitempty"`
	Progress *ProgressEvent       `json:"progress,omitempty"`
}

const (
	NotificationSnapshot = "snapshot"
	NotificationProgress = "progress"
)
