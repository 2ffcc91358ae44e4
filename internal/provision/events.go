package provision

import "provisiond/pkg/types"

// Event names published by the orchestrator.
const (
	EventCheckStart        = "check_start"
	EventCheckDone         = "check_done"
	EventProbeRegression   = "probe_regression_ignored"
	EventInstallStart      = "install_start"
	EventInstallDone       = "install_done"
	EventCancelRequested   = "cancel_requested"
	EventUninstallDone     = "uninstall_done"
	EventCleanupLeftBehind = "cleanup_left_behind"
)

// Event represents an orchestrator lifecycle event.
// Minimal and stable: name + dependency kind and optional fields via key/values.
type Event struct {
	Name   string
	Kind   types.DependencyKind
	Fields map[string]any
}

// EventPublisher receives events from the orchestrator. Implementations should
// be lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
