package provision

import (
	"context"
	"time"

	"provisiond/pkg/types"
)

// CheckAll probes the interpreter and, only when it is installed, the package
// and the model, in that order. Kinds with an operation in flight are left
// alone. One snapshot is published when the check completes.
func (o *Orchestrator) CheckAll(ctx context.Context) types.EnvironmentSnapshot {
	o.checkMu.Lock()
	defer o.checkMu.Unlock()

	start := time.Now()
	o.cfg.Publisher.Publish(Event{Name: EventCheckStart})
	for _, kind := range types.Kinds {
		if kind.RequiresInterpreter() && o.state(types.KindInterpreter) != types.StateInstalled {
			continue
		}
		o.checkOne(ctx, kind)
	}
	snap := o.publishSnapshot()
	o.cfg.Publisher.Publish(Event{Name: EventCheckDone, Fields: map[string]any{
		"ready": snap.Ready, "dur_ms": time.Since(start).Milliseconds(),
	}})
	o.log.Info().
		Str("interpreter", string(snap.Interpreter)).
		Str("package", string(snap.Package)).
		Str("model", string(snap.Model)).
		Bool("ready", snap.Ready).
		Int64("dur_ms", time.Since(start).Milliseconds()).
		Msg("environment check")
	return snap
}

// Check probes a single kind, honouring dependency order.
func (o *Orchestrator) Check(ctx context.Context, kind types.DependencyKind) (types.DependencyState, error) {
	if !kind.Valid() {
		return "", ErrUnsupported
	}
	o.checkMu.Lock()
	defer o.checkMu.Unlock()
	if kind.RequiresInterpreter() && o.state(types.KindInterpreter) != types.StateInstalled {
		return o.state(kind), &stateError{kind: kind, state: o.state(kind), err: ErrDependencyOrder}
	}
	st := o.checkOne(ctx, kind)
	o.publishSnapshot()
	return st, nil
}

// checkOne moves kind through Checking and commits the probe result. A kind
// recorded as Installed is never downgraded by a probe; only Uninstall does that.
func (o *Orchestrator) checkOne(ctx context.Context, kind types.DependencyKind) types.DependencyState {
	o.mu.Lock()
	prev := o.states[kind]
	if prev.Transient() {
		o.mu.Unlock()
		return prev
	}
	o.states[kind] = types.StateChecking
	o.mu.Unlock()

	found := o.probe(ctx, kind)

	o.mu.Lock()
	defer o.mu.Unlock()
	next := found
	if prev == types.StateInstalled && found != types.StateInstalled {
		o.log.Warn().Str("kind", string(kind)).Msg("probe reported missing for an installed dependency; keeping installed")
		o.cfg.Publisher.Publish(Event{Name: EventProbeRegression, Kind: kind})
		next = types.StateInstalled
	}
	if o.states[kind] == types.StateChecking {
		o.states[kind] = next
	}
	return o.states[kind]
}

// probe runs the prober, treating anything but Installed as Missing.
func (o *Orchestrator) probe(ctx context.Context, kind types.DependencyKind) types.DependencyState {
	st := types.StateMissing
	if o.cfg.Prober != nil && o.cfg.Prober.Check(ctx, kind) == types.StateInstalled {
		st = types.StateInstalled
	}
	probesTotal.WithLabelValues(string(kind), string(st)).Inc()
	return st
}
