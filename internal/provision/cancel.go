package provision

import (
	"context"
	"fmt"
	"time"

	"provisiond/pkg/types"
)

// Cancel stops the install running for kind. The session is settled as
// Cancelled, its context cancelled and its process tree killed; the session
// worker then cleans up, sets Missing and emits the Cancelled terminal event.
// Cancel returns ErrNotInstalling when no install is running or the running
// one has already settled.
func (o *Orchestrator) Cancel(kind types.DependencyKind) error {
	o.mu.Lock()
	s := o.sessions[kind]
	st := o.states[kind]
	if s == nil || st != types.StateInstalling || !s.settle(types.OutcomeCancelled) {
		o.mu.Unlock()
		return &stateError{kind: kind, state: st, err: ErrNotInstalling}
	}
	o.states[kind] = types.StateCancelling
	snap := o.snapshotLocked()
	o.notifyLocked(types.Notification{Type: types.NotificationSnapshot, Snapshot: &snap})
	o.mu.Unlock()

	o.cfg.Publisher.Publish(Event{Name: EventCancelRequested, Kind: kind, Fields: map[string]any{"session": s.ID}})
	s.log.Info().Msg("install cancel requested")
	s.cancel()
	s.kill()
	return nil
}

// Uninstall removes an installed package or model. It is the only operation
// that moves a dependency from Installed to Missing. The interpreter cannot be
// uninstalled.
func (o *Orchestrator) Uninstall(ctx context.Context, kind types.DependencyKind) (types.EnvironmentSnapshot, error) {
	if !kind.Valid() || kind == types.KindInterpreter {
		return o.CurrentSnapshot(), fmt.Errorf("uninstall %s: %w", kind, ErrUnsupported)
	}
	inst := o.cfg.Installers[kind]
	if inst == nil {
		return o.CurrentSnapshot(), fmt.Errorf("no installer for %s: %w", kind, ErrUnsupported)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return o.CurrentSnapshot(), ErrClosed
	}
	prev := o.states[kind]
	switch {
	case o.sessions[kind] != nil:
		o.mu.Unlock()
		return o.CurrentSnapshot(), &stateError{kind: kind, state: prev, err: ErrInstallInProgress}
	case o.states[types.KindInterpreter] != types.StateInstalled:
		o.mu.Unlock()
		return o.CurrentSnapshot(), &stateError{kind: kind, state: prev, err: ErrDependencyOrder}
	case prev.Transient():
		o.mu.Unlock()
		return o.CurrentSnapshot(), &stateError{kind: kind, state: prev, err: ErrIllegalState}
	}
	// Checking keeps installs and probes off the kind while removal runs.
	o.states[kind] = types.StateChecking
	s := o.newSession(kind)
	o.mu.Unlock()
	o.publishSnapshot()

	stop := context.AfterFunc(ctx, s.cancel)
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = newInstallError(kind, types.ClassFault, fmt.Sprintf("uninstaller panic: %v", r), nil)
			}
		}()
		return inst.Uninstall(s.ctx, s)
	}()
	stop()
	s.cancel()
	if _, cerr := o.cfg.Cleanup.Remove(context.Background(), s.tempDir); cerr != nil {
		s.log.Warn().Err(cerr).Msg("uninstall cleanup")
	}

	o.mu.Lock()
	if err != nil {
		o.states[kind] = prev
	} else {
		o.states[kind] = types.StateMissing
	}
	o.mu.Unlock()
	snap := o.publishSnapshot()
	close(s.done)

	if err != nil {
		ierr := classify(kind, err)
		s.log.Warn().Err(err).Str("class", string(ierr.Class)).Msg("uninstall failed")
		return snap, ierr
	}
	o.cfg.Publisher.Publish(Event{Name: EventUninstallDone, Kind: kind})
	s.log.Info().Int64("dur_ms", time.Since(start).Milliseconds()).Msg("uninstall done")
	return snap, nil
}
