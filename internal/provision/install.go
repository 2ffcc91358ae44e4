package provision

import (
	"context"
	"fmt"
	"time"

	"provisiond/pkg/types"
)

const finalizeCleanupTimeout = 30 * time.Second

// Options tunes an Install call.
type Options struct {
	// Restart cancels an install already running for the kind, waits for its
	// cleanup and then starts a new one.
	Restart bool
}

// Install starts installing kind. It is legal only while kind is Missing and,
// for the package and the model, the interpreter is Installed. The returned
// stream carries progress 0 first, then non-decreasing estimates no higher
// than 95, then exactly one terminal event, and is then closed. The install
// keeps running if ctx is cancelled; use Cancel to stop it.
func (o *Orchestrator) Install(ctx context.Context, kind types.DependencyKind, opts Options) (<-chan types.ProgressEvent, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%q: %w", kind, ErrUnsupported)
	}
	inst := o.cfg.Installers[kind]
	if inst == nil {
		return nil, fmt.Errorf("no installer for %s: %w", kind, ErrUnsupported)
	}
	if opts.Restart {
		if err := o.cancelAndWait(ctx, kind); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if err := o.installableLocked(kind); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	s := o.newSession(kind)
	o.sessions[kind] = s
	o.states[kind] = types.StateInstalling
	snap := o.snapshotLocked()
	o.notifyLocked(types.Notification{Type: types.NotificationSnapshot, Snapshot: &snap})
	o.mu.Unlock()

	activeSessions.WithLabelValues(string(kind)).Inc()
	o.cfg.Publisher.Publish(Event{Name: EventInstallStart, Kind: kind, Fields: map[string]any{"session": s.ID}})
	s.log.Info().Msg("install start")

	events := make(chan types.ProgressEvent, o.cfg.EventBuffer)
	go o.runSession(s, inst, events)
	return events, nil
}

// installableLocked applies the install preconditions. Callers hold o.mu.
func (o *Orchestrator) installableLocked(kind types.DependencyKind) error {
	st := o.states[kind]
	if o.sessions[kind] != nil {
		return &stateError{kind: kind, state: st, err: ErrInstallInProgress}
	}
	if kind.RequiresInterpreter() && o.states[types.KindInterpreter] != types.StateInstalled {
		return &stateError{kind: kind, state: st, err: ErrDependencyOrder}
	}
	if st != types.StateMissing {
		return &stateError{kind: kind, state: st, err: ErrIllegalState}
	}
	return nil
}

// cancelAndWait cancels a running session for kind, if any, and waits until
// it has been finalized.
func (o *Orchestrator) cancelAndWait(ctx context.Context, kind types.DependencyKind) error {
	o.mu.RLock()
	s := o.sessions[kind]
	o.mu.RUnlock()
	if s == nil {
		return nil
	}
	_ = o.Cancel(kind)
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runSession drives inst for s and always finalizes the session.
func (o *Orchestrator) runSession(s *Session, inst Installer, events chan types.ProgressEvent) {
	o.emit(events, s.event())

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("installer panic")
				errCh <- newInstallError(s.Kind, types.ClassFault, fmt.Sprintf("installer panic: %v", r), nil)
			}
		}()
		errCh <- inst.Install(s.ctx, s)
	}()

	ticker := time.NewTicker(o.cfg.ProgressInterval)
	defer ticker.Stop()
	last := types.ProgressEvent{Progress: -1}
	var err error
wait:
	for {
		select {
		case err = <-errCh:
			break wait
		case <-ticker.C:
			ev := s.tick()
			if ev.Progress != last.Progress || ev.Phase != last.Phase || ev.Message != last.Message || ev.Bytes != last.Bytes {
				o.emit(events, ev)
				last = ev
			}
		}
	}

	outcome, ierr := o.conclude(s, err)
	o.finalize(s, outcome, ierr, events)
}

// conclude verifies a successful install and settles the session. When Cancel
// settled first its outcome wins.
func (o *Orchestrator) conclude(s *Session, err error) (types.Outcome, *InstallError) {
	var want types.Outcome
	var ierr *InstallError
	switch {
	case err != nil:
		ierr = classify(s.Kind, err)
		want = types.OutcomeFailed
		if ierr.Class == types.ClassCancelled {
			want = types.OutcomeCancelled
		}
	case s.ctx.Err() != nil:
		want = types.OutcomeCancelled
	default:
		s.Observe("verifying")
		vctx, cancel := context.WithTimeout(s.ctx, o.cfg.VerifyTimeout)
		st := o.probe(vctx, s.Kind)
		cancel()
		if st == types.StateInstalled {
			want = types.OutcomeInstalled
		} else {
			want = types.OutcomeFailed
			ierr = newInstallError(s.Kind, types.ClassVerificationMismatch, "installed but not detected", nil)
		}
	}
	if !s.settle(want) {
		want = s.settledOutcome()
	}
	if want == types.OutcomeCancelled && (ierr == nil || ierr.Class != types.ClassCancelled) {
		ierr = newInstallError(s.Kind, types.ClassCancelled, "cancelled", context.Canceled)
	}
	if want == types.OutcomeInstalled {
		ierr = nil
	}
	return want, ierr
}

// finalize cleans the session dir, commits state, publishes the snapshot and
// only then emits the terminal event and closes the stream.
func (o *Orchestrator) finalize(s *Session, outcome types.Outcome, ierr *InstallError, events chan types.ProgressEvent) {
	s.cancel()
	s.kill()

	paths := []string{s.tempDir}
	if outcome != types.OutcomeInstalled {
		if placed := s.placedFiles(); len(placed) > 0 {
			s.log.Info().Strs("paths", placed).Msg("rolling back placed files")
			paths = append(paths, placed...)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeCleanupTimeout)
	res, err := o.cfg.Cleanup.Remove(ctx, paths...)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("session cleanup")
	}
	for _, lb := range res.LeftBehind {
		cleanupLeftBehind.WithLabelValues(string(s.Kind)).Inc()
		o.cfg.Publisher.Publish(Event{Name: EventCleanupLeftBehind, Kind: s.Kind, Fields: map[string]any{"path": lb.Path}})
	}

	o.mu.Lock()
	if outcome == types.OutcomeInstalled {
		o.states[s.Kind] = types.StateInstalled
	} else {
		o.states[s.Kind] = types.StateMissing
	}
	delete(o.sessions, s.Kind)
	snap := o.snapshotLocked()
	o.notifyLocked(types.Notification{Type: types.NotificationSnapshot, Snapshot: &snap})
	o.mu.Unlock()

	var ev types.ProgressEvent
	if outcome == types.OutcomeInstalled {
		ev = s.finish()
	} else {
		ev = s.event()
	}
	ev.Outcome = outcome
	if ierr != nil {
		ev.Reason = ierr.Reason
		ev.Remediation = ierr.Remediation
		ev.Retryable = ierr.Retryable()
		ev.Class = ierr.Class
	}
	// one slot is always kept free for this event
	events <- ev
	o.publishProgress(ev)
	close(events)

	dur := o.cfg.Clock().Sub(s.started)
	activeSessions.WithLabelValues(string(s.Kind)).Dec()
	installsTotal.WithLabelValues(string(s.Kind), string(outcome), string(ev.Class)).Inc()
	installDuration.WithLabelValues(string(s.Kind), string(outcome)).Observe(dur.Seconds())
	o.cfg.Publisher.Publish(Event{Name: EventInstallDone, Kind: s.Kind, Fields: map[string]any{
		"session": s.ID, "outcome": string(outcome), "class": string(ev.Class),
	}})
	logEv := s.log.Info()
	if outcome == types.OutcomeFailed {
		logEv = s.log.Warn().Str("class", string(ev.Class)).Str("reason", ev.Reason)
		if ierr != nil && ierr.Err != nil {
			logEv = logEv.Err(ierr.Err)
		}
	}
	logEv.Str("outcome", string(outcome)).Int64("dur_ms", dur.Milliseconds()).Msg("install done")
	close(s.done)
}

// emit sends a non-terminal event without blocking, keeping the last buffer
// slot for the terminal event. Subscribers always see it.
func (o *Orchestrator) emit(events chan types.ProgressEvent, ev types.ProgressEvent) {
	if len(events) < cap(events)-1 {
		events <- ev
	}
	o.publishProgress(ev)
}
