package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"provisiond/internal/cleanup"
	"provisiond/pkg/types"
)

// Orchestrator owns dependency state and at most one install session per kind.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// checkMu serializes CheckAll runs.
	checkMu sync.Mutex

	mu       sync.RWMutex
	states   map[types.DependencyKind]types.DependencyState
	sessions map[types.DependencyKind]*Session
	subs     map[int]chan types.Notification
	nextSub  int
	closed   bool
}

// New constructs an Orchestrator. Every dependency starts Unknown.
func New(cfg Config) *Orchestrator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(cfg.BaseContext)
	o := &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		states:   make(map[types.DependencyKind]types.DependencyState, len(types.Kinds)),
		sessions: make(map[types.DependencyKind]*Session),
		subs:     make(map[int]chan types.Notification),
	}
	for _, k := range types.Kinds {
		o.states[k] = types.StateUnknown
	}
	return o
}

// CurrentSnapshot returns the current environment state.
func (o *Orchestrator) CurrentSnapshot() types.EnvironmentSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() types.EnvironmentSnapshot {
	s := types.EnvironmentSnapshot{
		Interpreter:  o.states[types.KindInterpreter],
		Package:      o.states[types.KindPackage],
		Model:        o.states[types.KindModel],
		CheckIgnored: o.cfg.IgnoreCheck,
		TakenAt:      o.cfg.Clock(),
	}
	s.Ready = types.ComputeReady(s.Interpreter, s.Package)
	for k, sess := range o.sessions {
		if s.Progress == nil {
			s.Progress = make(map[types.DependencyKind]int, len(o.sessions))
		}
		s.Progress[k] = sess.Progress()
	}
	return s
}

// FeatureEnabled reports whether the dependent feature may run: the
// environment is ready or the check is overridden by configuration.
func (o *Orchestrator) FeatureEnabled() bool {
	if o.cfg.IgnoreCheck {
		return true
	}
	return o.CurrentSnapshot().Ready
}

// Subscribe registers for snapshot and progress notifications. Slow
// subscribers miss notifications rather than block the orchestrator. The
// returned function unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe(buffer int) (<-chan types.Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan types.Notification, buffer)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
			o.mu.Unlock()
		})
	}
}

// notifyLocked fans n out to subscribers. Callers hold o.mu.
func (o *Orchestrator) notifyLocked(n types.Notification) {
	for _, ch := range o.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// publishSnapshot notifies subscribers of the current state.
func (o *Orchestrator) publishSnapshot() types.EnvironmentSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.snapshotLocked()
	o.notifyLocked(types.Notification{Type: types.NotificationSnapshot, Snapshot: &s})
	return s
}

func (o *Orchestrator) publishProgress(ev types.ProgressEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifyLocked(types.Notification{Type: types.NotificationProgress, Progress: &ev})
}

func (o *Orchestrator) state(kind types.DependencyKind) types.DependencyState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.states[kind]
}

// SweepStale removes session directories abandoned by a previous process.
// Call it at startup before any install begins.
func (o *Orchestrator) SweepStale(ctx context.Context, olderThan time.Duration) (cleanup.Result, error) {
	res, err := o.cfg.Cleanup.SweepStale(ctx, o.cfg.TempDir, olderThan)
	for _, lb := range res.LeftBehind {
		o.log.Warn().Str("path", lb.Path).Err(lb.Err).Msg("stale session left behind")
	}
	return res, err
}

// Close cancels every running session, waits for their cleanup and closes
// all subscriptions. It honours ctx while waiting.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		if err := o.Cancel(s.Kind); err != nil && !errors.Is(err, ErrNotInstalling) {
			o.log.Warn().Str("kind", string(s.Kind)).Err(err).Msg("close: cancel")
		}
	}
	var err error
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	o.cancel()

	o.mu.Lock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.mu.Unlock()
	return err
}
