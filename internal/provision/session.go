package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"provisiond/internal/cleanup"
	"provisiond/internal/download"
	"provisiond/internal/procrun"
	"provisiond/internal/progress"
	"provisiond/pkg/types"
)

// Session is one in-flight install (or uninstall) of a single dependency. It
// owns a scratch directory and at most one external process at a time.
type Session struct {
	ID   string
	Kind types.DependencyKind

	o       *Orchestrator
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	tempDir string
	started time.Time
	done    chan struct{}

	// settled flips once; the winner decides the outcome.
	settleMu sync.Mutex
	settled  bool
	outcome  types.Outcome

	mu      sync.Mutex
	proc    *procrun.Process
	est     *progress.Estimator
	message string
	bytes   int64
	total   int64
	// placed are files put outside tempDir; removed unless the install succeeds.
	placed []string
}

func (o *Orchestrator) newSession(kind types.DependencyKind) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(o.ctx)
	return &Session{
		ID:      id,
		Kind:    kind,
		o:       o,
		log:     o.log.With().Str("kind", string(kind)).Str("session", id).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		tempDir: filepath.Join(o.cfg.TempDir, string(kind), id),
		started: o.cfg.Clock(),
		done:    make(chan struct{}),
		est:     progress.NewEstimator(o.cfg.expected(kind), o.cfg.milestones(kind)),
	}
}

// Context is cancelled when the session is cancelled or the orchestrator closes.
func (s *Session) Context() context.Context { return s.ctx }

// Logger returns a logger tagged with the session's kind and id.
func (s *Session) Logger() zerolog.Logger { return s.log }

// TempDir returns the session scratch directory, creating it on first use.
// Everything under it is removed when the session ends.
func (s *Session) TempDir() (string, error) {
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return s.tempDir, nil
}

// Done is closed after the session has been fully finalized.
func (s *Session) Done() <-chan struct{} { return s.done }

// Observe feeds an installer output line to the progress estimator.
func (s *Session) Observe(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.est.Observe(progress.Sample{Elapsed: s.elapsed(), Line: line})
	if line != "" {
		s.message = line
	}
}

// Progress returns the current estimate.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.est.Value()
}

func (s *Session) elapsed() time.Duration { return s.o.cfg.Clock().Sub(s.started) }

// tick advances the time-based estimate and returns a progress event.
func (s *Session) tick() types.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.est.Observe(progress.Sample{Elapsed: s.elapsed()})
	return s.eventLocked()
}

// event returns a progress event for the current estimate.
func (s *Session) event() types.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked()
}

// finish marks the estimate complete and returns the final event.
func (s *Session) finish() types.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.est.Finish()
	return s.eventLocked()
}

func (s *Session) eventLocked() types.ProgressEvent {
	return types.ProgressEvent{
		Kind:       s.Kind,
		Session:    s.ID,
		Progress:   s.est.Value(),
		Phase:      s.est.Phase(),
		Message:    s.message,
		Bytes:      s.bytes,
		TotalBytes: s.total,
		Time:       s.o.cfg.Clock(),
	}
}

// Run starts spec, streams its output into the estimator and waits for it.
// The process is killed with its descendants when the session is cancelled.
func (s *Session) Run(spec procrun.Spec) error {
	return s.RunWithOutput(spec, nil)
}

// RunWithOutput is Run with an extra per-line callback.
func (s *Session) RunWithOutput(spec procrun.Spec, onLine procrun.LineFunc) error {
	p, err := s.o.cfg.Runner.Start(s.ctx, spec, func(l procrun.Line) {
		s.Observe(l.Text)
		if onLine != nil {
			onLine(l)
		}
	})
	if err != nil {
		return err
	}
	if !s.own(p) {
		// cancelled between Start and own
		_ = p.Kill(true)
	}
	_, err = p.Wait()
	s.disown(p)
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return err
}

func (s *Session) own(p *procrun.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
	return s.ctx.Err() == nil
}

func (s *Session) disown(p *procrun.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == p {
		s.proc = nil
	}
}

// kill terminates the owned process tree, if any.
func (s *Session) kill() {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Kill(true); err != nil {
		s.log.Warn().Err(err).Msg("kill session process")
	}
}

// Download fetches req, retrying transient failures with a linear backoff.
// While the transfer runs the estimate is lifted in proportion to the bytes
// received, scaled into [floor, ceil].
func (s *Session) Download(req download.Request, floor, ceil int) (download.Result, error) {
	attempts := s.o.cfg.DownloadAttempts
	var res download.Result
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var counted int64
		res, err = s.o.cfg.Downloader.Fetch(s.ctx, req, func(p download.Progress) {
			downloadBytes.WithLabelValues(string(s.Kind)).Add(float64(p.Transferred - counted))
			counted = p.Transferred
			s.mu.Lock()
			s.bytes, s.total = p.Transferred, p.Total
			if p.Total > 0 {
				s.est.Raise(floor + int(int64(ceil-floor)*p.Transferred/p.Total))
			}
			s.mu.Unlock()
		})
		if err == nil || s.ctx.Err() != nil || !download.IsTemporary(err) || attempt == attempts {
			break
		}
		wait := s.o.cfg.DownloadBackoff * time.Duration(attempt)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("download retry")
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	if s.ctx.Err() != nil {
		return res, s.ctx.Err()
	}
	return res, err
}

// Remove deletes paths through the cleanup manager. Locked leftovers fail the
// call so uninstall reports them.
func (s *Session) Remove(paths ...string) (cleanup.Result, error) {
	res, err := s.o.cfg.Cleanup.Remove(s.ctx, paths...)
	if err == nil && !res.Clean() {
		lb := res.LeftBehind[0]
		err = fmt.Errorf("remove %s: %w", lb.Path, errors.Join(lb.Err, errLocked))
	}
	return res, err
}

// Placed records files the install has put in their final location. They are
// removed again when the session ends with any outcome but Installed.
func (s *Session) Placed(paths ...string) {
	s.mu.Lock()
	s.placed = append(s.placed, paths...)
	s.mu.Unlock()
}

func (s *Session) placedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.placed...)
}

var errLocked = errors.New("file is being used by another process")

// settle records the outcome once. It reports whether this call won.
func (s *Session) settle(outcome types.Outcome) bool {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()
	if s.settled {
		return false
	}
	s.settled, s.outcome = true, outcome
	return true
}

// settledOutcome returns the recorded outcome, or "" while unsettled.
func (s *Session) settledOutcome() types.Outcome {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()
	return s.outcome
}
