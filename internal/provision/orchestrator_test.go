package provision

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"provisiond/internal/procrun"
	"provisiond/internal/progress"
	"provisiond/pkg/types"
)

func TestFreshCheckWithoutInterpreter(t *testing.T) {
	h := newHarness(t)
	if s := h.o.CurrentSnapshot(); s.Interpreter != types.StateUnknown || s.Package != types.StateUnknown {
		t.Fatalf("initial snapshot: %+v", s)
	}
	snap := h.o.CheckAll(context.Background())
	if snap.Interpreter != types.StateMissing || snap.Package != types.StateUnknown ||
		snap.Model != types.StateUnknown || snap.Ready {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if h.prober.count(types.KindPackage) != 0 || h.prober.count(types.KindModel) != 0 {
		t.Fatalf("package/model must not be probed without interpreter")
	}
	if len(h.pub.Named(EventCheckDone)) != 1 {
		t.Fatalf("expected one check_done event")
	}
}

func TestCheckAllReady(t *testing.T) {
	h := newHarness(t)
	for _, k := range types.Kinds {
		h.prober.set(k, types.StateInstalled)
	}
	snap := h.o.CheckAll(context.Background())
	if !snap.Ready || snap.Model != types.StateInstalled || snap.CheckIgnored {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !h.o.FeatureEnabled() {
		t.Fatalf("feature should be enabled when ready")
	}
}

func TestModelIsAdvisory(t *testing.T) {
	h := newHarness(t)
	h.prober.set(types.KindInterpreter, types.StateInstalled)
	h.prober.set(types.KindPackage, types.StateInstalled)
	snap := h.o.CheckAll(context.Background())
	if snap.Model != types.StateMissing || !snap.Ready {
		t.Fatalf("model must not affect readiness: %+v", snap)
	}
}

func TestProbeNeverRegressesInstalled(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	h.prober.set(types.KindInterpreter, types.StateMissing)
	snap := h.o.CheckAll(context.Background())
	if snap.Interpreter != types.StateInstalled {
		t.Fatalf("interpreter regressed: %+v", snap)
	}
	if len(h.pub.Named(EventProbeRegression)) == 0 {
		t.Fatalf("expected regression event")
	}
}

func TestIgnoreCheckEnablesFeatureButNotReady(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.IgnoreCheck = true })
	snap := h.o.CheckAll(context.Background())
	if snap.Ready || !snap.CheckIgnored {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !h.o.FeatureEnabled() {
		t.Fatalf("ignore_check must enable the feature")
	}
}

func TestCheckSingleKindHonoursOrder(t *testing.T) {
	h := newHarness(t)
	if _, err := h.o.Check(context.Background(), types.KindPackage); !errors.Is(err, ErrDependencyOrder) {
		t.Fatalf("expected dependency order error, got %v", err)
	}
	if h.prober.count(types.KindPackage) != 0 {
		t.Fatalf("package probed without interpreter")
	}
	h.interpreterReady(t)
	h.prober.set(types.KindPackage, types.StateInstalled)
	st, err := h.o.Check(context.Background(), types.KindPackage)
	if err != nil || st != types.StateInstalled {
		t.Fatalf("check package: %s %v", st, err)
	}
}

func TestPackageInstallProgressSequence(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	h.installers[types.KindPackage].install = func(ctx context.Context, s *Session) error {
		s.Observe("Collecting llama-cpp-python")
		time.Sleep(20 * time.Millisecond)
		s.Observe("Installing collected packages: llama-cpp-python")
		time.Sleep(20 * time.Millisecond)
		s.Observe("Successfully installed llama-cpp-python-0.3.2")
		h.prober.set(types.KindPackage, types.StateInstalled)
		return nil
	}
	ch, err := h.o.Install(context.Background(), types.KindPackage, Options{})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if st := h.o.CurrentSnapshot().Package; st != types.StateInstalling && st != types.StateInstalled {
		t.Fatalf("state during install = %s", st)
	}
	evs := drain(t, ch)
	if evs[0].Progress != 0 || evs[0].Terminal() {
		t.Fatalf("first event must be progress 0: %+v", evs[0])
	}
	prev := 0
	for _, e := range evs[:len(evs)-1] {
		if e.Progress < prev || e.Progress > progress.Ceiling {
			t.Fatalf("bad progress sequence: %+v", evs)
		}
		prev = e.Progress
	}
	last := terminal(t, evs)
	if last.Outcome != types.OutcomeInstalled || last.Progress != progress.Complete {
		t.Fatalf("terminal = %+v", last)
	}
	snap := h.o.CheckAll(context.Background())
	if snap.Package != types.StateInstalled || !snap.Ready || len(snap.Progress) != 0 {
		t.Fatalf("snapshot after install: %+v", snap)
	}
}

func TestInstallCommitsBeforeTerminal(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	h.installers[types.KindModel].install = func(ctx context.Context, s *Session) error {
		h.prober.set(types.KindModel, types.StateInstalled)
		return nil
	}
	ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for ev := range ch {
		if ev.Terminal() {
			if st := h.o.CurrentSnapshot().Model; st != types.StateInstalled {
				t.Fatalf("state at terminal event = %s", st)
			}
		}
	}
}

func TestInstallRejections(t *testing.T) {
	h := newHarness(t)
	// Unknown: never checked
	if _, err := h.o.Install(context.Background(), types.KindInterpreter, Options{}); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected illegal state, got %v", err)
	}
	h.o.CheckAll(context.Background())
	if _, err := h.o.Install(context.Background(), types.KindPackage, Options{}); !errors.Is(err, ErrDependencyOrder) {
		t.Fatalf("expected dependency order, got %v", err)
	}
	if _, err := h.o.Install(context.Background(), types.KindModel, Options{}); !errors.Is(err, ErrDependencyOrder) {
		t.Fatalf("expected dependency order, got %v", err)
	}
	if h.installers[types.KindPackage].installCount() != 0 || h.prober.count(types.KindPackage) != 0 {
		t.Fatalf("package installer or probe ran without interpreter")
	}
	if _, err := h.o.Install(context.Background(), types.DependencyKind("gpu"), Options{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	h.interpreterReady(t)
	if _, err := h.o.Install(context.Background(), types.KindInterpreter, Options{}); !errors.Is(err, ErrIllegalState) || !IsIllegalState(err) {
		t.Fatalf("installed interpreter must be rejected, got %v", err)
	}
}

func TestSecondInstallRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	started := make(chan struct{})
	h.installers[types.KindModel].install = blockUntilCancelled(started)
	ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := h.o.Install(context.Background(), types.KindModel, Options{}); !errors.Is(err, ErrInstallInProgress) {
		t.Fatalf("expected in-progress rejection, got %v", err)
	}
	if err := h.o.Cancel(types.KindModel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if last := terminal(t, drain(t, ch)); last.Outcome != types.OutcomeCancelled {
		t.Fatalf("terminal = %+v", last)
	}
	if h.installers[types.KindModel].installCount() != 1 {
		t.Fatalf("installer ran %d times", h.installers[types.KindModel].installCount())
	}
}

func TestRestartCancelsThenStarts(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	started := make(chan struct{})
	h.installers[types.KindPackage].install = blockUntilCancelled(started)
	first, err := h.o.Install(context.Background(), types.KindPackage, Options{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	h.installers[types.KindPackage].mu.Lock()
	h.installers[types.KindPackage].install = func(ctx context.Context, s *Session) error {
		h.prober.set(types.KindPackage, types.StateInstalled)
		return nil
	}
	h.installers[types.KindPackage].mu.Unlock()

	second, err := h.o.Install(context.Background(), types.KindPackage, Options{Restart: true})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if last := terminal(t, drain(t, first)); last.Outcome != types.OutcomeCancelled {
		t.Fatalf("first terminal = %+v", last)
	}
	if last := terminal(t, drain(t, second)); last.Outcome != types.OutcomeInstalled {
		t.Fatalf("second terminal = %+v", last)
	}
	if n := h.installers[types.KindPackage].installCount(); n != 2 {
		t.Fatalf("installs = %d", n)
	}
}

func TestVerificationMismatch(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	// installer claims success but the package never becomes detectable
	ch, err := h.o.Install(context.Background(), types.KindPackage, Options{})
	if err != nil {
		t.Fatal(err)
	}
	last := terminal(t, drain(t, ch))
	if last.Outcome != types.OutcomeFailed || last.Class != types.ClassVerificationMismatch || !last.Retryable {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Progress >= progress.Complete {
		t.Fatalf("failed install reported %d", last.Progress)
	}
	if st := h.o.CurrentSnapshot().Package; st != types.StateMissing {
		t.Fatalf("state = %s", st)
	}
}

func TestCancelModelInstallMidway(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Milestones = map[types.DependencyKind][]progress.Milestone{
			types.KindModel: {{Token: "chunk 40", Floor: 40, Phase: "downloading"}},
		}
	})
	h.interpreterReady(t)
	h.installers[types.KindModel].install = func(ctx context.Context, s *Session) error {
		dir, err := s.TempDir()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "model.gguf.part"), []byte("partial"), 0o644); err != nil {
			return err
		}
		s.Observe("chunk 40")
		<-ctx.Done()
		return ctx.Err()
	}
	ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, ch, func(e types.ProgressEvent) bool { return e.Progress >= 40 })
	if err := h.o.Cancel(types.KindModel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.o.Cancel(types.KindModel); !errors.Is(err, ErrNotInstalling) {
		t.Fatalf("second cancel should be rejected, got %v", err)
	}
	last := terminal(t, drain(t, ch))
	if last.Outcome != types.OutcomeCancelled || last.Class != types.ClassCancelled || last.Progress < 40 {
		t.Fatalf("terminal = %+v", last)
	}
	if st := h.o.CurrentSnapshot().Model; st != types.StateMissing {
		t.Fatalf("state = %s", st)
	}
	entries, err := os.ReadDir(filepath.Join(h.tempDir, string(types.KindModel)))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("session files left behind: %v", entries)
	}
}

func TestCancelRollsBackPlacedFiles(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	installDir := t.TempDir()
	placed := filepath.Join(installDir, "model.gguf")
	moved := make(chan struct{})
	h.installers[types.KindModel].install = func(ctx context.Context, s *Session) error {
		if err := os.WriteFile(placed, []byte("weights"), 0o644); err != nil {
			return err
		}
		s.Placed(placed)
		close(moved)
		<-ctx.Done()
		return ctx.Err()
	}
	ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	<-moved
	if err := h.o.Cancel(types.KindModel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if last := terminal(t, drain(t, ch)); last.Outcome != types.OutcomeCancelled {
		t.Fatalf("terminal = %+v", last)
	}
	if _, err := os.Stat(placed); !os.IsNotExist(err) {
		t.Fatalf("placed model survived cancellation: %v", err)
	}
}

func TestInstalledKeepsPlacedFiles(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	placed := filepath.Join(t.TempDir(), "model.gguf")
	h.installers[types.KindModel].install = func(ctx context.Context, s *Session) error {
		if err := os.WriteFile(placed, []byte("weights"), 0o644); err != nil {
			return err
		}
		s.Placed(placed)
		h.prober.set(types.KindModel, types.StateInstalled)
		return nil
	}
	ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if last := terminal(t, drain(t, ch)); last.Outcome != types.OutcomeInstalled {
		t.Fatalf("terminal = %+v", last)
	}
	if _, err := os.Stat(placed); err != nil {
		t.Fatalf("installed model removed: %v", err)
	}
}

func TestCancelWithoutInstall(t *testing.T) {
	h := newHarness(t)
	if err := h.o.Cancel(types.KindPackage); !errors.Is(err, ErrNotInstalling) {
		t.Fatalf("expected not installing, got %v", err)
	}
}

func TestCancelRacesCompletion(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		h.interpreterReady(t)
		ready := make(chan struct{})
		h.installers[types.KindModel].install = func(ctx context.Context, s *Session) error {
			h.prober.set(types.KindModel, types.StateInstalled)
			close(ready)
			return nil
		}
		ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
		if err != nil {
			t.Fatal(err)
		}
		<-ready
		cerr := h.o.Cancel(types.KindModel)
		last := terminal(t, drain(t, ch))
		st := h.o.CurrentSnapshot().Model
		switch {
		case cerr == nil && (last.Outcome != types.OutcomeCancelled || st != types.StateMissing):
			t.Fatalf("cancel won but outcome=%s state=%s", last.Outcome, st)
		case cerr != nil && (last.Outcome != types.OutcomeInstalled || st != types.StateInstalled):
			t.Fatalf("completion won but outcome=%s state=%s err=%v", last.Outcome, st, cerr)
		}
	}
}

func TestInstallerPanicBecomesFault(t *testing.T) {
	h := newHarness(t)
	h.o.CheckAll(context.Background())
	h.installers[types.KindInterpreter].install = func(ctx context.Context, s *Session) error {
		panic("boom")
	}
	ch, err := h.o.Install(context.Background(), types.KindInterpreter, Options{})
	if err != nil {
		t.Fatal(err)
	}
	last := terminal(t, drain(t, ch))
	if last.Outcome != types.OutcomeFailed || last.Class != types.ClassFault || last.Retryable {
		t.Fatalf("terminal = %+v", last)
	}
	if st := h.o.CurrentSnapshot().Interpreter; st != types.StateMissing {
		t.Fatalf("state = %s", st)
	}
}

func TestInstallFailureIsClassified(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	h.installers[types.KindPackage].install = func(ctx context.Context, s *Session) error {
		return &procrun.ExitError{Command: "python3 -m pip install", Code: 1, Tail: "ERROR: Could not install packages due to an OSError: [Errno 13] Permission denied"}
	}
	ch, err := h.o.Install(context.Background(), types.KindPackage, Options{})
	if err != nil {
		t.Fatal(err)
	}
	last := terminal(t, drain(t, ch))
	if last.Class != types.ClassPermissionDenied || last.Retryable || last.Remediation == "" {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestSlowConsumerStillGetsTerminal(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.EventBuffer = 3
		c.ProgressInterval = time.Millisecond
	})
	h.interpreterReady(t)
	h.installers[types.KindModel].install = func(ctx context.Context, s *Session) error {
		for i := 0; i < 50; i++ {
			s.Observe("line " + string(rune('a'+i%26)))
			time.Sleep(time.Millisecond)
		}
		h.prober.set(types.KindModel, types.StateInstalled)
		return nil
	}
	ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.waitSession(t, types.KindModel):
	case <-time.After(10 * time.Second):
		t.Fatalf("session blocked on a slow consumer")
	}
	if last := terminal(t, drain(t, ch)); last.Outcome != types.OutcomeInstalled {
		t.Fatalf("terminal = %+v", last)
	}
}

// waitSession returns a channel closed once no session runs for kind.
func (h *harness) waitSession(t *testing.T, kind types.DependencyKind) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			h.o.mu.RLock()
			s := h.o.sessions[kind]
			h.o.mu.RUnlock()
			if s == nil {
				return
			}
			<-s.Done()
		}
	}()
	return done
}

func TestSubscribeSeesSnapshotsAndProgress(t *testing.T) {
	h := newHarness(t)
	notes, unsubscribe := h.o.Subscribe(256)
	h.interpreterReady(t)
	h.installers[types.KindModel].install = func(ctx context.Context, s *Session) error {
		h.prober.set(types.KindModel, types.StateInstalled)
		return nil
	}
	ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, ch)
	unsubscribe()
	unsubscribe()

	var snaps, terminals int
	for n := range notes {
		switch n.Type {
		case types.NotificationSnapshot:
			snaps++
		case types.NotificationProgress:
			if n.Progress.Terminal() {
				terminals++
			}
		}
	}
	if snaps < 3 || terminals != 1 {
		t.Fatalf("snapshots=%d terminals=%d", snaps, terminals)
	}
}

func TestUninstall(t *testing.T) {
	h := newHarness(t)
	if _, err := h.o.Uninstall(context.Background(), types.KindInterpreter); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("interpreter uninstall: %v", err)
	}
	if _, err := h.o.Uninstall(context.Background(), types.KindPackage); !errors.Is(err, ErrDependencyOrder) {
		t.Fatalf("package uninstall without interpreter: %v", err)
	}
	for _, k := range types.Kinds {
		h.prober.set(k, types.StateInstalled)
	}
	h.o.CheckAll(context.Background())

	h.installers[types.KindPackage].uninstall = func(ctx context.Context, s *Session) error {
		return &procrun.ExitError{Command: "pip uninstall", Code: 1, Tail: "resource busy"}
	}
	snap, err := h.o.Uninstall(context.Background(), types.KindPackage)
	if !IsTransient(err) || snap.Package != types.StateInstalled {
		t.Fatalf("failed uninstall must keep state: %+v %v", snap, err)
	}

	h.installers[types.KindPackage].uninstall = nil
	snap, err = h.o.Uninstall(context.Background(), types.KindPackage)
	if err != nil || snap.Package != types.StateMissing || snap.Ready {
		t.Fatalf("uninstall: %+v %v", snap, err)
	}
	if len(h.pub.Named(EventUninstallDone)) != 1 {
		t.Fatalf("expected uninstall_done event")
	}
}

func TestCloseCancelsRunningSessions(t *testing.T) {
	h := newHarness(t)
	h.interpreterReady(t)
	started := make(chan struct{})
	h.installers[types.KindModel].install = blockUntilCancelled(started)
	ch, err := h.o.Install(context.Background(), types.KindModel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	notes, _ := h.o.Subscribe(64)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.o.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if last := terminal(t, drain(t, ch)); last.Outcome != types.OutcomeCancelled {
		t.Fatalf("terminal = %+v", last)
	}
	for range notes {
	}
	if _, err := h.o.Install(context.Background(), types.KindModel, Options{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("install after close: %v", err)
	}
}

func TestSweepStaleUsesTempRoot(t *testing.T) {
	h := newHarness(t)
	stale := filepath.Join(h.tempDir, "package", "dead-session")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	res, err := h.o.SweepStale(context.Background(), time.Hour)
	if err != nil || len(res.Removed) != 1 {
		t.Fatalf("sweep: %+v %v", res, err)
	}
}

func TestLogPublisherWritesFields(t *testing.T) {
	var buf bytes.Buffer
	LogPublisher{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}.Publish(Event{
		Name: EventInstallDone, Kind: types.KindModel, Fields: map[string]any{"outcome": "installed"},
	})
	out := buf.String()
	for _, want := range []string{`"event":"install_done"`, `"kind":"model"`, `"outcome":"installed"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}
