package provision

import (
	"context"
	"sync"
	"testing"
	"time"

	"provisiond/internal/cleanup"
	"provisiond/pkg/types"
)

type fakeProber struct {
	mu     sync.Mutex
	states map[types.DependencyKind]types.DependencyState
	calls  map[types.DependencyKind]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		states: map[types.DependencyKind]types.DependencyState{},
		calls:  map[types.DependencyKind]int{},
	}
}

func (f *fakeProber) Check(_ context.Context, k types.DependencyKind) types.DependencyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[k]++
	if st, ok := f.states[k]; ok {
		return st
	}
	return types.StateMissing
}

func (f *fakeProber) set(k types.DependencyKind, st types.DependencyState) {
	f.mu.Lock()
	f.states[k] = st
	f.mu.Unlock()
}

func (f *fakeProber) count(k types.DependencyKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[k]
}

// fakeInstaller runs the supplied funcs and counts invocations.
type fakeInstaller struct {
	mu         sync.Mutex
	installs   int
	uninstalls int
	install    func(ctx context.Context, s *Session) error
	uninstall  func(ctx context.Context, s *Session) error
}

func (f *fakeInstaller) Install(ctx context.Context, s *Session) error {
	f.mu.Lock()
	f.installs++
	fn := f.install
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, s)
}

func (f *fakeInstaller) Uninstall(ctx context.Context, s *Session) error {
	f.mu.Lock()
	f.uninstalls++
	fn := f.uninstall
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, s)
}

func (f *fakeInstaller) installCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs
}

type harness struct {
	o          *Orchestrator
	prober     *fakeProber
	installers map[types.DependencyKind]*fakeInstaller
	pub        *MemoryPublisher
	tempDir    string
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		prober: newFakeProber(),
		installers: map[types.DependencyKind]*fakeInstaller{
			types.KindInterpreter: {},
			types.KindPackage:     {},
			types.KindModel:       {},
		},
		pub:     NewMemoryPublisher(),
		tempDir: t.TempDir(),
	}
	cfg := Config{
		Prober:           h.prober,
		Installers:       map[types.DependencyKind]Installer{},
		Cleanup:          cleanup.New(cleanup.Config{Attempts: 2, Backoff: time.Millisecond}),
		TempDir:          h.tempDir,
		ProgressInterval: 5 * time.Millisecond,
		DownloadBackoff:  time.Millisecond,
		Publisher:        h.pub,
	}
	for k, inst := range h.installers {
		cfg.Installers[k] = inst
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.o = New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.o.Close(ctx)
	})
	return h
}

// interpreterReady makes the interpreter detectable and records it.
func (h *harness) interpreterReady(t *testing.T) {
	t.Helper()
	h.prober.set(types.KindInterpreter, types.StateInstalled)
	if snap := h.o.CheckAll(context.Background()); snap.Interpreter != types.StateInstalled {
		t.Fatalf("interpreter not installed after check: %+v", snap)
	}
}

func drain(t *testing.T, ch <-chan types.ProgressEvent) []types.ProgressEvent {
	t.Helper()
	var out []types.ProgressEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("progress stream not closed; got %d events", len(out))
		}
	}
}

func terminal(t *testing.T, evs []types.ProgressEvent) types.ProgressEvent {
	t.Helper()
	if len(evs) == 0 {
		t.Fatalf("no events")
	}
	n := 0
	for _, e := range evs {
		if e.Terminal() {
			n++
		}
	}
	last := evs[len(evs)-1]
	if n != 1 || !last.Terminal() {
		t.Fatalf("want exactly one terminal event at the end, got %d (last=%+v)", n, last)
	}
	return last
}

// waitFor reads events until pred matches one, without consuming the terminal.
func waitFor(t *testing.T, ch <-chan types.ProgressEvent, pred func(types.ProgressEvent) bool) []types.ProgressEvent {
	t.Helper()
	var seen []types.ProgressEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before condition; events=%+v", seen)
			}
			seen = append(seen, ev)
			if pred(ev) {
				return seen
			}
		case <-timeout:
			t.Fatalf("condition not reached; events=%+v", seen)
		}
	}
}

// blockUntilCancelled is an install step that waits for cancellation.
func blockUntilCancelled(started chan<- struct{}) func(ctx context.Context, s *Session) error {
	return func(ctx context.Context, s *Session) error {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}
