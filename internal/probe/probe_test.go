package probe

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"provisiond/internal/procrun"
	"provisiond/pkg/types"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []procrun.Spec
	// results are consumed in order; the last one repeats
	results []error
	output  []string
	// block makes Run wait for ctx and fail with the process killed
	block bool
}

func (f *fakeRunner) Run(ctx context.Context, spec procrun.Spec, onLine procrun.LineFunc) (procrun.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	n := len(f.calls)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return procrun.Result{}, &procrun.ExitError{Command: spec.Path, Code: -1, Err: procrun.ErrKilled}
	}
	var err error
	if len(f.results) > 0 {
		i := n - 1
		if i >= len(f.results) {
			i = len(f.results) - 1
		}
		err = f.results[i]
	}
	if err == nil {
		for _, l := range f.output {
			onLine(procrun.Line{Stream: procrun.Stdout, Text: l})
		}
	}
	return procrun.Result{}, err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var python = procrun.Spec{Path: "python3", Args: []string{"--version"}}

func TestInterpreterInstalled(t *testing.T) {
	r := &fakeRunner{output: []string{"Python 3.11.9"}}
	p := New(Config{Runner: r, Interpreter: python})
	rep := p.Locate(context.Background(), types.KindInterpreter)
	if rep.State != types.StateInstalled {
		t.Fatalf("state = %s", rep.State)
	}
	if len(rep.Detail) != 1 || rep.Detail[0] != "Python 3.11.9" {
		t.Fatalf("detail = %#v", rep.Detail)
	}
	v, err := p.InterpreterVersion(context.Background())
	if err != nil || v != "Python 3.11.9" {
		t.Fatalf("version %q err=%v", v, err)
	}
}

func TestInterpreterRetriesOnceThenMissing(t *testing.T) {
	notFound := &procrun.StartError{Command: "python3", Err: exec.ErrNotFound}
	r := &fakeRunner{results: []error{notFound}}
	p := New(Config{Runner: r, Interpreter: python, RetryDelay: time.Millisecond})
	if st := p.Check(context.Background(), types.KindInterpreter); st != types.StateMissing {
		t.Fatalf("state = %s", st)
	}
	if r.count() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", r.count())
	}
}

func TestRetrySucceeds(t *testing.T) {
	r := &fakeRunner{results: []error{errors.New("transient"), nil}}
	p := New(Config{Runner: r, Interpreter: python, RetryDelay: time.Millisecond})
	if st := p.Check(context.Background(), types.KindInterpreter); st != types.StateInstalled {
		t.Fatalf("state = %s", st)
	}
}

func TestPackageProbeRunsImport(t *testing.T) {
	r := &fakeRunner{}
	p := New(Config{Runner: r, Interpreter: python, PackageImport: "llama_cpp"})
	if st := p.Check(context.Background(), types.KindPackage); st != types.StateInstalled {
		t.Fatalf("state = %s", st)
	}
	got := r.calls[0]
	if got.Path != "python3" || len(got.Args) != 2 || got.Args[0] != "-c" || got.Args[1] != "import llama_cpp" {
		t.Fatalf("unexpected spec: %+v", got)
	}
}

func TestPackageNonZeroExitIsMissing(t *testing.T) {
	r := &fakeRunner{results: []error{&procrun.ExitError{Command: "python3", Code: 1, Tail: "ModuleNotFoundError"}}}
	p := New(Config{Runner: r, Interpreter: python, PackageImport: "llama_cpp", RetryDelay: time.Millisecond})
	if st := p.Check(context.Background(), types.KindPackage); st != types.StateMissing {
		t.Fatalf("state = %s", st)
	}
}

func TestPackageProbeWithoutInterpreterSpawnsOnce(t *testing.T) {
	notFound := &procrun.StartError{Command: "python3", Err: exec.ErrNotFound}
	r := &fakeRunner{results: []error{notFound}}
	p := New(Config{Runner: r, Interpreter: python, PackageImport: "llama_cpp", RetryDelay: time.Hour})
	if st := p.Check(context.Background(), types.KindPackage); st != types.StateMissing {
		t.Fatalf("state = %s", st)
	}
	if r.count() != 1 {
		t.Fatalf("package probe retried without an interpreter: %d calls", r.count())
	}
}

func TestProbeTimeoutLoggedAsAmbiguous(t *testing.T) {
	var buf bytes.Buffer
	r := &fakeRunner{block: true}
	p := New(Config{
		Runner: r, Interpreter: python,
		Timeout: 10 * time.Millisecond, RetryDelay: time.Millisecond,
		Logger: zerolog.New(&buf),
	})
	if st := p.Check(context.Background(), types.KindInterpreter); st != types.StateMissing {
		t.Fatalf("state = %s", st)
	}
	out := buf.String()
	if strings.Count(out, `"level":"warn"`) != 2 || !strings.Contains(out, `"class":"detection_ambiguous"`) {
		t.Fatalf("timeouts not warned as ambiguous: %s", out)
	}
	if !strings.Contains(out, "timed out") {
		t.Fatalf("timeout not named in log: %s", out)
	}
}

func TestProbeCancelledDuringRetryWait(t *testing.T) {
	r := &fakeRunner{results: []error{errors.New("nope")}}
	p := New(Config{Runner: r, Interpreter: python, RetryDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	done := make(chan types.DependencyState, 1)
	go func() { done <- p.Check(ctx, types.KindInterpreter) }()
	select {
	case st := <-done:
		if st != types.StateMissing {
			t.Fatalf("state = %s", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("probe ignored cancellation")
	}
}

func TestProbeWithoutRunnerIsMissing(t *testing.T) {
	p := New(Config{Interpreter: python, RetryDelay: time.Millisecond})
	if st := p.Check(context.Background(), types.KindInterpreter); st != types.StateMissing {
		t.Fatalf("state = %s", st)
	}
}

func TestModelScan(t *testing.T) {
	root := t.TempDir()
	versioned := filepath.Join(root, "v1.2")
	deep := filepath.Join(root, "v1.2", "too-deep")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(p string) {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(root, "notes.txt"))
	write(filepath.Join(versioned, "Llama.GGUF"))
	write(filepath.Join(deep, "hidden.gguf"))

	p := New(Config{ModelLocations: []string{filepath.Join(root, "absent"), root, root}})
	rep := p.Locate(context.Background(), types.KindModel)
	if rep.State != types.StateInstalled {
		t.Fatalf("state = %s", rep.State)
	}
	if len(rep.Detail) != 1 || filepath.Base(rep.Detail[0]) != "Llama.GGUF" {
		t.Fatalf("detail = %#v", rep.Detail)
	}

	empty := New(Config{ModelLocations: []string{t.TempDir()}})
	if st := empty.Check(context.Background(), types.KindModel); st != types.StateMissing {
		t.Fatalf("empty dir state = %s", st)
	}
}

func TestDefaultModelLocations(t *testing.T) {
	dir := t.TempDir()
	locs := DefaultModelLocations(dir)
	if len(locs) == 0 || locs[0] != dir {
		t.Fatalf("install dir must come first: %#v", locs)
	}
	seen := map[string]bool{}
	for _, l := range locs {
		if seen[l] {
			t.Fatalf("duplicate location %s", l)
		}
		seen[l] = true
	}
}
