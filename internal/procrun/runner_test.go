package procrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// TestHelperProcess is re-executed by the tests below as a stand-in for real
// installers. It does nothing unless PROCRUN_HELPER is set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PROCRUN_HELPER") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	switch args[1] {
	case "echo":
		for _, a := range args[2:] {
			fmt.Println(a)
		}
		fmt.Fprintln(os.Stderr, "to-stderr")
		os.Exit(0)
	case "exit":
		code, _ := strconv.Atoi(args[2])
		fmt.Fprintln(os.Stderr, "failing on purpose")
		os.Exit(code)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "spawn":
		child := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", "sleep")
		child.Env = os.Environ()
		if err := child.Start(); err != nil {
			os.Exit(3)
		}
		fmt.Println(child.Process.Pid)
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperSpec(args ...string) Spec {
	return Spec{
		Path: os.Args[0],
		Args: append([]string{"-test.run=TestHelperProcess", "--"}, args...),
		Env:  map[string]string{"PROCRUN_HELPER": "1"},
	}
}

func newTestRunner() *Runner { return New(zerolog.Nop()) }

type lineSink struct {
	mu    sync.Mutex
	lines []Line
}

func (s *lineSink) add(l Line) {
	s.mu.Lock()
	s.lines = append(s.lines, l)
	s.mu.Unlock()
}

func (s *lineSink) texts(stream Stream) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.lines {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}
	return out
}

func TestRunStreamsLines(t *testing.T) {
	var sink lineSink
	res, err := newTestRunner().Run(context.Background(), helperSpec("echo", "alpha", "beta"), sink.add)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Code != 0 || res.Killed {
		t.Fatalf("unexpected result: %+v", res)
	}
	out := sink.texts(Stdout)
	if len(out) != 2 || out[0] != "alpha" || out[1] != "beta" {
		t.Fatalf("stdout lines = %#v", out)
	}
	if errs := sink.texts(Stderr); len(errs) != 1 || errs[0] != "to-stderr" {
		t.Fatalf("stderr lines = %#v", errs)
	}
}

func TestOutputCollectsStdout(t *testing.T) {
	out, err := newTestRunner().Output(context.Background(), helperSpec("echo", "Python 3.11.4"))
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if len(out) != 1 || out[0] != "Python 3.11.4" {
		t.Fatalf("output = %#v", out)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	_, err := newTestRunner().Run(context.Background(), helperSpec("exit", "7"), nil)
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if ee.Code != 7 {
		t.Fatalf("code = %d", ee.Code)
	}
	if !strings.Contains(ee.Tail, "failing on purpose") {
		t.Fatalf("tail = %q", ee.Tail)
	}
	if ExitCode(err) != 7 {
		t.Fatalf("ExitCode = %d", ExitCode(err))
	}
}

func TestStartMissingExecutable(t *testing.T) {
	_, err := newTestRunner().Run(context.Background(), Spec{Path: "definitely-not-a-real-binary-xyz"}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestKillAfterExitIsNoop(t *testing.T) {
	p, err := newTestRunner().Start(context.Background(), helperSpec("echo", "x"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Kill(true); err != nil {
			t.Fatalf("kill #%d after exit: %v", i, err)
		}
	}
}

func TestKillTerminatesProcess(t *testing.T) {
	p, err := newTestRunner().Start(context.Background(), helperSpec("sleep"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Kill(false); err != nil {
		t.Fatalf("kill: %v", err)
	}
	_ = p.Kill(false)
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("process did not exit after kill")
	}
	res, err := p.Wait()
	if !res.Killed || !errors.Is(err, ErrKilled) {
		t.Fatalf("expected killed result, got %+v err=%v", res, err)
	}
}

func TestContextCancelKills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := newTestRunner().Run(ctx, helperSpec("sleep"), nil)
		done <- err
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestKillTreeTerminatesDescendants(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("zombie detection below is unix specific")
	}
	pids := make(chan int, 1)
	p, err := newTestRunner().Start(context.Background(), helperSpec("spawn"), func(l Line) {
		if l.Stream != Stdout {
			return
		}
		if n, err := strconv.Atoi(strings.TrimSpace(l.Text)); err == nil {
			pids <- n
		}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var child int
	select {
	case child = <-pids:
	case <-time.After(10 * time.Second):
		_ = p.Kill(true)
		t.Fatalf("child pid not reported")
	}
	if err := p.Kill(true); err != nil {
		t.Fatalf("kill tree: %v", err)
	}
	<-p.Done()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !alive(int32(child)) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("descendant %d still running after Kill(true)", child)
}

func alive(pid int32) bool {
	ok, err := process.PidExists(pid)
	if err != nil || !ok {
		return false
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	st, err := proc.Status()
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func TestKillAfterCleanExitIsNotReportedAsKilled(t *testing.T) {
	spec := helperSpec("echo", "done")
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), "PROCRUN_HELPER=1")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	// reaped, output not yet drained, then Kill arrives
	p := &Process{spec: spec, cmd: cmd, log: zerolog.Nop(), started: time.Now(), tail: newTail(tailLines), done: make(chan struct{})}
	if err := p.Kill(true); err != nil {
		t.Fatalf("kill after exit: %v", err)
	}
	p.finish(nil)
	res, err := p.Wait()
	if err != nil || res.Killed || res.Code != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}
