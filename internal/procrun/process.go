package procrun

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const tailLines = 20

// Result describes how a process ended.
type Result struct {
	Code     int
	Duration time.Duration
	Killed   bool
}

// Process is a running external process started by Runner.
type Process struct {
	spec    Spec
	cmd     *exec.Cmd
	log     zerolog.Logger
	started time.Time
	tail    *tail

	killMu sync.Mutex
	killed bool

	done   chan struct{}
	result Result
	err    error
}

// PID returns the operating system process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits. A non-zero exit yields *ExitError; a
// killed process yields an error wrapping ErrKilled.
func (p *Process) Wait() (Result, error) {
	<-p.done
	return p.result, p.err
}

// Kill forcibly terminates the process and, when tree is set, every descendant
// it spawned. It is idempotent and safe to call after the process has exited.
func (p *Process) Kill(tree bool) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killMu.Lock()
	defer p.killMu.Unlock()
	p.killed = true

	var errs []error
	pid := p.cmd.Process.Pid
	if tree {
		// collect before the parent dies so orphans are still reachable
		for _, child := range descendants(int32(pid)) {
			if err := child.Kill(); err != nil && !isGone(err) {
				errs = append(errs, err)
			}
		}
		if err := killGroup(p.cmd); err != nil && !isGone(err) {
			errs = append(errs, err)
		}
	}
	if err := p.cmd.Process.Kill(); err != nil && !isGone(err) {
		errs = append(errs, err)
	}
	p.log.Debug().Bool("tree", tree).Msg("process kill")
	return errors.Join(errs...)
}

func (p *Process) finish(werr error) {
	p.killMu.Lock()
	killed := p.killed
	p.killMu.Unlock()

	res := Result{Code: -1, Duration: time.Since(p.started)}
	if st := p.cmd.ProcessState; st != nil {
		res.Code = st.ExitCode()
		// Kill can land after Wait reaped a clean exit
		if st.Success() {
			killed = false
		}
	}
	res.Killed = killed
	p.result = res
	switch {
	case killed:
		p.err = &ExitError{Command: p.spec.String(), Code: res.Code, Tail: p.tail.String(), Err: ErrKilled}
	case res.Code != 0:
		p.err = &ExitError{Command: p.spec.String(), Code: res.Code, Tail: p.tail.String(), Err: werr}
	}
	p.log.Debug().Int("code", res.Code).Bool("killed", killed).Dur("dur", res.Duration).Msg("process exit")
	close(p.done)
}

// descendants walks the process tree below pid, deepest first.
func descendants(pid int32) []*process.Process {
	parent, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := parent.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(c.Pid)...)
		out = append(out, c)
	}
	return out
}

func isGone(err error) bool {
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, process.ErrorProcessNotRunning) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such process")
}

// tail keeps the last n lines of stderr for error reports.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
