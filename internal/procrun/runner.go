package procrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// defaultWaitDelay bounds how long Wait keeps reading output after the process
// exits when a descendant still holds the pipes open.
const defaultWaitDelay = 2 * time.Second

// Spec describes an executable invocation.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string // added to the inherited environment
}

func (s Spec) String() string {
	if len(s.Args) == 0 {
		return s.Path
	}
	return s.Path + " " + strings.Join(s.Args, " ")
}

// Stream identifies which output a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of process output.
type Line struct {
	Stream Stream
	Text   string
}

// LineFunc receives output lines. It is called from the output pump goroutines
// and must be safe for concurrent use when both streams are read.
type LineFunc func(Line)

// Runner spawns external processes.
type Runner struct {
	log       zerolog.Logger
	waitDelay time.Duration
}

// New returns a Runner that logs through log.
func New(log zerolog.Logger) *Runner {
	return &Runner{log: log, waitDelay: defaultWaitDelay}
}

// Start spawns spec and streams its output to onLine. When ctx is done before the
// process exits the whole process tree is killed.
func (r *Runner) Start(ctx context.Context, spec Spec, onLine LineFunc) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Path) == "" {
		return nil, &StartError{Command: spec.String(), Err: errors.New("empty executable path")}
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	setProcessGroup(cmd)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = r.waitDelay

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, &StartError{Command: spec.String(), Err: err}
	}
	p := &Process{
		spec:    spec,
		cmd:     cmd,
		log:     r.log.With().Str("cmd", spec.Path).Int("pid", cmd.Process.Pid).Logger(),
		started: time.Now(),
		done:    make(chan struct{}),
		tail:    newTail(tailLines),
	}
	p.log.Debug().Str("args", strings.Join(spec.Args, " ")).Msg("process start")

	var g errgroup.Group
	g.Go(func() error { return p.pump(Stdout, outR, onLine) })
	g.Go(func() error { return p.pump(Stderr, errR, onLine) })

	go func() {
		werr := cmd.Wait()
		_ = outW.Close()
		_ = errW.Close()
		_ = g.Wait()
		p.finish(werr)
	}()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				if err := p.Kill(true); err != nil {
					p.log.Warn().Err(err).Msg("kill on context done")
				}
			case <-p.done:
			}
		}()
	}
	return p, nil
}

// Run starts spec and waits for it to exit. A cancelled ctx kills the process
// tree and Run returns the context error.
func (r *Runner) Run(ctx context.Context, spec Spec, onLine LineFunc) (Result, error) {
	p, err := r.Start(ctx, spec, onLine)
	if err != nil {
		return Result{Code: -1}, err
	}
	res, err := p.Wait()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, err
}

// Output runs spec and returns its stdout lines. Stderr still feeds the exit
// error tail.
func (r *Runner) Output(ctx context.Context, spec Spec) ([]string, error) {
	var out []string
	lines := make(chan string, 16)
	collected := make(chan struct{})
	go func() {
		for l := range lines {
			out = append(out, l)
		}
		close(collected)
	}()
	_, err := r.Run(ctx, spec, func(l Line) {
		if l.Stream == Stdout {
			lines <- l.Text
		}
	})
	close(lines)
	<-collected
	return out, err
}

func (p *Process) pump(stream Stream, rd io.Reader, onLine LineFunc) error {
	s := bufio.NewScanner(rd)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		text := strings.TrimRight(s.Text(), "\r")
		if stream == Stderr {
			p.tail.add(text)
		}
		if onLine != nil {
			onLine(Line{Stream: stream, Text: text})
		}
	}
	err := s.Err()
	// keep the writer side unblocked after an oversized line
	_, _ = io.Copy(io.Discard, rd)
	return err
}
