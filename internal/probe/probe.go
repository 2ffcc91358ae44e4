// Package probe detects whether each external dependency is present. Probes
// never fail: anything that is not a positive detection is Missing.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"provisiond/internal/procrun"
	"provisiond/pkg/types"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryDelay = 2 * time.Second
)

// CommandRunner runs a process to completion. *procrun.Runner satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, spec procrun.Spec, onLine procrun.LineFunc) (procrun.Result, error)
}

// Config configures a Prober. Zero durations use defaults.
type Config struct {
	Runner CommandRunner
	// Interpreter is the self-report invocation, e.g. python3 --version.
	Interpreter procrun.Spec
	// PackageImport is the module imported to detect the package.
	PackageImport  string
	ModelExtension string
	// ModelLocations are scanned in order, together with their immediate subfolders.
	ModelLocations []string
	Timeout        time.Duration
	RetryDelay     time.Duration
	Logger         zerolog.Logger
}

// Report is the detailed outcome of a probe.
type Report struct {
	Kind  types.DependencyKind
	State types.DependencyState
	// Detail holds the interpreter version line or the model files found.
	Detail []string
}

// Prober checks dependencies.
type Prober struct {
	cfg Config
	log zerolog.Logger
}

// New returns a Prober configured by cfg.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.ModelExtension == "" {
		cfg.ModelExtension = ".gguf"
	}
	return &Prober{cfg: cfg, log: cfg.Logger}
}

// Check returns Installed or Missing for kind.
func (p *Prober) Check(ctx context.Context, kind types.DependencyKind) types.DependencyState {
	return p.Locate(ctx, kind).State
}

// Locate probes kind and reports what was found.
func (p *Prober) Locate(ctx context.Context, kind types.DependencyKind) Report {
	rep := Report{Kind: kind, State: types.StateMissing}
	start := time.Now()
	switch kind {
	case types.KindInterpreter:
		if lines, ok := p.runWithRetry(ctx, kind, p.cfg.Interpreter); ok {
			rep.State = types.StateInstalled
			rep.Detail = lines
		}
	case types.KindPackage:
		if p.cfg.PackageImport == "" {
			p.log.Warn().Msg("probe: no package import name configured")
			break
		}
		spec := p.cfg.Interpreter
		spec.Args = []string{"-c", "import " + p.cfg.PackageImport}
		if _, ok := p.runWithRetry(ctx, kind, spec); ok {
			rep.State = types.StateInstalled
		}
	case types.KindModel:
		files := FindModels(p.cfg.ModelLocations, p.cfg.ModelExtension)
		if len(files) > 0 {
			rep.State = types.StateInstalled
			rep.Detail = files
		}
	}
	p.log.Debug().Str("kind", string(kind)).Str("state", string(rep.State)).
		Int64("dur_ms", time.Since(start).Milliseconds()).Msg("probe")
	return rep
}

// InterpreterVersion returns the interpreter's self-reported version line.
func (p *Prober) InterpreterVersion(ctx context.Context) (string, error) {
	lines, err := p.run(ctx, p.cfg.Interpreter)
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if s := strings.TrimSpace(l); s != "" {
			return s, nil
		}
	}
	return "", errors.New("interpreter reported no version")
}

// runWithRetry makes at most two attempts, RetryDelay apart.
func (p *Prober) runWithRetry(ctx context.Context, kind types.DependencyKind, spec procrun.Spec) ([]string, bool) {
	for attempt := 1; attempt <= 2; attempt++ {
		lines, err := p.run(ctx, spec)
		if err == nil {
			return lines, true
		}
		notFound := procrun.IsNotFound(err)
		ev := p.log.Debug()
		if notFound || errors.Is(err, context.DeadlineExceeded) {
			ev = p.log.Warn().Str("class", string(types.ClassDetectionAmbiguous))
		}
		ev.Str("kind", string(kind)).Int("attempt", attempt).Err(err).Msg("probe attempt failed")
		if notFound && kind == types.KindPackage {
			// no interpreter to import with
			break
		}
		if attempt == 2 || ctx.Err() != nil {
			break
		}
		t := time.NewTimer(p.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false
		case <-t.C:
		}
	}
	return nil, false
}

// run executes spec under the probe timeout and collects both streams; some
// interpreters print their version on stderr.
func (p *Prober) run(ctx context.Context, spec procrun.Spec) ([]string, error) {
	if p.cfg.Runner == nil {
		return nil, errors.New("probe: no runner configured")
	}
	if spec.Path == "" {
		return nil, errors.New("probe: no command configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	var lines []string
	lineCh := make(chan string, 8)
	collected := make(chan struct{})
	go func() {
		for l := range lineCh {
			lines = append(lines, l)
		}
		close(collected)
	}()
	_, err := p.cfg.Runner.Run(ctx, spec, func(l procrun.Line) { lineCh <- l.Text })
	close(lineCh)
	<-collected
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("probe timed out after %s: %w (%w)", p.cfg.Timeout, context.DeadlineExceeded, err)
	}
	return lines, err
}
