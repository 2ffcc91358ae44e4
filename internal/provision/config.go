package provision

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"provisiond/internal/cleanup"
	"provisiond/internal/download"
	"provisiond/internal/procrun"
	"provisiond/internal/progress"
	"provisiond/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultProgressInterval = 500 * time.Millisecond
	defaultVerifyTimeout    = 30 * time.Second
	defaultDownloadAttempts = 3
	defaultDownloadBackoff  = 2 * time.Second
	defaultEventBuffer      = 64
)

// Prober reports whether a dependency is present. *probe.Prober satisfies it.
type Prober interface {
	Check(ctx context.Context, kind types.DependencyKind) types.DependencyState
}

// Installer performs the install and removal steps for one dependency kind.
// Implementations use the Session for processes, downloads, scratch space and
// progress; they must return promptly once ctx is done.
type Installer interface {
	Install(ctx context.Context, s *Session) error
	Uninstall(ctx context.Context, s *Session) error
}

// Config encapsulates all tunables for Orchestrator construction.
type Config struct {
	Prober     Prober
	Installers map[types.DependencyKind]Installer
	Runner     *procrun.Runner
	Downloader *download.Downloader
	Cleanup    *cleanup.Manager
	// TempDir is the root for per-session scratch directories,
	// laid out as <TempDir>/<kind>/<session>.
	TempDir           string
	ExpectedDurations map[types.DependencyKind]time.Duration
	Milestones        map[types.DependencyKind][]progress.Milestone
	ProgressInterval  time.Duration
	VerifyTimeout     time.Duration
	DownloadAttempts  int
	DownloadBackoff   time.Duration
	// EventBuffer sizes each install progress stream.
	EventBuffer int
	// IgnoreCheck enables the feature regardless of readiness.
	IgnoreCheck bool
	Publisher   EventPublisher
	Logger      zerolog.Logger
	Clock       func() time.Time
	// BaseContext parents every session context. Sessions outlive the
	// request that started them.
	BaseContext context.Context
}

func (c *Config) applyDefaults() {
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "provisiond")
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = defaultVerifyTimeout
	}
	if c.DownloadAttempts <= 0 {
		c.DownloadAttempts = defaultDownloadAttempts
	}
	if c.DownloadBackoff <= 0 {
		c.DownloadBackoff = defaultDownloadBackoff
	}
	if c.EventBuffer < 2 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Runner == nil {
		c.Runner = procrun.New(c.Logger)
	}
	if c.Downloader == nil {
		c.Downloader = download.New(download.Config{Logger: c.Logger})
	}
	if c.Cleanup == nil {
		c.Cleanup = cleanup.New(cleanup.Config{Logger: c.Logger})
	}
	if c.Installers == nil {
		c.Installers = map[types.DependencyKind]Installer{}
	}
}

func (c *Config) expected(kind types.DependencyKind) time.Duration {
	if d, ok := c.ExpectedDurations[kind]; ok && d > 0 {
		return d
	}
	return progress.DefaultExpected(kind)
}

func (c *Config) milestones(kind types.DependencyKind) []progress.Milestone {
	if ms, ok := c.Milestones[kind]; ok {
		return ms
	}
	return progress.DefaultMilestones(kind)
}
