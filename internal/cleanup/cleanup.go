// Package cleanup removes installer leftovers: session temp dirs, partial
// downloads and stale files from crashed runs. Locked files are retried with a
// backoff and reported rather than failing the whole removal.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultAttempts = 5
	defaultBackoff  = 200 * time.Millisecond
)

// Config configures a Manager. Zero values use defaults.
type Config struct {
	Attempts int
	Backoff  time.Duration
	Logger   zerolog.Logger
}

// LeftBehind is a path that stayed locked through every attempt.
type LeftBehind struct {
	Path string
	Err  error
}

// Result summarises one Remove call.
type Result struct {
	Removed    []string
	Absent     []string
	LeftBehind []LeftBehind
}

// Clean reports whether nothing was left behind.
func (r Result) Clean() bool { return len(r.LeftBehind) == 0 }

// Manager deletes paths with lock-aware retries.
type Manager struct {
	attempts int
	backoff  time.Duration
	log      zerolog.Logger

	remove func(string) error
	locked func(error) bool
}

// New returns a Manager configured by cfg.
func New(cfg Config) *Manager {
	m := &Manager{
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		log:      cfg.Logger,
		remove:   os.RemoveAll,
		locked:   isLocked,
	}
	if m.attempts <= 0 {
		m.attempts = defaultAttempts
	}
	if m.backoff <= 0 {
		m.backoff = defaultBackoff
	}
	return m
}

// Remove deletes each path recursively. Missing paths count as success. Paths
// still locked after all attempts are recorded in Result.LeftBehind; any other
// failure is returned, joined across paths. Remove keeps going after ctx is
// done but stops waiting between retries.
func (m *Manager) Remove(ctx context.Context, paths ...string) (Result, error) {
	var res Result
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			res.Absent = append(res.Absent, p)
			continue
		}
		err := m.removeOne(ctx, p)
		switch {
		case err == nil:
			res.Removed = append(res.Removed, p)
		case m.locked(err):
			m.log.Warn().Str("path", p).Err(err).Msg("cleanup left behind")
			res.LeftBehind = append(res.LeftBehind, LeftBehind{Path: p, Err: err})
		default:
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return res, errors.Join(errs...)
}

func (m *Manager) removeOne(ctx context.Context, p string) error {
	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		err = m.remove(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if !m.locked(err) || attempt == m.attempts {
			return err
		}
		m.log.Debug().Str("path", p).Int("attempt", attempt).Err(err).Msg("cleanup retry")
		if ctx.Err() != nil {
			// no more waiting; one last immediate try below
			continue
		}
		t := time.NewTimer(m.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return err
}

// SweepStale removes session directories under root that were last modified
// more than olderThan ago. root is laid out as <root>/<kind>/<session>.
func (m *Manager) SweepStale(ctx context.Context, root string, olderThan time.Duration) (Result, error) {
	kinds, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	cutoff := time.Now().Add(-olderThan)
	var stale []string
	for _, k := range kinds {
		if !k.IsDir() {
			continue
		}
		sessions, err := os.ReadDir(filepath.Join(root, k.Name()))
		if err != nil {
			continue
		}
		for _, s := range sessions {
			info, err := s.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			stale = append(stale, filepath.Join(root, k.Name(), s.Name()))
		}
	}
	if len(stale) == 0 {
		return Result{}, nil
	}
	m.log.Info().Str("root", root).Int("count", len(stale)).Msg("sweeping stale install sessions")
	return m.Remove(ctx, stale...)
}
