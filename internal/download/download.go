// Package download streams remote artifacts to disk with cancellation,
// throttled progress reporting and optional sha256 verification.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultProgressInterval = 250 * time.Millisecond
	defaultUserAgent        = "provisiond"
	chunkSize               = 32 * 1024
)

// Config configures a Downloader. Zero values use defaults.
type Config struct {
	Client           *http.Client
	Logger           zerolog.Logger
	ProgressInterval time.Duration
	UserAgent        string
}

// Request names what to fetch and where to write it.
type Request struct {
	URL  string
	Dest string
	// SHA256 is the expected lowercase hex digest. Empty skips verification.
	SHA256 string
}

// Progress is reported while bytes arrive. Total is -1 when unknown.
type Progress struct {
	Transferred int64
	Total       int64
}

// Result describes what ended up on disk. Partial is set whenever the
// transfer stopped early; the file is left in place for the caller to clean.
type Result struct {
	Path    string
	Bytes   int64
	Total   int64
	Partial bool
}

// Downloader fetches URLs to local files.
type Downloader struct {
	client   *http.Client
	log      zerolog.Logger
	interval time.Duration
	ua       string
}

// New returns a Downloader configured by cfg.
func New(cfg Config) *Downloader {
	d := &Downloader{client: cfg.Client, log: cfg.Logger, interval: cfg.ProgressInterval, ua: cfg.UserAgent}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.interval <= 0 {
		d.interval = defaultProgressInterval
	}
	if d.ua == "" {
		d.ua = defaultUserAgent
	}
	return d
}

// Fetch streams req.URL into req.Dest. ctx is checked between chunks. The
// progress callback is throttled to at most one call per progress interval,
// plus a final call once the body is fully read.
func (d *Downloader) Fetch(ctx context.Context, req Request, onProgress func(Progress)) (Result, error) {
	res := Result{Path: req.Dest, Total: -1}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return res, &Error{Op: "request", URL: req.URL, Err: err}
	}
	hreq.Header.Set("User-Agent", d.ua)

	start := time.Now()
	resp, err := d.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &Error{Op: "get", URL: req.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return res, &Error{Op: "get", URL: req.URL, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength >= 0 {
		res.Total = resp.ContentLength
	}

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return res, fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(req.Dest)
	if err != nil {
		return res, fmt.Errorf("create download file: %w", err)
	}

	var h hash.Hash
	var w io.Writer = f
	if req.SHA256 != "" {
		h = sha256.New()
		w = io.MultiWriter(f, h)
	}

	throttle := rate.Sometimes{Interval: d.interval}
	report := func() {
		if onProgress != nil {
			onProgress(Progress{Transferred: res.Bytes, Total: res.Total})
		}
	}

	buf := make([]byte, chunkSize)
	var copyErr error
	for {
		if err := ctx.Err(); err != nil {
			copyErr = err
			break
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				copyErr = fmt.Errorf("write %s: %w", req.Dest, werr)
				break
			}
			res.Bytes += int64(n)
			throttle.Do(report)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				copyErr = ctx.Err()
			} else {
				copyErr = &Error{Op: "read", URL: req.URL, Err: rerr}
			}
			break
		}
	}
	if cerr := f.Close(); cerr != nil && copyErr == nil {
		copyErr = fmt.Errorf("close %s: %w", req.Dest, cerr)
	}
	if copyErr == nil && res.Total >= 0 && res.Bytes != res.Total {
		copyErr = &Error{Op: "read", URL: req.URL, Err: io.ErrUnexpectedEOF}
	}
	if copyErr != nil {
		res.Partial = true
		d.log.Debug().Str("url", req.URL).Int64("bytes", res.Bytes).Err(copyErr).Msg("download interrupted")
		return res, copyErr
	}
	report()

	if h != nil {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, req.SHA256) {
			return res, &ChecksumError{Path: req.Dest, Expected: strings.ToLower(req.SHA256), Got: got}
		}
	}
	d.log.Debug().Str("url", req.URL).Int64("bytes", res.Bytes).
		Int64("dur_ms", time.Since(start).Milliseconds()).Msg("download complete")
	return res, nil
}

// VerifyFile hashes the file at path and compares it with expected.
func VerifyFile(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return &ChecksumError{Path: path, Expected: strings.ToLower(expected), Got: got}
	}
	return nil
}

// IsCancelled reports whether err came from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
