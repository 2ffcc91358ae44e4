package download

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrChecksumMismatch indicates the downloaded file does not hash to the expected value.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Error reports a failed transfer. StatusCode is zero for transport failures.
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s %s: http %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed.
func (e *Error) Temporary() bool {
	switch {
	case e.StatusCode >= 500,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode != 0:
		return false
	}
	// transport errors (connect, reset, short read) are worth another attempt
	return e.Op == "get" || e.Op == "read"
}

// IsTemporary reports whether err is a retryable download failure.
func IsTemporary(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Temporary()
}

// ChecksumError describes a sha256 verification failure. It wraps
// ErrChecksumMismatch so callers can use errors.Is.
type ChecksumError struct {
	Path     string
	Expected string
	Got      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum verification failed for %s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }
