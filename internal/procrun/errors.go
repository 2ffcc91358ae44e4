package procrun

import (
	"errors"
	"fmt"
)

// ErrKilled marks a process that was terminated through Kill.
var ErrKilled = errors.New("process killed")

// StartError reports a process that could not be spawned. It unwraps to the
// underlying cause, so errors.Is(err, exec.ErrNotFound) and
// errors.Is(err, os.ErrPermission) work.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string { return fmt.Sprintf("start %s: %v", e.Command, e.Err) }

func (e *StartError) Unwrap() error { return e.Err }

// ExitError reports a process that exited non-zero or was killed.
type ExitError struct {
	Command string
	Code    int
	// Tail holds the last lines written to stderr.
	Tail string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Tail != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.Code, e.Tail)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the executable does not exist.
func IsNotFound(err error) bool {
	var se *StartError
	if !errors.As(err, &se) {
		return false
	}
	return isNotFound(se.Err)
}

// ExitCode extracts the exit code from err, or -1 when err carries none.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}
