//go:build !windows

package cleanup

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isLocked reports errors that usually clear once another process lets go of
// the file.
func isLocked(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ETXTBSY) || errors.Is(err, unix.EAGAIN)
}
