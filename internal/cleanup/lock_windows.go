//go:build windows

package cleanup

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isLocked reports errors Windows returns while another process holds a handle
// on the file.
func isLocked(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_LOCK_VIOLATION) ||
		errors.Is(err, windows.ERROR_ACCESS_DENIED)
}
