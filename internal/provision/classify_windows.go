//go:build windows

package provision

import (
	"errors"

	"golang.org/x/sys/windows"
)

// 5: access denied, 740: elevation required, 1223: UAC prompt declined.
func isPermissionExit(code int) bool { return code == 5 || code == 740 || code == 1223 }

func isDiskFull(err error) bool {
	return errors.Is(err, windows.ERROR_DISK_FULL) || errors.Is(err, windows.ERROR_HANDLE_DISK_FULL)
}

func isLockErr(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) || errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
