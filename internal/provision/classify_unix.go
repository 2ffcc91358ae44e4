//go:build !windows

package provision

import (
	"errors"

	"golang.org/x/sys/unix"
)

// 126: found but not executable; 77: EX_NOPERM.
func isPermissionExit(code int) bool { return code == 126 || code == 77 }

func isDiskFull(err error) bool { return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT) }

func isLockErr(err error) bool { return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ETXTBSY) }
