package provision

import (
	"context"
	"errors"
	"os"
	"strings"

	"provisiond/internal/download"
	"provisiond/internal/procrun"
	"provisiond/pkg/types"
)

var permissionHints = []string{
	"permission denied",
	"access is denied",
	"requires elevation",
	"eacces",
	"operation not permitted",
}

var lockHints = []string{
	"being used by another process",
	"resource busy",
	"text file busy",
	"could not acquire lock",
	"another instance",
}

var diskFullHints = []string{
	"no space left on device",
	"not enough space on the disk",
}

var remediation = map[types.ErrorClass]string{
	types.ClassDetectionAmbiguous:   "Restart the service so the updated PATH is picked up, then check again.",
	types.ClassTransientIO:          "Check the network connection and close programs that may hold the files, then retry.",
	types.ClassPermissionDenied:     "Re-run with administrator rights or install into a user-writable location.",
	types.ClassVerificationMismatch: "The installer finished but the dependency was not detected; retry, or restart to refresh PATH.",
	types.ClassCancelled:            "Install was cancelled; start it again when ready.",
	types.ClassInstallFailed:        "Inspect the installer output in the logs and retry.",
	types.ClassFault:                "Fix the reported environment problem (disk space, configuration) before retrying.",
}

// newInstallError builds an InstallError with the default remediation for class.
func newInstallError(kind types.DependencyKind, class types.ErrorClass, reason string, err error) *InstallError {
	return &InstallError{Kind: kind, Class: class, Reason: reason, Remediation: remediation[class], Err: err}
}

// classify maps a raw installer failure onto an InstallError.
func classify(kind types.DependencyKind, err error) *InstallError {
	var ie *InstallError
	if errors.As(err, &ie) {
		if ie.Kind == "" {
			ie.Kind = kind
		}
		if ie.Remediation == "" {
			ie.Remediation = remediation[ie.Class]
		}
		return ie
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, procrun.ErrKilled) {
		return newInstallError(kind, types.ClassCancelled, "cancelled", err)
	}
	if errors.Is(err, download.ErrChecksumMismatch) {
		return newInstallError(kind, types.ClassVerificationMismatch, "downloaded file failed checksum verification", err)
	}
	if download.IsTemporary(err) {
		return newInstallError(kind, types.ClassTransientIO, err.Error(), err)
	}

	tail := ""
	var ee *procrun.ExitError
	if errors.As(err, &ee) {
		tail = strings.ToLower(ee.Tail)
	}
	switch {
	case errors.Is(err, os.ErrPermission),
		ee != nil && isPermissionExit(ee.Code),
		containsAny(tail, permissionHints):
		return newInstallError(kind, types.ClassPermissionDenied, "insufficient permissions", err)
	case isDiskFull(err), containsAny(tail, diskFullHints):
		return newInstallError(kind, types.ClassFault, "disk is full", err)
	case isLockErr(err), containsAny(tail, lockHints):
		return newInstallError(kind, types.ClassTransientIO, "files are locked by another process", err)
	case procrun.IsNotFound(err):
		return newInstallError(kind, types.ClassDetectionAmbiguous, "required executable not found", err)
	case ee != nil:
		return newInstallError(kind, types.ClassInstallFailed, lastLine(ee.Tail, err), err)
	}
	return newInstallError(kind, types.ClassFault, err.Error(), err)
}

func containsAny(s string, needles []string) bool {
	if s == "" {
		return false
	}
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lastLine(tail string, err error) string {
	lines := strings.Split(strings.TrimSpace(tail), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return err.Error()
}
