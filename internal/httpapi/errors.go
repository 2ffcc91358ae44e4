package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"provisiond/internal/provision"
	"provisiond/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case errors.Is(err, provision.ErrUnsupported):
		return http.StatusBadRequest
	case provision.IsIllegalState(err):
		return http.StatusConflict
	case errors.Is(err, provision.ErrClosed), provision.IsTransient(err):
		return http.StatusServiceUnavailable
	case provision.IsPermissionDenied(err):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// rejectionReason labels a 4xx/5xx for the rejections counter.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, provision.ErrInstallInProgress):
		return "in_progress"
	case errors.Is(err, provision.ErrDependencyOrder):
		return "dependency_order"
	case errors.Is(err, provision.ErrNotInstalling):
		return "not_installing"
	case errors.Is(err, provision.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, provision.ErrClosed):
		return "closed"
	case provision.IsIllegalState(err):
		return "illegal_state"
	}
	if c := provision.ClassOf(err); c != "" {
		return string(c)
	}
	return "internal"
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeServiceError maps err, counts the rejection and writes the payload.
// It returns the status written.
func writeServiceError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	IncrementRejection(rejectionReason(err))
	writeJSONError(w, status, err.Error())
	return status
}
