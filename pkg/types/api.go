package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: install already in progress
	Error string `json:"error" example:"install already in progress"`
	// HTTP status code.
	// example: 409
	Code int `json:"code" example:"409"`
}

// CancelResponse acknowledges a cancel request. The outcome is observed on the
// install stream.
type CancelResponse struct {
	// example: package
	Kind DependencyKind `json:"kind" example:"package"`
	// example: true
	Accepted bool `json:"accepted" example:"true"`
}
