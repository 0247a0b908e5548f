package domain

import "errors"

// Error codes for failures that cross a component boundary. Transient
// failures (IPC timeouts, discovery cycle crashes) are absorbed by their
// owning component and never surface with these codes; only the
// user-actionable ones reach a collaborator.
const (
	CodePoolExhausted      = "POOL_EXHAUSTED"
	CodeIPCTimeout         = "IPC_TIMEOUT"
	CodeProcessDead        = "PROCESS_DEAD"
	CodeTargetUnavailable  = "TARGET_UNAVAILABLE"
	CodeDiscoveryFailed    = "DISCOVERY_CYCLE_FAILED"
	CodeSessionUnreachable = "SESSION_UNREACHABLE"
	CodeUnknownTarget      = "UNKNOWN_TARGET"
	CodeInvalidRequest     = "INVALID_REQUEST"
)

// ControlError is the structured error returned across the core's API
// boundary. The transport layer renders Code/Message for clients.
type ControlError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ControlError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// NewControlError builds a ControlError with no details.
func NewControlError(code, message string) *ControlError {
	return &ControlError{Code: code, Message: message}
}

// ErrorCode extracts the control code from err, or "" when err is not a
// ControlError.
func ErrorCode(err error) string {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
