package engine

import "fmt"

type ErrorCode string

const (
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeGuardFailed       ErrorCode = "GUARD_FAILED"
	CodeEntityNotFound    ErrorCode = "ENTITY_NOT_FOUND"
)

// TransitionError carries a machine-readable code back to the caller. Worker
// side failures never surface through this type; they are logged at the
// worker boundary.
type TransitionError struct {
	Code    ErrorCode
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalidTransition(format string, args ...any) *TransitionError {
	return &TransitionError{Code: CodeInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

func guardFailed(format string, args ...any) *TransitionError {
	return &TransitionError{Code: CodeGuardFailed, Message: fmt.Sprintf(format, args...)}
}

func entityNotFound(format string, args ...any) *TransitionError {
	return &TransitionError{Code: CodeEntityNotFound, Message: fmt.Sprintf(format, args...)}
}
