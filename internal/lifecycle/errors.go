package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is matched by *ConflictError.
	ErrAlreadyRunning = errors.New("proxy already running")
	ErrNotRunning     = errors.New("proxy is not running")
	// ErrPermission is matched by *PermissionError.
	ErrPermission = errors.New("operation not permitted")
)

// ConflictError is returned when a start request collides with a session
// owned by a different integration.
type ConflictError struct {
	Owner string
}

func (e *ConflictError) Error() string {
	if e.Owner == "" {
		return "proxy already running; stop it before starting a new session"
	}
	return fmt.Sprintf("proxy already running for integration %q; stop it before starting a new session", e.Owner)
}

func (e *ConflictError) Is(target error) bool { return target == ErrAlreadyRunning }

// PermissionError is returned when the running session cannot be torn down
// from the control API.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string { return e.Reason }

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }
