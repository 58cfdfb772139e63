package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrEmptyPrompt indicates the prompt was empty.
	ErrEmptyPrompt = errors.New("Prompt is required")
	// ErrInvalidWindowID indicates a window id outside [A-Za-z0-9_-].
	ErrInvalidWindowID = errors.New("invalid window id")
	// ErrInvalidSessionID indicates a session id outside [A-Za-z0-9_-].
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrSessionNotFound indicates a session is unknown to the hub.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSpawnFailed indicates the agent binary could not be started.
	ErrSpawnFailed = errors.New("agent spawn failed")
	// ErrTimeout indicates the agent exceeded its time budget.
	ErrTimeout = errors.New("agent process timed out")
	// ErrCancelled indicates the session was stopped by its caller.
	ErrCancelled = errors.New("agent session cancelled")
	// ErrNonZeroExit indicates the agent exited with a failure code.
	ErrNonZeroExit = errors.New("agent exited with non-zero code")
)

// ExitError reports a non-zero agent exit with captured stderr.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ErrNonZeroExit.Error()
	}
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, stderr)
}

// Unwrap lets errors.Is match ErrNonZeroExit.
func (e *ExitError) Unwrap() error {
	return ErrNonZeroExit
}
