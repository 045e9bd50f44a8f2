package cli

import (
	"errors"
	"fmt"
)

// Exit codes for the girder command.
const (
	ExitSuccess      = 0 // build completed, everything up to date
	ExitFailure      = 1 // one or more tasks failed
	ExitCommandError = 2 // bad flags, unreadable manifest, missing targets, etc.
)

// ExitError carries an exit code alongside the error message so main can
// translate failures into process status without string matching.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Returns
// ExitCommandError for errors that never picked a code.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}
