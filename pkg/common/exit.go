package common

import (
	"errors"
	"fmt"
	"os/exec"
)

// ExitError reports that an external tool (delta codec, hypervisor) exited with a nonzero status.
type ExitError struct {
	Cmd  string
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Cmd, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError converts an *exec.ExitError into an *ExitError and passes other errors through.
func WrapExitError(cmd string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Cmd:  cmd,
			Code: exitErr.ExitCode(),
			Err:  err,
		}
	}

	return err
}

// ExitCode returns the exit status carried by err, or fallback if there is none.
func ExitCode(err error, fallback int) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		return exitErr.Code
	}

	return fallback
}
