package main

import (
	"errors"
	"fmt"
)

// Exit codes per the orchestrator's documented CLI contract: 0 clean
// shutdown, 1 fatal init error, 2 config invalid, 3 unrecoverable runtime
// error. cobra's Execute only reports success/failure, so run returns a
// *runError carrying which of these applies, and main switches on it.
const (
	exitOK          = 0
	exitInitError   = 1
	exitConfigError = 2
	exitRuntimeErr  = 3
)

// runError wraps a failure with the exit code main() should use.
type runError struct {
	code int
	err  error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func configErrorf(format string, args ...any) error {
	return &runError{code: exitConfigError, err: fmt.Errorf(format, args...)}
}

func initErrorf(format string, args ...any) error {
	return &runError{code: exitInitError, err: fmt.Errorf(format, args...)}
}

func runtimeErrorf(format string, args ...any) error {
	return &runError{code: exitRuntimeErr, err: fmt.Errorf(format, args...)}
}

// exitCodeOf extracts the exit code for err, defaulting to exitInitError
// for any error not wrapped as a runError (e.g. cobra's own flag-parsing
// errors, which fail before run ever gets a chance to classify them).
func exitCodeOf(err error) int {
	if err == nil {
		return exitOK
	}
	var re *runError
	if errors.As(err, &re) {
		return re.code
	}
	return exitInitError
}
