package exitcodes

import "errors"

// ErrorWithExitCode wraps an error with the exit code the process should end with when it reaches main.
type ErrorWithExitCode struct {
	err      error
	exitCode int
}

// NewErrorWithExitCode creates a new error (ErrorWithExitCode) with the provided internal error and exit code.
func NewErrorWithExitCode(err error, exitCode int) *ErrorWithExitCode {
	return &ErrorWithExitCode{
		err:      err,
		exitCode: exitCode,
	}
}

// Error returns the error message string, implementing the `error` interface.
func (e *ErrorWithExitCode) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

// Unwrap returns the inner error.
func (e *ErrorWithExitCode) Unwrap() error {
	return e.err
}

// GetInnerErrorAndExitCode returns the error to report and the exit code to use for err: ExitCodeSuccess for nil,
// the wrapped code for an ErrorWithExitCode anywhere in the chain, and ExitCodeGeneralError otherwise.
func GetInnerErrorAndExitCode(err error) (error, int) {
	if err == nil {
		return nil, ExitCodeSuccess
	}
	var withCode *ErrorWithExitCode
	if errors.As(err, &withCode) {
		return withCode.err, withCode.exitCode
	}
	return err, ExitCodeGeneralError
}
