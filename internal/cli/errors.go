// Package cli holds the configuration and exit-status plumbing shared by the
// grantry commands.
package cli

import (
	"errors"
	"fmt"
	"os"
)

// Process exit statuses. A denied check is not an error condition, so it
// gets its own status that scripts can test for.
const (
	ExitSuccess   = 0
	ExitGeneral   = 1
	ExitConfig    = 2
	ExitFixture   = 3
	ExitDBConnect = 4
	ExitDenied    = 5
)

// ExitError carries the process exit status a command failure maps to.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// CodeOf returns the exit status for err: ExitSuccess for nil, the code of
// the outermost *ExitError in the chain, and ExitGeneral otherwise.
func CodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitGeneral
}

// ExitWithError reports err on stderr and terminates with CodeOf(err).
func ExitWithError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(CodeOf(err))
}

func exitError(code int, msg string, err error) *ExitError {
	return &ExitError{Code: code, Message: msg, Err: err}
}

// ConfigError reports an unreadable or inconsistent grantry.yaml, or a
// missing data source.
func ConfigError(msg string, err error) *ExitError { return exitError(ExitConfig, msg, err) }

// FixtureError reports a fixture that cannot be read or fails validation.
func FixtureError(msg string, err error) *ExitError { return exitError(ExitFixture, msg, err) }

// DeniedError reports a check that evaluated to Denied.
func DeniedError(msg string) *ExitError { return exitError(ExitDenied, msg, nil) }

// DBConnectError reports a database or cache backend that could not be reached.
func DBConnectError(msg string, err error) *ExitError { return exitError(ExitDBConnect, msg, err) }

// GeneralError covers every other failure.
func GeneralError(msg string, err error) *ExitError { return exitError(ExitGeneral, msg, err) }
