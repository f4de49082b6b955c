// Package exitcodes defines the process exit codes of the harvest CLI so that
// schedulers (cron, Kubernetes jobs, Temporal) can tell a retryable outcome
// from one that needs an operator.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	// Success - run completed and the staging collection was promoted
	Success = 0

	// ConfigError - configuration/YAML parsing or validation errors (don't retry)
	ConfigError = 1

	// StoreError - verbatim store or source connection errors (recoverable)
	StoreError = 2

	// HarvestError - permanent fetch or write error aborted the run
	HarvestError = 3

	// RegressionError - cutover rejected because staging shrank below min_ratio
	RegressionError = 4

	// Canceled - run canceled via SIGINT/SIGTERM or scheduler (recoverable)
	Canceled = 5

	// StateError - run-history backend errors or unknown run IDs
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromStatus maps a terminal harvest run status to an exit code. A failed run
// whose cutover was rejected reports RegressionError rather than HarvestError.
func FromStatus(status string, rejected bool) int {
	switch status {
	case "success":
		return Success
	case "canceled":
		return Canceled
	case "failed":
		if rejected {
			return RegressionError
		}
		return HarvestError
	default:
		return StateError
	}
}

// FromError determines the appropriate exit code for an error.
// It examines error types first and falls back to message keywords.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Canceled
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Checked before ConfigError so "cutover rejected: regression" never
	// matches a config keyword.
	if containsAny(errStr, []string{
		"regression",
		"cutover rejected",
		"below min_ratio",
	}) {
		return RegressionError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"invalid provider",
		"unknown provider",
		"missing required",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
		"authentication",
	}) {
		return StoreError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Canceled
	}

	if containsAny(errStr, []string{
		"run history",
		"state",
		"run not found",
	}) {
		return StateError
	}

	return HarvestError
}

// IsRecoverable returns true if the exit code is safe to retry.
func IsRecoverable(code int) bool {
	switch code {
	case StoreError, Canceled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case StoreError:
		return "store connection error (recoverable)"
	case HarvestError:
		return "harvest error"
	case RegressionError:
		return "cutover rejected (regression)"
	case Canceled:
		return "canceled (recoverable)"
	case StateError:
		return "run history error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
