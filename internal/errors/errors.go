package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeStale       Code = 14
	CodeBlocked     Code = 16
	CodeSigner      Code = 17
	CodeTimeout     Code = 18

	// Sweep taxonomy. Everything except CodeSweepRunning is recorded per token
	// in the run report and never aborts a batch.
	CodeInvalidState            Code = 20
	CodeUnconfiguredDestination Code = 21
	CodeTokenNotFound           Code = 22
	CodeSimulationFailed        Code = 23
	CodeSubmissionRejected      Code = 24
	CodeSweepRunning            Code = 25
	CodeCancelled               Code = 26
)

var typeNames = map[Code]string{
	CodeInternal:                "internal_error",
	CodeUsage:                   "usage_error",
	CodeAuth:                    "auth_error",
	CodeRateLimited:             "rate_limited",
	CodeUnavailable:             "provider_unavailable",
	CodeUnsupported:             "unsupported",
	CodeStale:                   "stale_data",
	CodeBlocked:                 "command_blocked",
	CodeSigner:                  "signer_error",
	CodeTimeout:                 "timeout",
	CodeInvalidState:            "invalid_state",
	CodeUnconfiguredDestination: "unconfigured_destination",
	CodeTokenNotFound:           "token_not_found",
	CodeSimulationFailed:        "simulation_failed",
	CodeSubmissionRejected:      "submission_rejected",
	CodeSweepRunning:            "sweep_already_running",
	CodeCancelled:               "cancelled",
}

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether the outermost typed error in err's chain carries code.
func Is(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}

// TypeName returns the snake_case name used in envelopes and run reports.
func TypeName(code Code) string {
	if name, ok := typeNames[code]; ok {
		return name
	}
	return "internal_error"
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}
