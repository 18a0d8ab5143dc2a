package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess           Code = 0
	CodeInternal          Code = 1
	CodeUsage             Code = 2
	CodeAuth              Code = 10
	CodeRateLimited       Code = 11
	CodeUnavailable       Code = 12
	CodeUnsupported       Code = 13
	CodeNotFound          Code = 14
	CodeBlocked           Code = 16
	CodeResolution        Code = 20
	CodeInsufficientFunds Code = 21
	CodeInsufficientGas   Code = 22
	CodeAllowance         Code = 23
	CodeLiquidity         Code = 24
	CodeReverted          Code = 25
	CodeConfirmTimeout    Code = 26
	CodeSigner            Code = 27
	CodeActionPlan        Code = 28
	CodeActionSim         Code = 29
)

var codeTypes = map[Code]string{
	CodeInternal:          "internal_error",
	CodeUsage:             "usage_error",
	CodeAuth:              "auth_error",
	CodeRateLimited:       "rate_limited",
	CodeUnavailable:       "provider_unavailable",
	CodeUnsupported:       "unsupported",
	CodeNotFound:          "not_found",
	CodeBlocked:           "command_blocked",
	CodeResolution:        "resolution_failed",
	CodeInsufficientFunds: "insufficient_funds",
	CodeInsufficientGas:   "insufficient_gas",
	CodeAllowance:         "allowance_required",
	CodeLiquidity:         "liquidity_unavailable",
	CodeReverted:          "transaction_reverted",
	CodeConfirmTimeout:    "confirmation_timeout",
	CodeSigner:            "signer_error",
	CodeActionPlan:        "action_plan_error",
	CodeActionSim:         "simulation_failed",
}

// Error is a typed error that carries a stable error code.
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

// CodeOf returns the outermost typed code in err's chain, or fallback.
func CodeOf(err error, fallback Code) Code {
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return fallback
}

// Is reports whether any typed error in err's chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		var target *Error
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.Cause
	}
	return false
}

// TypeName returns the envelope error type for code.
func TypeName(code Code) string {
	if v, ok := codeTypes[code]; ok {
		return v
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
