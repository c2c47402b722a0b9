package auth

import "errors"

// Code identifies one member of the closed set of auth failures.
type Code string

const (
	CodeValidation              Code = "VALIDATION_ERROR"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeInvalidCredentials      Code = "INVALID_CREDENTIALS"
	CodeAccountDisabled         Code = "ACCOUNT_DISABLED"
	CodeAccountLocked           Code = "ACCOUNT_LOCKED"
	CodeTokenExpired            Code = "TOKEN_EXPIRED"
	CodeInvalidToken            Code = "INVALID_TOKEN"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeNotFound                Code = "NOT_FOUND"
	CodeConflict                Code = "CONFLICT"
	CodeInternal                Code = "INTERNAL_ERROR"
)

// Error is the only error type that leaves the auth package towards callers.
// Two errors are equal under errors.Is when their codes match, so callers can
// compare against the sentinels below even when the message was specialised.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return "auth: " + e.Message
}

// Is reports code equality.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation              = &Error{Code: CodeValidation, Message: "invalid input"}
	ErrUnauthorized            = &Error{Code: CodeUnauthorized, Message: "authentication required"}
	ErrInvalidCredentials      = &Error{Code: CodeInvalidCredentials, Message: "invalid email or password"}
	ErrAccountDisabled         = &Error{Code: CodeAccountDisabled, Message: "account is disabled"}
	ErrAccountLocked           = &Error{Code: CodeAccountLocked, Message: "account is temporarily locked"}
	ErrTokenExpired            = &Error{Code: CodeTokenExpired, Message: "token expired"}
	ErrInvalidToken            = &Error{Code: CodeInvalidToken, Message: "invalid token"}
	ErrInsufficientPermissions = &Error{Code: CodeInsufficientPermissions, Message: "insufficient permissions"}
	ErrNotFound                = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConflict                = &Error{Code: CodeConflict, Message: "resource conflict"}
	ErrInternal                = &Error{Code: CodeInternal, Message: "internal error"}
)

func invalidf(msg string) error {
	return &Error{Code: CodeValidation, Message: msg}
}

// CodeOf returns the code carried by err, or CodeInternal for anything that is
// not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
