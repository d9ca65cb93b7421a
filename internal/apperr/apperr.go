// Package apperr defines the enumerable outcomes returned by the credential
// subsystem and their HTTP mapping.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code identifies a credential-subsystem outcome. Codes are part of the
// public API contract.
type Code string

const (
	CodeMissingUserID      Code = "MISSING_USER_ID"
	CodeMissingToken       Code = "MISSING_TOKEN"
	CodeMissingJTI         Code = "MISSING_JTI"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInvalidToken       Code = "INVALID_TOKEN"
	CodeExpiredToken       Code = "EXPIRED_TOKEN"
	CodeTokenRevoked       Code = "TOKEN_REVOKED"
	CodeUserNotFound       Code = "USER_NOT_FOUND"
	CodeWhitelistRevoked   Code = "WHITELIST_REVOKED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeUserNotWhitelisted Code = "USER_NOT_WHITELISTED"
	CodeTokenNotAvailable  Code = "TOKEN_NOT_AVAILABLE"
	CodeRefreshFailed      Code = "REFRESH_FAILED"
	CodeServiceNotFound    Code = "SERVICE_NOT_FOUND"
	CodeServiceExists      Code = "SERVICE_EXISTS"
	CodeUnavailable        Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is a typed credential-subsystem failure.
type Error struct {
	Code    Code
	Message string
	// Err is the underlying cause. It is logged, never sent to clients.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an *Error that records cause for logging.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf extracts the Code from err, or CodeInternal if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Status maps a code to its HTTP status.
func Status(code Code) int {
	switch code {
	case CodeMissingUserID, CodeMissingToken, CodeMissingJTI, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeInvalidToken, CodeExpiredToken, CodeTokenRevoked, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeWhitelistRevoked, CodeUserNotWhitelisted:
		return http.StatusForbidden
	case CodeUserNotFound, CodeTokenNotAvailable, CodeServiceNotFound:
		return http.StatusNotFound
	case CodeServiceExists:
		return http.StatusConflict
	case CodeRefreshFailed, CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body. Internal errors never expose detail.
func Respond(c *gin.Context, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternal}
	}
	msg := e.Message
	if e.Code == CodeInternal || msg == "" {
		msg = http.StatusText(Status(e.Code))
	}
	c.AbortWithStatusJSON(Status(e.Code), gin.H{"error": msg, "code": e.Code})
}
