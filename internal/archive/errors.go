package archive

import (
	"errors"
	"fmt"
)

// ErrorCode classifies archive failures so callers can pick a retry policy
// without string matching.
type ErrorCode string

const (
	CodeNetwork      ErrorCode = "network"       // transport failure, caller may retry
	CodeAuth         ErrorCode = "auth"          // missing/expired/invalid credentials
	CodeNotFound     ErrorCode = "not_found"     // requested entity does not exist
	CodeNameConflict ErrorCode = "name_conflict" // a sibling with the requested name exists
	CodeQuota        ErrorCode = "quota"         // upload rejected for space reasons
	CodeBadRequest   ErrorCode = "bad_request"   // request rejected by server validation
)

// Error is the typed failure surfaced by every client operation.
type Error struct {
	Code    ErrorCode
	Status  int // HTTP status when applicable, 0 for transport errors
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("archive: %s (http %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("archive: %s: %s", e.Code, e.Message)
}

// NewError constructs a typed archive error. Exposed for fault injection in
// consumer tests.
func NewError(code ErrorCode, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func newError(code ErrorCode, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

func codeOf(err error) (ErrorCode, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}

// IsAuth reports whether err is an authentication/authorization failure.
func IsAuth(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeAuth
}

// IsNotFound reports whether err indicates a missing entity.
func IsNotFound(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeNotFound
}

// IsNameConflict reports whether err indicates a sibling name collision.
func IsNameConflict(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeNameConflict
}

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeNetwork
}
