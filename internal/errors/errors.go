// Package errors defines the error taxonomy shared by every upstream
// operation, and the classification helper used to translate transport and
// protocol failures into it.
package errors

import (
	"context"
	stderrors "errors"
	"regexp"
)

// Code identifies one of the operation-level failure categories a caller of
// the upstream manager needs to distinguish.
type Code string

const (
	CodeConfigNotFound     Code = "config_not_found"
	CodeAuthenticationErr  Code = "authentication_error"
	CodeHTTPError          Code = "http_error"
	CodeMCPConnectionError Code = "mcp_connection_error"
	CodeOperationError     Code = "operation_error"
	CodeInvalidSessionID   Code = "invalid_session_id"
	CodeOperationTimedOut  Code = "operation_timed_out"
	CodeOperationCancelled Code = "operation_cancelled"
)

// Sentinel errors. Wrap one of these with *OperationError so callers can use
// errors.Is/errors.As without caring about the operation or server involved.
var (
	ErrConfigNotFound     = stderrors.New("server configuration not found")
	ErrAuthentication     = stderrors.New("authentication required")
	ErrHTTP               = stderrors.New("http error from upstream server")
	ErrMCPConnection      = stderrors.New("failed to establish mcp session")
	ErrOperation          = stderrors.New("mcp operation failed")
	ErrInvalidSessionID   = stderrors.New("invalid or expired session id")
	ErrOperationTimedOut  = stderrors.New("operation timed out")
	ErrOperationCancelled = stderrors.New("operation cancelled")
)

// OperationError carries the operation name and server identity alongside
// one of the sentinel errors above.
type OperationError struct {
	Op     string
	Server string
	Status int // HTTP status code, when known; 0 otherwise.
	Err    error
}

func (e *OperationError) Error() string {
	if e.Server == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " (" + e.Server + "): " + e.Err.Error()
}

func (e *OperationError) Unwrap() error { return e.Err }

// New builds an *OperationError wrapping one of the sentinel codes above.
func New(op, server string, sentinel error) *OperationError {
	return &OperationError{Op: op, Server: server, Err: sentinel}
}

// NewHTTP builds an *OperationError for a non-2xx response, preserving the
// status code for 401-branch detection upstream.
func NewHTTP(op, server string, status int, cause error) *OperationError {
	err := cause
	if err == nil {
		err = ErrHTTP
	}
	return &OperationError{Op: op, Server: server, Status: status, Err: joinSentinel(err, ErrHTTP)}
}

func joinSentinel(cause, sentinel error) error {
	if stderrors.Is(cause, sentinel) {
		return cause
	}
	return stderrors.Join(cause, sentinel)
}

// Classify classifies err into one of the taxonomy codes, unwrapping joined or
// grouped errors (as produced by errors.Join) to find the first cause that
// matches a known sentinel, mirroring the original implementation's
// ExceptionGroup-scanning behavior: the first matching sub-error wins.
func Classify(err error) (Code, bool) {
	if err == nil {
		return "", false
	}

	// errors.Join targets cannot be unwrapped with a single Unwrap() error,
	// so walk the multi-error interface directly, before the errors.Is checks
	// below (which would match any sub-error in category order): the first
	// sub-error that matches a known sentinel wins, the same precedence the
	// original implementation gives eg.exceptions[0].
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, sub := range joined.Unwrap() {
			if code, _ := Classify(sub); code != CodeOperationError || stderrors.Is(sub, ErrOperation) {
				return code, true
			}
		}
	}

	switch {
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, ErrOperationCancelled):
		return CodeOperationCancelled, true
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, ErrOperationTimedOut):
		return CodeOperationTimedOut, true
	case stderrors.Is(err, ErrInvalidSessionID):
		return CodeInvalidSessionID, true
	case stderrors.Is(err, ErrAuthentication):
		return CodeAuthenticationErr, true
	case stderrors.Is(err, ErrConfigNotFound):
		return CodeConfigNotFound, true
	case stderrors.Is(err, ErrHTTP):
		return CodeHTTPError, true
	case stderrors.Is(err, ErrMCPConnection):
		return CodeMCPConnectionError, true
	case stderrors.Is(err, ErrOperation):
		return CodeOperationError, true
	}

	return CodeOperationError, true
}

// StatusOf extracts the HTTP status code recorded on an *OperationError
// chain, if any, used to detect a 401 that should trigger the OAuth branch.
func StatusOf(err error) (int, bool) {
	var opErr *OperationError
	if stderrors.As(err, &opErr) && opErr.Status != 0 {
		return opErr.Status, true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, sub := range joined.Unwrap() {
			if status, ok := StatusOf(sub); ok {
				return status, true
			}
		}
	}

	// The go-sdk's own transport errors carry the HTTP status only in their
	// message text (e.g. "streamable http POST failed: 401 Unauthorized"),
	// so fall back to scanning for it rather than missing the 401 branch
	// entirely for errors that never passed through New/NewHTTP.
	if m := statusInText.FindStringSubmatch(err.Error()); m != nil {
		var status int
		for _, c := range m[1] {
			status = status*10 + int(c-'0')
		}
		return status, true
	}
	return 0, false
}

var statusInText = regexp.MustCompile(`(?i)(?:status(?:\s*code)?|http)\D{0,10}([1-5][0-9]{2})\b`)
