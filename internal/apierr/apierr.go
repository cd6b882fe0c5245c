// Package apierr defines the tagged error type and numeric code table
// shared by the agent and the client SDK, replacing ad-hoc error classes
// with a single variant carrying a stable code, a message, and context.
package apierr

import "fmt"

// Code is a stable, wire-visible error code. Codes are the public contract;
// messages are advisory only.
type Code int

const (
	// Auth
	CodeUnauthorized Code = 1401
	CodeInvalidToken Code = 1402
	CodeTokenExpired Code = 1403

	// Client request
	CodeValidationError  Code = 1400
	CodeInvalidRequest   Code = 1422
	CodeNotFound         Code = 1404
	CodeMethodNotAllowed Code = 405

	// Conflict
	CodeConflict Code = 1409

	// File I/O
	CodeFileTooLarge      Code = 1460
	CodeDirectoryNotEmpty Code = 1461
	CodeDiskFull          Code = 1462
	CodeFileLocked        Code = 1463
	CodeFileOperationErr  Code = 1464
	CodeDirectoryNotFound Code = 1465
	CodeNotADirectory     Code = 1466

	// Path safety
	CodeInvalidPath           Code = 1470
	CodePathTraversalDetected Code = 1471

	// Timeout
	CodeOperationTimeout  Code = 1480
	CodeSessionTimeout    Code = 1481
	CodeConnectionTimeout Code = 1482

	// Server
	CodeInternalError      Code = 1500
	CodePanic              Code = 1501
	CodeServiceUnavailable Code = 1502
	CodeServerUnavailable  Code = 1503
	CodeConnectionFailed   Code = 1504

	// Devbox lifecycle
	CodeDevboxNotReady Code = 1600

	// Capacity
	CodeConnectionPoolExhausted Code = 1700

	// Process / session specific
	CodeProcessNotFound   Code = 1404
	CodeInvalidSignal     Code = 1423
	CodeSessionNotFound   Code = 1404
	CodeSessionTerminated Code = 1424
)

// retryable marks which codes the retry policy (pkg/client's doWithRetry) is
// allowed to retry. Consult this table, never a generic heuristic (per the
// design note that retry logic must consult the code table).
var retryable = map[Code]bool{
	CodeOperationTimeout:        true,
	CodeSessionTimeout:          true,
	CodeConnectionTimeout:       true,
	CodeInternalError:           true,
	CodePanic:                   true,
	CodeServiceUnavailable:      true,
	CodeServerUnavailable:       true,
	CodeConnectionFailed:        true,
	CodeDevboxNotReady:          true,
	CodeConnectionPoolExhausted: true,
	CodeDiskFull:                true,
}

// Error is the single tagged error type used across the agent and client.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return fmt.Sprintf("apierr: code %d", e.Code)
	}
	return fmt.Sprintf("apierr: %s (code %d)", e.Message, e.Code)
}

// New constructs an *Error with no context.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithContext returns a copy of e with the given key/value merged into its
// context map. Safe to call on a nil receiver; returns nil.
func (e *Error) WithContext(key string, value any) *Error {
	if e == nil {
		return nil
	}
	cp := &Error{Code: e.Code, Message: e.Message, Context: make(map[string]any, len(e.Context)+1)}
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return cp
}

// Retryable reports whether the retry policy may retry this error's code.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return retryable[e.Code]
}

// Is lets errors.Is match two *Error values by code alone, so callers can
// write `errors.Is(err, apierr.New(apierr.CodeNotFound, ""))`.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// From coerces an arbitrary error into an *Error, defaulting unrecognized
// errors to CodeInternalError so every agent response still fits the
// envelope.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
