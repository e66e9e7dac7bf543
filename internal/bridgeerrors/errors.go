// Package bridgeerrors provides the bridge's error taxonomy: a single
// tagged error type plus constructors for each recoverable/non-recoverable
// failure category surfaced over the command/event protocol.
package bridgeerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a taxonomy entry. String values are stable and appear
// verbatim in error events and diagnostic responses.
type Code string

const (
	CodeParseError             Code = "PARSE_ERROR"
	CodeInvalidCommand         Code = "INVALID_COMMAND"
	CodeWorkspaceBusy          Code = "WORKSPACE_BUSY"
	CodeSessionNotFound        Code = "SESSION_NOT_FOUND"
	CodeSessionInactive        Code = "SESSION_INACTIVE"
	CodeAuthError              Code = "AUTH_ERROR"
	CodeMessageProcessingError Code = "MESSAGE_PROCESSING_ERROR"
	CodeBridgeDisconnected     Code = "BRIDGE_DISCONNECTED"
	CodeSerializationError     Code = "SERIALIZATION_ERROR"
	CodePermissionTimeout      Code = "PERMISSION_TIMEOUT"
	CodeSpawnFailed            Code = "SPAWN_FAILED"
	CodeDisconnected           Code = "DISCONNECTED"
	CodeSessionClosed          Code = "SESSION_CLOSED"
	CodeAbortedError           Code = "ABORTED"
	CodeInternalError          Code = "INTERNAL_ERROR"
)

// Recoverable reports whether errors of this code leave the bridge (and
// other sessions) running. Non-recoverable codes scope to exactly one
// session; BridgeDisconnected is the one code that is never recoverable
// at the bridge level.
func (c Code) Recoverable() bool {
	switch c {
	case CodeAuthError, CodeMessageProcessingError, CodeBridgeDisconnected:
		return false
	default:
		return true
	}
}

// httpStatus is used only by the optional diagnostic HTTP surface; the
// stdio protocol never sends a status code, only the error string.
func (c Code) httpStatus() int {
	switch c {
	case CodeSessionNotFound:
		return http.StatusNotFound
	case CodeInvalidCommand, CodeParseError, CodeSerializationError:
		return http.StatusBadRequest
	case CodeWorkspaceBusy, CodeSessionInactive, CodeSessionClosed:
		return http.StatusConflict
	case CodeAuthError:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// BridgeError is the bridge's single application error type.
type BridgeError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Err        error
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BridgeError) Unwrap() error { return e.Err }

func newError(code Code, message string, err error) *BridgeError {
	return &BridgeError{Code: code, Message: message, HTTPStatus: code.httpStatus(), Err: err}
}

func ParseError(message string, err error) *BridgeError {
	return newError(CodeParseError, message, err)
}

func InvalidCommand(message string) *BridgeError {
	return newError(CodeInvalidCommand, message, nil)
}

func WorkspaceBusy(workspaceID string) *BridgeError {
	return newError(CodeWorkspaceBusy, fmt.Sprintf("workspace %q already has an active session", workspaceID), nil)
}

func SessionNotFound(sessionID string) *BridgeError {
	return newError(CodeSessionNotFound, fmt.Sprintf("session %q not found", sessionID), nil)
}

func SessionInactive(sessionID string) *BridgeError {
	return newError(CodeSessionInactive, fmt.Sprintf("session %q is not active", sessionID), nil)
}

func AuthError(message string) *BridgeError {
	return newError(CodeAuthError, message, nil)
}

func MessageProcessingError(sessionID string, err error) *BridgeError {
	return newError(CodeMessageProcessingError, fmt.Sprintf("session %q consumer loop failed", sessionID), err)
}

func BridgeDisconnected(err error) *BridgeError {
	return newError(CodeBridgeDisconnected, "vendor process exited unexpectedly", err)
}

func SerializationError(err error) *BridgeError {
	return newError(CodeSerializationError, "failed to serialize event", err)
}

func PermissionTimeout() *BridgeError {
	return newError(CodePermissionTimeout, "permission request timed out", nil)
}

func SpawnFailed(command string, err error) *BridgeError {
	return newError(CodeSpawnFailed, fmt.Sprintf("failed to spawn %q", command), err)
}

func Disconnected() *BridgeError {
	return newError(CodeDisconnected, "process has exited", nil)
}

func SessionClosed(sessionID string) *BridgeError {
	return newError(CodeSessionClosed, fmt.Sprintf("session %q closed", sessionID), nil)
}

func Aborted() *BridgeError {
	return newError(CodeAbortedError, "aborted by vendor", nil)
}

func Internal(message string, err error) *BridgeError {
	return newError(CodeInternalError, message, err)
}

// Is reports whether err is a BridgeError with the given code.
func Is(err error, code Code) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, or CodeInternalError if err is not
// a BridgeError.
func CodeOf(err error) Code {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternalError
}
