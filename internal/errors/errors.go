// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (registry, decode, query, server, auth)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by the mobile client and the editor
// extension for programmatic error handling. Human-readable messages are
// provided alongside codes.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes by domain.
const (
	// Registry domain - unknown instances and sessions
	CodeInstanceNotFound = "registry.instance_not_found" // Instance never registered or already pruned
	CodeSessionNotFound  = "registry.session_not_found"  // Session not known for the instance

	// Decode domain - session files and mutation logs
	CodeDecodeFailed = "decode.failed" // Session document could not be parsed

	// Query domain - search and history request validation
	CodeQueryInvalid = "query.invalid" // Malformed regex, inverted window, bad parameter

	// Command domain - outbound command validation
	CodeCommandInvalid     = "command.invalid"      // Unknown command type or missing fields
	CodeCommandRateLimited = "command.rate_limited" // Too many commands queued per second
	CodeCommandNotFound    = "command.not_found"    // Ack for a command that is not queued

	// Server domain - HTTP and WebSocket errors
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid request body
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed

	// Auth domain - editor token and paired devices
	CodeAuthRequired = "auth.required" // Authentication required
	CodeAuthInvalid  = "auth.invalid"  // Invalid token or credentials

	// Storage domain - device store
	CodeStorageNotFound   = "storage.not_found"   // Device not found
	CodeStorageOpenFailed = "storage.open_failed" // Database open failed
	CodeStorageSaveFailed = "storage.save_failed" // Failed to save data

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "registry.instance_not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}
	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// IsNotFound reports whether err is an unknown instance or session.
func IsNotFound(err error) bool {
	switch GetCode(err) {
	case CodeInstanceNotFound, CodeSessionNotFound, CodeCommandNotFound, CodeStorageNotFound:
		return true
	}
	return false
}

// InstanceNotFound creates a "registry.instance_not_found" error.
func InstanceNotFound(instanceID string) *CodedError {
	return New(CodeInstanceNotFound, fmt.Sprintf("instance %s not found", instanceID))
}

// SessionNotFound creates a "registry.session_not_found" error.
func SessionNotFound(instanceID, sessionID string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found on instance %s", sessionID, instanceID))
}

// DecodeFailed creates a "decode.failed" error for one session document.
// The failure is scoped to that document; scans omit the record instead.
func DecodeFailed(path string, cause error) *CodedError {
	return Wrap(CodeDecodeFailed, fmt.Sprintf("cannot decode session file %s", path), cause)
}

// InvalidQuery creates a "query.invalid" error naming the offending parameter.
func InvalidQuery(reason string) *CodedError {
	return New(CodeQueryInvalid, fmt.Sprintf("invalid query: %s", reason))
}

// InvalidCommand creates a "command.invalid" error.
func InvalidCommand(reason string) *CodedError {
	return New(CodeCommandInvalid, fmt.Sprintf("invalid command: %s", reason))
}

// CommandNotFound creates a "command.not_found" error.
func CommandNotFound(instanceID, commandID string) *CodedError {
	return New(CodeCommandNotFound, fmt.Sprintf("command %s not queued for instance %s", commandID, instanceID))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// InvalidFields creates a "query.invalid" error listing several bad parameters.
func InvalidFields(fields []string) *CodedError {
	return InvalidQuery(strings.Join(fields, "; "))
}
