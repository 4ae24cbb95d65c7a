package core

import (
	"errors"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Error codes reported to clients.
const (
	ErrCodeValidation       = "validation_error"
	ErrCodeStorage          = "storage_error"
	ErrCodeDuplicateSession = "duplicate_session"
	ErrCodeInternal         = "internal_error"
)

var (
	// ErrDuplicateSession is returned when a session id is registered twice.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrSessionGone is returned by a Deliverer for a session that no longer has a connection.
	ErrSessionGone = errors.New("session gone")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// ToCoreError classifies an error returned by the core for a client.
func ToCoreError(err error) *CoreError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrValidation):
		return coreError(ErrCodeValidation, "message content must not be empty")
	case errors.Is(err, store.ErrStorage):
		return coreError(ErrCodeStorage, "message could not be stored")
	case errors.Is(err, ErrDuplicateSession):
		return coreError(ErrCodeDuplicateSession, "session already connected")
	default:
		return coreError(ErrCodeInternal, "internal error")
	}
}
