package session

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes session failures.
type ErrorCode string

const (
	// ErrCodeConsentDeclined means one side's consent policy refused
	// the session.
	ErrCodeConsentDeclined ErrorCode = "CONSENT_DECLINED"

	// ErrCodeTransferFailed means inventory or content exchange failed
	// mid-session.
	ErrCodeTransferFailed ErrorCode = "TRANSFER_FAILED"

	// ErrCodeTimeout means the session exceeded its computed deadline.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeBusy means a session against the same peer is already
	// running.
	ErrCodeBusy ErrorCode = "BUSY"
)

// Error is a structured session failure with the phase it occurred in.
type Error struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Peer      string
	Phase     Phase
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s: %s (session=%s, peer=%s, phase=%s)",
			e.Code, e.Message, e.SessionID, e.Peer, e.Phase)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is a session Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
