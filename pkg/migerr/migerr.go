// Package migerr defines the typed error taxonomy shared across the
// migration pipeline, generalized from an HTTP-registry error-code
// scheme into the recovery classes a migration driver needs to branch
// on (retry, reauthenticate, abort, switch strategy).
package migerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the recovery action a caller should take.
type Kind string

const (
	KindNetworkTransient Kind = "network_transient"
	KindNetworkPermanent Kind = "network_permanent"
	KindAuthExpired      Kind = "auth_expired"
	KindAuthPermanent    Kind = "auth_permanent"
	KindProtocol         Kind = "protocol"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindIntegrity        Kind = "integrity"
	KindCancelled        Kind = "cancelled"
	KindEmailTokenMissing Kind = "email_token_missing"
	KindEmailTokenInvalid Kind = "email_token_invalid"
)

// Error is the concrete error type carried through the pipeline. A nil
// *Error is never a valid error; construct with New or Wrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a Kind-tagged error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags cause with kind, preserving it for errors.Is/As chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Retryable reports whether the kind represents a condition a retry
// loop should attempt again (possibly after backoff or reauthentication).
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkTransient, KindAuthExpired:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is
// an *Error, defaulting to KindProtocol otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProtocol
}
