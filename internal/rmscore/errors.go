// Package rmscore carries the typed error vocabulary shared by every
// component of the execution and risk core, so a rejection reason survives
// from the RMS Gate or a broker adapter all the way out to the HTTP error
// envelope without being flattened into a bare string along the way.
package rmscore

import "fmt"

// Kind classifies an Error the way §7 of the design does: it decides whether
// a caller can fix the input, retry, or must treat the failure as final.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuth          Kind = "auth"
	KindRMS           Kind = "rms"
	KindBrokerSession Kind = "broker_session"
	KindBrokerReject  Kind = "broker_rejected"
	KindAdapterTransport Kind = "adapter_transport"
	KindInternal      Kind = "internal"
)

// Code is a stable machine-readable error code, as enumerated in spec §6.
type Code string

const (
	CodeRMSMaxLoss            Code = "RMS_MAX_LOSS"
	CodeRMSMaxLots            Code = "RMS_MAX_LOTS"
	CodeRMSMargin             Code = "RMS_MARGIN"
	CodeRMSExposure           Code = "RMS_EXPOSURE"
	CodeNoEligibleAccounts    Code = "NO_ELIGIBLE_ACCOUNTS"
	CodeBrokerSessionExpired  Code = "BROKER_SESSION_EXPIRED"
	CodeBrokerRejected        Code = "BROKER_REJECTED"
	CodeAdapterTimeout        Code = "ADAPTER_TIMEOUT"
	CodeAllocationInvalid     Code = "ALLOCATION_INVALID"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeConflict              Code = "CONFLICT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInvalidRequest        Code = "INVALID_REQUEST"
	CodeInternal              Code = "INTERNAL"
)

// Error is the typed error every package boundary in this repo returns
// instead of a bare error, so HTTP handlers and audit logs can render the
// code/message/details triple from spec §6 without re-deriving it.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error that carries an underlying cause for %w-style chains.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured detail fields and returns the receiver for
// chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Retryable reports whether the propagation policy in spec §7 allows a
// single bounded retry for this error's kind (adapter transport only).
func (e *Error) Retryable() bool { return e.Kind == KindAdapterTransport }
