// Package mailerr defines the error taxonomy shared by the queue manager,
// dispatcher, composer and transport so that callers can classify a
// failure without string-matching error messages.
package mailerr

import "fmt"

// Kind identifies one of the error categories from the error handling design.
type Kind string

const (
	// KindValidation marks input that is malformed and must never be retried.
	KindValidation Kind = "validation"
	// KindTemplateResolution marks a template lookup/substitution failure.
	KindTemplateResolution Kind = "template_resolution"
	// KindTransportTransient marks a retriable transport-level failure.
	KindTransportTransient Kind = "transport_transient"
	// KindTransportPermanent marks a non-retriable transport-level failure.
	KindTransportPermanent Kind = "transport_permanent"
	// KindStorage marks a failure of the relational store itself.
	KindStorage Kind = "storage"
	// KindPartialProcessing marks a best-effort degradation that is not a send failure.
	KindPartialProcessing Kind = "partial_processing"
	// KindCancelled marks an operator-initiated cancellation.
	KindCancelled Kind = "cancelled"
)

// Error wraps an underlying cause with a Kind so the dispatcher can decide
// retry policy without inspecting error strings.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
	// Recipient marks a KindTransportPermanent error caused by the
	// destination address (e.g. a 550 RCPT TO rejection) rather than the
	// relay itself. The circuit breaker excludes these: a bad address
	// says nothing about the provider's health.
	Recipient bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the dispatcher should retry the item that
// produced this error. A nil *Error is never retryable by construction, but
// callers should check for nil before calling.
func (e *Error) IsRetryable() bool { return e.Retryable }

func newErr(kind Kind, retryable bool, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

func wrapErr(kind Kind, retryable bool, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause, Retryable: retryable}
}

// Validation builds a non-retryable KindValidation error.
func Validation(format string, args ...interface{}) *Error {
	return newErr(KindValidation, false, format, args...)
}

// TemplateResolution builds a KindTemplateResolution error. The caller
// decides retryability through the retryable argument: the template engine
// passes false for a template that does not exist and true for one that is
// found but inactive (it may be racing a deactivation).
func TemplateResolution(retryable bool, format string, args ...interface{}) *Error {
	return newErr(KindTemplateResolution, retryable, format, args...)
}

// TransportTransient builds a retryable KindTransportTransient error.
func TransportTransient(cause error, format string, args ...interface{}) *Error {
	return wrapErr(KindTransportTransient, true, cause, format, args...)
}

// TransportPermanent builds a non-retryable KindTransportPermanent error.
func TransportPermanent(cause error, format string, args ...interface{}) *Error {
	return wrapErr(KindTransportPermanent, false, cause, format, args...)
}

// TransportPermanentRecipient builds a non-retryable KindTransportPermanent
// error for a rejection tied to the recipient address rather than the
// relay (e.g. "550 no such user"). Kind stays the same so retry handling
// is unaffected; Recipient is what callers check before feeding the
// failure to a provider-health signal like a circuit breaker.
func TransportPermanentRecipient(cause error, format string, args ...interface{}) *Error {
	e := wrapErr(KindTransportPermanent, false, cause, format, args...)
	e.Recipient = true
	return e
}

// Storage builds a non-retryable KindStorage error wrapping the store's
// cause. The dispatcher logs a failed claim and polls again on its next
// tick; it does not suspend its claim loop.
func Storage(cause error, format string, args ...interface{}) *Error {
	return wrapErr(KindStorage, false, cause, format, args...)
}

// PartialProcessing builds a KindPartialProcessing error for a best-effort
// degradation (e.g. one of several attachments was unreadable) that must
// not fail the overall send.
func PartialProcessing(format string, args ...interface{}) *Error {
	return newErr(KindPartialProcessing, false, format, args...)
}

// Cancelled builds a KindCancelled error.
func Cancelled(format string, args ...interface{}) *Error {
	return newErr(KindCancelled, false, format, args...)
}

// As reports whether err is (or wraps) a *Error, returning it if so.
func As(err error) (*Error, bool) {
	me, ok := err.(*Error)
	if ok {
		return me, true
	}
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if me, ok := err.(*Error); ok {
			return me, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}
