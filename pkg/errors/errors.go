// Package errors defines the closed set of error kinds the core surfaces to
// callers, plus the wrap/classify helpers used throughout every subsystem.
//
// Failure is returned, not thrown: every fallible operation maps its
// failure onto exactly one Kind.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a label, not a concrete type hierarchy: every operation that can
// fail maps its failure onto exactly one of these.
type Kind int

const (
	// Generic is used when none of the more specific kinds apply; it always
	// carries a message.
	Generic Kind = iota
	NotInitialized
	AlreadyInitialized
	Shutdown
	Timeout
	TryAgain
	NoConnection
	KeyNotFound
	InvalidArgument
	MissingArgument
	ParseError
	Internal
	// InvalidMessage is RPC-specific: a received packet or operation failed
	// structural or cryptographic validation and was dropped.
	InvalidMessage

	// Envelope/receipt codec failure kinds.
	InvalidFraming
	SignatureInvalid
	DecryptionFailed
	UnsupportedCryptoKind
	WrongRecipient
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "NotInitialized"
	case AlreadyInitialized:
		return "AlreadyInitialized"
	case Shutdown:
		return "Shutdown"
	case Timeout:
		return "Timeout"
	case TryAgain:
		return "TryAgain"
	case NoConnection:
		return "NoConnection"
	case KeyNotFound:
		return "KeyNotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case MissingArgument:
		return "MissingArgument"
	case ParseError:
		return "ParseError"
	case Internal:
		return "Internal"
	case InvalidMessage:
		return "InvalidMessage"
	case InvalidFraming:
		return "InvalidFraming"
	case SignatureInvalid:
		return "SignatureInvalid"
	case DecryptionFailed:
		return "DecryptionFailed"
	case UnsupportedCryptoKind:
		return "UnsupportedCryptoKind"
	case WrongRecipient:
		return "WrongRecipient"
	default:
		return "Generic"
	}
}

// Error is the concrete error type carried across the public API boundary.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a new Error of the given kind with a message.
func New(k Kind, message string) *Error {
	return &Error{Kind: k, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap adds context to err, preserving its Kind if err is already an *Error
// (or tagging it Internal otherwise). Returns nil if err is nil, matching the
// plain Wrap helper.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Message: message, cause: err}
	}
	return &Error{Kind: Internal, Message: message, cause: err}
}

// WrapKind wraps err under an explicit Kind regardless of err's own kind.
func WrapKind(k Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Message: message, cause: err}
}

// Is reports whether err (or something it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
