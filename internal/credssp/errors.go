package credssp

import (
	"errors"
	"fmt"
)

// Kind classifies a negotiation failure. The taxonomy is closed: callers
// switch on Kind to decide between retrying, destroying the generator, or
// fixing their configuration.
type Kind int

const (
	// KindConfigInvalid means the generator was built with malformed
	// credentials or target information. No token was produced.
	KindConfigInvalid Kind = iota + 1

	// KindCryptoFailure means key material could not be derived or applied.
	KindCryptoFailure

	// KindTruncated means the peer response was empty or shorter than its
	// declared length. The generator state is unchanged and Resume may be
	// retried once the caller has the complete bytes.
	KindTruncated

	// KindProtocolViolation means the peer response was not structurally
	// valid CredSSP, or the generator was driven outside its contract.
	// Terminal: the caller must destroy the generator.
	KindProtocolViolation

	// KindAuthenticationRejected means the peer refused the credentials or
	// failed its own proof of possession. Terminal.
	KindAuthenticationRejected
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config invalid"
	case KindCryptoFailure:
		return "crypto failure"
	case KindTruncated:
		return "truncated"
	case KindProtocolViolation:
		return "protocol violation"
	case KindAuthenticationRejected:
		return "authentication rejected"
	}
	return "unknown"
}

// NegotiationError is the error type returned by Generator and Acceptor.
// The retryable/terminal distinction lives in Kind, not in the message.
type NegotiationError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credssp: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("credssp: %s: %s", e.Kind, e.Msg)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Retryable reports whether Resume may be called again on the same
// generator with corrected input. Only truncated reads qualify.
func (e *NegotiationError) Retryable() bool { return e.Kind == KindTruncated }

// KindOf returns the Kind carried by err, or zero if err is not a
// NegotiationError.
func KindOf(err error) Kind {
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return 0
}

func negErr(kind Kind, format string, args ...interface{}) *NegotiationError {
	return &NegotiationError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, err error, msg string) *NegotiationError {
	return &NegotiationError{Kind: kind, Msg: msg, Err: err}
}
