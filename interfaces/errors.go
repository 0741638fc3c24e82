package interfaces

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the protocol engine wraps exactly one
// of these, so callers can classify with errors.Is without knowing the leaf.
var (
	// ErrTransport is returned when a message could not be transmitted or the
	// server answered with a non-success status.
	ErrTransport = errors.New("transport error")

	// ErrEnvelope is returned when the confidentiality envelope cannot be built or opened.
	ErrEnvelope = errors.New("envelope error")

	// ErrSignature is returned when a signed message is malformed or fails verification.
	ErrSignature = errors.New("signature error")

	// ErrProtocol is returned when a message breaks the protocol, most often a
	// response that fails exchange validation.
	// These are security controls and always abort the exchange.
	ErrProtocol = errors.New("protocol error")

	// ErrState is returned when an operation is invoked in the wrong transaction state.
	// It signals a caller bug and is never retried.
	ErrState = errors.New("invalid transaction state")

	// ErrUnsupportedDigest is returned for unknown digest algorithm names.
	ErrUnsupportedDigest = errors.New("unsupported digest algorithm")
)

var (
	ErrNoCipherAvailable = fmt.Errorf("%w: no content encryption cipher available", ErrEnvelope)
	ErrEmptyEnvelope     = fmt.Errorf("%w: envelope has no recipient infos", ErrEnvelope)
	ErrKeyUnwrapFailure  = fmt.Errorf("%w: could not unwrap content encryption key", ErrEnvelope)
	ErrDecryptionFailure = fmt.Errorf("%w: could not decrypt content", ErrEnvelope)

	ErrSignatureInvalid = fmt.Errorf("%w: signature verification failed", ErrSignature)
	ErrMissingAttribute = fmt.Errorf("%w: missing authenticated attribute", ErrSignature)

	ErrTransactionMismatch  = fmt.Errorf("%w: transaction id mismatch", ErrProtocol)
	ErrNonceMismatch        = fmt.Errorf("%w: recipient nonce does not match sender nonce", ErrProtocol)
	ErrReplayDetected       = fmt.Errorf("%w: sender nonce seen before, possible replay", ErrProtocol)
	ErrInvalidTransactionID = fmt.Errorf("%w: transaction id is not a printable string", ErrProtocol)
)

// WrapError attaches cause to a sentinel so that both remain reachable through errors.Is and errors.As.
func WrapError(sentinel error, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
