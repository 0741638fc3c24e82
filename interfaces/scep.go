package interfaces

import (
	"context"
)

// Operation is the value of the operation query parameter of a SCEP HTTP request.
type Operation string

const (
	OpGetCACaps     Operation = "GetCACaps"
	OpGetCACert     Operation = "GetCACert"
	OpPKIOperation  Operation = "PKIOperation"
	OpGetNextCACert Operation = "GetNextCACert"
)

// Transport delivers an encoded message to the server and returns the raw reply.
// Implementations wrap every failure, including a non-success status, in ErrTransport.
// Deadlines and cancellation are enforced here through ctx, the protocol engine has
// no suspension points of its own.
type Transport interface {
	Send(ctx context.Context, op Operation, message []byte) ([]byte, error)
}

// MessageCodec is the signing layer consumed by transactions.
//
// Encode envelopes the message body for the recipient and signs it, carrying the
// message type, transaction id, sender nonce and (for responses) status, fail info and
// recipient nonce as authenticated attributes.
//
// Decode verifies the signature against the embedded signer certificate, extracts the
// authenticated attributes, decrypts the inner envelope and rebuilds the message.
// It fails with ErrSignatureInvalid or ErrMissingAttribute on tampered input.
type MessageCodec interface {
	Encode(msg PKIMessage) ([]byte, error)
	Decode(wire []byte) (PKIMessage, error)
}

// TransactionState is the outcome of the latest exchange of a transaction.
type TransactionState int

const (
	// StatePending means no terminal outcome yet.
	StatePending TransactionState = iota
	// StateIssued means certificates are available.
	StateIssued
	// StateRejected means fail info is available.
	StateRejected
)

func (s TransactionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateIssued:
		return "issued"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Transaction drives one logical enrollment exchange. Send and Poll each perform
// exactly one request/response round trip and never retry.
type Transaction interface {
	ID() TransactionID
	Send(ctx context.Context) (TransactionState, error)
	Poll(ctx context.Context) (TransactionState, error)
}
