// Package interfaces defines the types shared by the SCEP enrollment client,
// the reference responder and the credential stores, separating interface
// definitions from implementations.
//
// # Protocol Types
//
// PKIMessage and its payloads (EnrollmentRequest, PollRequest, CertResponse)
// model the SCEP pkiMessage. MessageType, PKIStatus and FailInfo carry the
// numeric values of the corresponding authenticated attributes.
//
// TransactionID and Nonce identify one enrollment attempt and one exchange of
// it. A transaction id is derived from the requester public key unless the
// caller supplies one.
//
// # Component Interfaces
//
// Transport: carries one SCEP operation to the server.
//
// MessageCodec: signs and envelopes outgoing messages, verifies and opens replies.
//
// Transaction: drives an enrollment through PENDING to ISSUED or REJECTED.
//
// CredentialStore: deposits issued certificates and keys (file, S3, Vault).
//
// # Errors
//
// Every failure wraps one of the category errors (ErrTransport, ErrEnvelope,
// ErrSignature, ErrProtocol, ErrState, ErrUnsupportedDigest) so callers can
// classify it with errors.Is.
package interfaces
