// Package ca is a small in-memory certificate authority backing the reference
// SCEP responder.
//
// Requests are checked for a valid self-signature and, when configured, a
// matching challengePassword. What happens next depends on the Policy:
//
//   - AutoApprove signs the request immediately
//   - ManualApproval keeps it pending under its transaction id until Approve or Deny
//   - Reject fails every request with badRequest
//
// Serial numbers come from a process-wide counter; nothing is persisted.
package ca
