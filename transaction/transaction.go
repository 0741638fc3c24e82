// Package transaction drives one enrollment: a PKCSReq exchange followed, while
// the server reports PENDING, by GetCertInitial polls.
//
// Each Send or Poll call is exactly one request/response round trip. The outcome
// of a call is computed from that exchange alone, and only after the response has
// passed validation. Polling cadence and retries belong to the caller.
package transaction

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/scep-client/cms"
	"github.com/ruteri/scep-client/interfaces"
	"github.com/ruteri/scep-client/replay"
)

// DefaultDigestAlgorithm derives the transaction id when none is supplied.
const DefaultDigestAlgorithm = "SHA-1"

// Config holds the collaborators of an EnrollmentTransaction.
type Config struct {
	Transport interfaces.Transport
	Codec     interfaces.MessageCodec
	// History is shared by every transaction that should detect replays of each
	// other's server nonces.
	History *replay.History
	// CSR is the request to enroll. Its public key derives the transaction id.
	CSR *x509.CertificateRequest
	// CACert is the issuing CA. It names the issuer when polling; without it
	// Poll fails with ErrState.
	CACert *x509.Certificate
	// ID overrides the derived transaction id.
	ID interfaces.TransactionID
	// DigestAlgorithm is used to derive the id, DefaultDigestAlgorithm when empty.
	DigestAlgorithm string
	// Renewal sends a RenewalReq instead of a PKCSReq.
	Renewal bool
	Log     *slog.Logger
}

// EnrollmentTransaction implements interfaces.Transaction. It is meant for a single
// flow of control; the replay history it shares is the only concurrent state.
type EnrollmentTransaction struct {
	id        interfaces.TransactionID
	transport interfaces.Transport
	codec     interfaces.MessageCodec
	history   *replay.History
	csr       *x509.CertificateRequest
	caCert    *x509.Certificate
	renewal   bool
	log       *slog.Logger

	outcome Outcome
}

var _ interfaces.Transaction = (*EnrollmentTransaction)(nil)

// New creates a transaction in the Pending state.
func New(cfg Config) (*EnrollmentTransaction, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("message codec is required")
	}
	if cfg.History == nil {
		return nil, errors.New("replay history is required")
	}
	if cfg.CSR == nil {
		return nil, errors.New("certificate request is required")
	}

	id := cfg.ID
	if len(id) == 0 {
		digest := cfg.DigestAlgorithm
		if digest == "" {
			digest = DefaultDigestAlgorithm
		}
		var err error
		id, err = interfaces.TransactionIDFromPublicKey(cfg.CSR.PublicKey, digest)
		if err != nil {
			return nil, err
		}
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	id = interfaces.TransactionIDFromBytes(id)
	return &EnrollmentTransaction{
		id:        id,
		transport: cfg.Transport,
		codec:     cfg.Codec,
		history:   cfg.History,
		csr:       cfg.CSR,
		caCert:    cfg.CACert,
		renewal:   cfg.Renewal,
		log:       log.With("transactionID", id.String()),
		outcome:   Pending{},
	}, nil
}

// ID returns the transaction id, the same for every exchange.
func (t *EnrollmentTransaction) ID() interfaces.TransactionID {
	return t.id
}

// Send submits the certificate request.
func (t *EnrollmentTransaction) Send(ctx context.Context) (interfaces.TransactionState, error) {
	req := &interfaces.EnrollmentRequest{
		RequestHeader: interfaces.RequestHeader{
			TransactionID: t.id,
			SenderNonce:   interfaces.NewNonce(),
		},
		CertificateRequest: t.csr.Raw,
		Renewal:            t.renewal,
	}
	return t.exchange(ctx, req, req.RequestHeader)
}

// Poll asks for the outcome of a pending request, identified by the CA's name
// and the request's subject.
func (t *EnrollmentTransaction) Poll(ctx context.Context) (interfaces.TransactionState, error) {
	if t.caCert == nil {
		return t.outcome.State(), fmt.Errorf("%w: polling requires the issuing CA certificate", interfaces.ErrState)
	}
	req := &interfaces.PollRequest{
		RequestHeader: interfaces.RequestHeader{
			TransactionID: t.id,
			SenderNonce:   interfaces.NewNonce(),
		},
		IssuerAndSubject: interfaces.NewIssuerAndSubject(t.caCert, t.csr),
	}
	return t.exchange(ctx, req, req.RequestHeader)
}

// State returns the state of the latest successful exchange.
func (t *EnrollmentTransaction) State() interfaces.TransactionState {
	return t.outcome.State()
}

// Outcome returns the result of the latest successful exchange.
func (t *EnrollmentTransaction) Outcome() Outcome {
	return t.outcome
}

// Certificates returns the issued certificates. It fails with ErrState unless the
// transaction is Issued.
func (t *EnrollmentTransaction) Certificates() ([]*x509.Certificate, error) {
	issued, ok := t.outcome.(Issued)
	if !ok {
		return nil, fmt.Errorf("%w: certificates requested in state %s", interfaces.ErrState, t.outcome.State())
	}
	return issued.Certificates, nil
}

// FailInfo returns the rejection reason. It fails with ErrState unless the
// transaction is Rejected.
func (t *EnrollmentTransaction) FailInfo() (interfaces.FailInfo, error) {
	rejected, ok := t.outcome.(Rejected)
	if !ok {
		return "", fmt.Errorf("%w: fail info requested in state %s", interfaces.ErrState, t.outcome.State())
	}
	return rejected.FailInfo, nil
}

// exchange performs one round trip. On any error the previous outcome is kept.
func (t *EnrollmentTransaction) exchange(ctx context.Context, req interfaces.PKIMessage, header interfaces.RequestHeader) (interfaces.TransactionState, error) {
	log := t.log.With("messageType", req.MessageType().String())

	wire, err := t.codec.Encode(req)
	if err != nil {
		log.Error("failed to encode request", "err", err)
		return t.outcome.State(), err
	}

	reply, err := t.transport.Send(ctx, interfaces.OpPKIOperation, wire)
	if err != nil {
		log.Error("failed to send request", "err", err)
		if !errors.Is(err, interfaces.ErrTransport) {
			err = interfaces.WrapError(interfaces.ErrTransport, err)
		}
		return t.outcome.State(), err
	}

	decoded, err := t.codec.Decode(reply)
	if err != nil {
		log.Error("failed to decode response", "err", err)
		return t.outcome.State(), err
	}
	resp, ok := decoded.(*interfaces.CertResponse)
	if !ok {
		err := fmt.Errorf("%w: unexpected response type %s", interfaces.ErrProtocol, decoded.MessageType())
		log.Error("invalid response", "err", err)
		return t.outcome.State(), err
	}

	if err := validate(header, resp, t.history); err != nil {
		log.Warn("response failed validation", "err", err)
		return t.outcome.State(), err
	}

	outcome, err := classify(resp, t.csr)
	if err != nil {
		log.Error("failed to classify response", "err", err)
		return t.outcome.State(), err
	}
	t.outcome = outcome

	switch o := outcome.(type) {
	case Issued:
		log.Info("certificate issued", "status", resp.Status.String(), "certificates", len(o.Certificates))
	case Rejected:
		log.Info("request rejected", "status", resp.Status.String(), "failInfo", o.FailInfo.String())
	default:
		log.Info("request pending", "status", resp.Status.String())
	}
	return outcome.State(), nil
}

// validate runs the checks every response must pass, in order: transaction id,
// recipient nonce, then sender nonce replay against the shared history.
func validate(req interfaces.RequestHeader, resp *interfaces.CertResponse, history *replay.History) error {
	if !resp.TransactionID.Equal(req.TransactionID) {
		return fmt.Errorf("%w: sent %q, received %q", interfaces.ErrTransactionMismatch, req.TransactionID, resp.TransactionID)
	}
	if !resp.RecipientNonce.Equal(req.SenderNonce) {
		return interfaces.ErrNonceMismatch
	}
	if resp.SenderNonce == nil {
		return nil
	}
	return history.CheckAndRecord(*resp.SenderNonce)
}

func classify(resp *interfaces.CertResponse, csr *x509.CertificateRequest) (Outcome, error) {
	switch resp.Status {
	case interfaces.StatusSuccess:
		certs, err := cms.ParseCertificates(resp.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed certificate payload: %w", interfaces.ErrSignatureInvalid, err)
		}
		return Issued{Certificates: issuedFirst(certs, csr)}, nil
	case interfaces.StatusFailure:
		return Rejected{FailInfo: resp.FailInfo}, nil
	default:
		return Pending{}, nil
	}
}

// issuedFirst moves the certificate for the requested key to the front. The
// degenerate set carries no order, and servers may put CA or RA certificates first.
func issuedFirst(certs []*x509.Certificate, csr *x509.CertificateRequest) []*x509.Certificate {
	requested, ok := csr.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return certs
	}
	for i, cert := range certs {
		if requested.Equal(cert.PublicKey) {
			certs[0], certs[i] = certs[i], certs[0]
			break
		}
	}
	return certs
}
