package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ruteri/scep-client/cryptoutils"
	"github.com/ruteri/scep-client/interfaces"
	"go.uber.org/atomic"
)

// Policy decides what happens to a request whose signature and challenge check out.
type Policy int

const (
	// AutoApprove issues immediately.
	AutoApprove Policy = iota
	// ManualApproval answers PENDING until Approve or Deny is called.
	ManualApproval
	// Reject answers FAILURE with badRequest.
	Reject
)

// ParsePolicy accepts "auto", "manual" and "reject".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "auto", "":
		return AutoApprove, nil
	case "manual":
		return ManualApproval, nil
	case "reject":
		return Reject, nil
	default:
		return 0, fmt.Errorf("unknown approval policy %q", s)
	}
}

var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrNotPending         = errors.New("transaction is not pending")
)

// Config configures an Authority.
type Config struct {
	Subject pkix.Name
	// KeyBits defaults to 2048.
	KeyBits int
	// Validity of issued certificates, defaults to one year.
	Validity time.Duration
	Policy   Policy
	// ChallengePassword, when set, must match the challengePassword attribute of every request.
	ChallengePassword string
	Log               *slog.Logger
}

// Decision is the answer to an enrollment or poll request.
type Decision struct {
	Status      interfaces.PKIStatus
	FailInfo    interfaces.FailInfo
	Certificate *x509.Certificate
}

type request struct {
	csr    *x509.CertificateRequest
	status interfaces.PKIStatus
	cert   *x509.Certificate
}

// Authority is an in-memory RSA certificate authority with an approval queue
// keyed by transaction id.
type Authority struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	cfg  Config
	log  *slog.Logger

	serial atomic.Uint64

	mu       sync.Mutex
	requests map[string]*request
}

// New generates a CA key and a self-signed CA certificate.
func New(cfg Config) (*Authority, error) {
	key, err := cryptoutils.GenerateRSAKey(cfg.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	if cfg.Subject.CommonName == "" {
		cfg.Subject = pkix.Name{Organization: []string{"SCEP"}, CommonName: "SCEP CA"}
	}
	cert, err := createCACertificate(key, cfg.Subject)
	if err != nil {
		return nil, err
	}

	return NewFromKey(key, cert, cfg)
}

// NewFromKey creates an Authority around an existing CA key and certificate.
func NewFromKey(key *rsa.PrivateKey, cert *x509.Certificate, cfg Config) (*Authority, error) {
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA certificate")
	}
	if cfg.Validity == 0 {
		cfg.Validity = 365 * 24 * time.Hour
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	a := &Authority{
		key:      key,
		cert:     cert,
		cfg:      cfg,
		log:      cfg.Log,
		requests: make(map[string]*request),
	}
	// Serial 1 is the CA certificate itself.
	a.serial.Store(1)
	return a, nil
}

// Certificate returns the CA certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// Key returns the CA private key.
func (a *Authority) Key() *rsa.PrivateKey {
	return a.key
}

// Enroll handles a PKCSReq or RenewalReq. Resending a request under a known
// transaction id returns the current decision for it.
func (a *Authority) Enroll(id interfaces.TransactionID, csrDER []byte) Decision {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		a.log.Warn("Malformed certificate request", "err", err, slog.String("transactionID", id.String()))
		return failure(interfaces.BadRequest)
	}
	if err := csr.CheckSignature(); err != nil {
		a.log.Warn("CSR signature verification failed", "err", err, slog.String("transactionID", id.String()))
		return failure(interfaces.BadMessageCheck)
	}

	if a.cfg.ChallengePassword != "" {
		password, err := cryptoutils.ChallengePassword(csr)
		if err != nil || subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.ChallengePassword)) != 1 {
			a.log.Warn("Challenge password mismatch", slog.String("transactionID", id.String()))
			return failure(interfaces.BadRequest)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.requests[id.String()]; ok {
		return existing.decision()
	}

	req := &request{csr: csr}
	a.requests[id.String()] = req

	switch a.cfg.Policy {
	case Reject:
		req.status = interfaces.StatusFailure
	case ManualApproval:
		req.status = interfaces.StatusPending
	default:
		if err := a.issue(req); err != nil {
			a.log.Error("Failed to issue certificate", "err", err, slog.String("transactionID", id.String()))
			delete(a.requests, id.String())
			return failure(interfaces.BadRequest)
		}
	}

	a.log.Info("Enrollment request processed",
		slog.String("transactionID", id.String()),
		slog.String("subject", csr.Subject.String()),
		slog.String("status", req.status.String()))

	return req.decision()
}

// Poll handles a GetCertInitial request.
func (a *Authority) Poll(id interfaces.TransactionID, ias interfaces.IssuerAndSubject) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	req, ok := a.requests[id.String()]
	if !ok {
		return failure(interfaces.BadCertID)
	}
	if string(ias.Subject) != string(req.csr.RawSubject) || string(ias.Issuer) != string(a.cert.RawSubject) {
		return failure(interfaces.BadCertID)
	}
	return req.decision()
}

// Approve issues the certificate for a pending request.
func (a *Authority) Approve(id interfaces.TransactionID) (*x509.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req, ok := a.requests[id.String()]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	if req.status != interfaces.StatusPending {
		return nil, ErrNotPending
	}
	if err := a.issue(req); err != nil {
		return nil, err
	}

	a.log.Info("Request approved", slog.String("transactionID", id.String()))
	return req.cert, nil
}

// Deny rejects a pending request.
func (a *Authority) Deny(id interfaces.TransactionID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	req, ok := a.requests[id.String()]
	if !ok {
		return ErrUnknownTransaction
	}
	if req.status != interfaces.StatusPending {
		return ErrNotPending
	}
	req.status = interfaces.StatusFailure

	a.log.Info("Request denied", slog.String("transactionID", id.String()))
	return nil
}

// Pending lists the transaction ids awaiting approval.
func (a *Authority) Pending() []interfaces.TransactionID {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []interfaces.TransactionID
	for id, req := range a.requests {
		if req.status == interfaces.StatusPending {
			ids = append(ids, interfaces.TransactionID(id))
		}
	}
	return ids
}

// SignCSR issues a certificate for csr, valid for the configured validity.
func (a *Authority) SignCSR(csr *x509.CertificateRequest) (*x509.Certificate, error) {
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature verification failed: %w", err)
	}

	serialNumber := new(big.Int).SetUint64(a.serial.Inc())

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               csr.Subject,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(a.cfg.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		EmailAddresses:        csr.EmailAddresses,
		URIs:                  csr.URIs,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, a.cert, csr.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// issue must be called with mu held.
func (a *Authority) issue(req *request) error {
	cert, err := a.SignCSR(req.csr)
	if err != nil {
		return err
	}
	req.cert = cert
	req.status = interfaces.StatusSuccess
	return nil
}

func (r *request) decision() Decision {
	switch r.status {
	case interfaces.StatusSuccess:
		return Decision{Status: interfaces.StatusSuccess, Certificate: r.cert}
	case interfaces.StatusFailure:
		return failure(interfaces.BadRequest)
	default:
		return Decision{Status: interfaces.StatusPending}
	}
}

func failure(info interfaces.FailInfo) Decision {
	return Decision{Status: interfaces.StatusFailure, FailInfo: info}
}

// createCACertificate creates a self-signed CA certificate valid for 10 years.
// The key also unwraps envelopes addressed to the CA, hence KeyEncipherment.
func createCACertificate(key *rsa.PrivateKey, subject pkix.Name) (*x509.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}
