package interfaces

import (
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// MessageType is the messageType attribute, a decimal PrintableString on the wire.
type MessageType string

const (
	CertRep        MessageType = "3"  // Response to certificate or CRL request.
	RenewalReq     MessageType = "17" // PKCS #10 request authenticated with an existing certificate.
	PKCSReq        MessageType = "19" // PKCS #10 request authenticated with a password.
	GetCertInitial MessageType = "20" // Certificate polling in manual enrolment.
	GetCert        MessageType = "21" // Retrieve a certificate.
	GetCRL         MessageType = "22" // Retrieve a CRL.
)

func (t MessageType) String() string {
	switch t {
	case CertRep:
		return "CertRep"
	case RenewalReq:
		return "RenewalReq"
	case PKCSReq:
		return "PKCSReq"
	case GetCertInitial:
		return "GetCertInitial"
	case GetCert:
		return "GetCert"
	case GetCRL:
		return "GetCRL"
	default:
		return fmt.Sprintf("MessageType(%s)", string(t))
	}
}

// PKIStatus is the pkiStatus attribute of a response.
type PKIStatus string

const (
	StatusSuccess PKIStatus = "0"
	StatusFailure PKIStatus = "2"
	StatusPending PKIStatus = "3"
)

func (s PKIStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusPending:
		return "PENDING"
	default:
		return fmt.Sprintf("PKIStatus(%s)", string(s))
	}
}

// FailInfo is the coded reason carried by a FAILURE response.
type FailInfo string

const (
	BadAlg          FailInfo = "0" // Unrecognized or unsupported algorithm.
	BadMessageCheck FailInfo = "1" // Integrity check of the signed message failed.
	BadRequest      FailInfo = "2" // Transaction not permitted or supported.
	BadTime         FailInfo = "3" // signingTime not sufficiently close to the system time.
	BadCertID       FailInfo = "4" // No certificate matches the provided criteria.
)

func (f FailInfo) String() string {
	switch f {
	case BadAlg:
		return "badAlg"
	case BadMessageCheck:
		return "badMessageCheck"
	case BadRequest:
		return "badRequest"
	case BadTime:
		return "badTime"
	case BadCertID:
		return "badCertId"
	default:
		return fmt.Sprintf("FailInfo(%s)", string(f))
	}
}

// IssuerAndSubject identifies a pending request when polling:
//
//	IssuerAndSubject ::= SEQUENCE {
//	    issuer Name,
//	    subject Name
//	}
//
// Both names are kept in their DER encoding.
type IssuerAndSubject struct {
	Issuer  []byte
	Subject []byte
}

// NewIssuerAndSubject takes the issuer name from the CA certificate and the subject from the request.
func NewIssuerAndSubject(ca *x509.Certificate, csr *x509.CertificateRequest) IssuerAndSubject {
	return IssuerAndSubject{
		Issuer:  ca.RawSubject,
		Subject: csr.RawSubject,
	}
}

// Marshal returns the DER encoding.
func (ias IssuerAndSubject) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(ias.Issuer)
		b.AddBytes(ias.Subject)
	})
	return b.Bytes()
}

// ParseIssuerAndSubject decodes the DER encoding produced by Marshal.
func ParseIssuerAndSubject(der []byte) (IssuerAndSubject, error) {
	input := cryptobyte.String(der)
	var seq, issuer, subject cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return IssuerAndSubject{}, errors.New("malformed IssuerAndSubject")
	}
	if !seq.ReadASN1Element(&issuer, cbasn1.SEQUENCE) || !seq.ReadASN1Element(&subject, cbasn1.SEQUENCE) || !seq.Empty() {
		return IssuerAndSubject{}, errors.New("malformed IssuerAndSubject names")
	}
	return IssuerAndSubject{Issuer: issuer, Subject: subject}, nil
}

// PKIMessage is one of EnrollmentRequest, PollRequest or CertResponse.
type PKIMessage interface {
	MessageType() MessageType
	ID() TransactionID
}

// RequestHeader carries the attributes every request has.
type RequestHeader struct {
	TransactionID TransactionID
	SenderNonce   Nonce
}

// ID returns the transaction identifier.
func (h RequestHeader) ID() TransactionID {
	return h.TransactionID
}

// EnrollmentRequest is a PKCSReq (or RenewalReq) carrying a DER-encoded PKCS #10 request.
type EnrollmentRequest struct {
	RequestHeader
	CertificateRequest []byte
	Renewal            bool
}

func (r *EnrollmentRequest) MessageType() MessageType {
	if r.Renewal {
		return RenewalReq
	}
	return PKCSReq
}

// PollRequest is a GetCertInitial message.
type PollRequest struct {
	RequestHeader
	IssuerAndSubject IssuerAndSubject
}

func (r *PollRequest) MessageType() MessageType {
	return GetCertInitial
}

// CertResponse is the CertRep server response. SenderNonce may be nil, servers are allowed to omit
// it on PENDING. Payload holds the degenerate certs-only SignedData on SUCCESS.
type CertResponse struct {
	TransactionID  TransactionID
	SenderNonce    *Nonce
	RecipientNonce Nonce
	Status         PKIStatus
	FailInfo       FailInfo
	Payload        []byte
}

func (r *CertResponse) MessageType() MessageType {
	return CertRep
}

// ID returns the transaction identifier.
func (r *CertResponse) ID() TransactionID {
	return r.TransactionID
}
