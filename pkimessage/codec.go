// Package pkimessage is the signing layer: it turns PKI messages into signed,
// enveloped wire messages and back.
//
// The message body (a PKCS #10 request, an IssuerAndSubject or a certificate
// payload) is enveloped for the recipient, and the result is signed together with
// the protocol attributes (message type, transaction id, nonces, status).
package pkimessage

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/scep-client/cms"
	"github.com/ruteri/scep-client/envelope"
	"github.com/ruteri/scep-client/interfaces"
)

// Key is a private key able to both sign and unwrap content keys, like *rsa.PrivateKey.
type Key interface {
	crypto.Signer
	crypto.Decrypter
}

// Codec implements interfaces.MessageCodec for one signer and one recipient.
type Codec struct {
	// SignerCert and SignerKey sign outgoing messages; SignerKey also opens
	// envelopes addressed to us.
	SignerCert *x509.Certificate
	SignerKey  Key
	// Recipient is the certificate outgoing message bodies are enveloped for.
	Recipient *x509.Certificate
	// Encoder selects the content-encryption cipher.
	Encoder envelope.Encoder
	// DigestAlg defaults to SHA-256.
	DigestAlg crypto.Hash
}

var _ interfaces.MessageCodec = (*Codec)(nil)

// Message is a decoded PKI message together with the certificate that signed it.
type Message struct {
	interfaces.PKIMessage
	Signer      *x509.Certificate
	SigningTime time.Time
}

// Encode signs and envelopes msg.
func (c *Codec) Encode(msg interfaces.PKIMessage) ([]byte, error) {
	if c.SignerCert == nil || c.SignerKey == nil {
		return nil, errors.New("codec has no signer")
	}
	if err := msg.ID().Validate(); err != nil {
		return nil, err
	}

	var attrs []cms.Attribute
	add := func(a cms.Attribute, err error) error {
		if err != nil {
			return interfaces.WrapError(interfaces.ErrProtocol, err)
		}
		attrs = append(attrs, a)
		return nil
	}

	if err := add(cms.NewPrintableStringAttribute(OIDMessageType, string(msg.MessageType()))); err != nil {
		return nil, err
	}
	if err := add(cms.NewPrintableStringAttribute(OIDTransactionID, msg.ID().String())); err != nil {
		return nil, err
	}

	var body []byte
	switch m := msg.(type) {
	case *interfaces.EnrollmentRequest:
		body = m.CertificateRequest
		if err := add(cms.NewAttribute(OIDSenderNonce, m.SenderNonce.Bytes())); err != nil {
			return nil, err
		}
	case *interfaces.PollRequest:
		ias, err := m.IssuerAndSubject.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to encode issuer and subject: %w", err)
		}
		body = ias
		if err := add(cms.NewAttribute(OIDSenderNonce, m.SenderNonce.Bytes())); err != nil {
			return nil, err
		}
	case *interfaces.CertResponse:
		if err := add(cms.NewPrintableStringAttribute(OIDPKIStatus, string(m.Status))); err != nil {
			return nil, err
		}
		if m.Status == interfaces.StatusFailure {
			if err := add(cms.NewPrintableStringAttribute(OIDFailInfo, string(m.FailInfo))); err != nil {
				return nil, err
			}
		}
		if m.SenderNonce != nil {
			if err := add(cms.NewAttribute(OIDSenderNonce, m.SenderNonce.Bytes())); err != nil {
				return nil, err
			}
		}
		if err := add(cms.NewAttribute(OIDRecipientNonce, m.RecipientNonce.Bytes())); err != nil {
			return nil, err
		}
		if m.Status == interfaces.StatusSuccess {
			body = m.Payload
		}
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}

	var content []byte
	if body != nil {
		enveloped, err := c.Encoder.Encode(body, c.Recipient)
		if err != nil {
			return nil, err
		}
		content = enveloped
	}

	der, err := cms.Sign(content, &cms.SignerConfig{
		Certificate: c.SignerCert,
		Signer:      c.SignerKey,
		DigestAlg:   c.DigestAlg,
		Attributes:  attrs,
	})
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignature, err)
	}
	return der, nil
}

// Decode verifies and opens a wire message.
func (c *Codec) Decode(wire []byte) (interfaces.PKIMessage, error) {
	msg, err := c.Parse(wire)
	if err != nil {
		return nil, err
	}
	return msg.PKIMessage, nil
}

// Parse is Decode that also returns the signer certificate, which a responder
// needs to envelope its reply.
func (c *Codec) Parse(wire []byte) (*Message, error) {
	verified, err := cms.Verify(wire)
	if err != nil {
		return nil, err
	}
	attrs := verified.Attributes

	var messageType, transactionID string
	if err := requireString(attrs, OIDMessageType, &messageType); err != nil {
		return nil, err
	}
	if err := requireString(attrs, OIDTransactionID, &transactionID); err != nil {
		return nil, err
	}
	header := interfaces.RequestHeader{TransactionID: interfaces.TransactionID(transactionID)}

	out := &Message{Signer: verified.Signer, SigningTime: verified.SigningTime}

	switch mt := interfaces.MessageType(messageType); mt {
	case interfaces.PKCSReq, interfaces.RenewalReq:
		if header.SenderNonce, err = requireNonce(attrs, OIDSenderNonce); err != nil {
			return nil, err
		}
		csr, err := c.open(verified.Content)
		if err != nil {
			return nil, err
		}
		out.PKIMessage = &interfaces.EnrollmentRequest{
			RequestHeader:      header,
			CertificateRequest: csr,
			Renewal:            mt == interfaces.RenewalReq,
		}

	case interfaces.GetCertInitial:
		if header.SenderNonce, err = requireNonce(attrs, OIDSenderNonce); err != nil {
			return nil, err
		}
		body, err := c.open(verified.Content)
		if err != nil {
			return nil, err
		}
		ias, err := interfaces.ParseIssuerAndSubject(body)
		if err != nil {
			return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
		}
		out.PKIMessage = &interfaces.PollRequest{RequestHeader: header, IssuerAndSubject: ias}

	case interfaces.CertRep:
		resp := &interfaces.CertResponse{TransactionID: header.TransactionID}
		var status string
		if err := requireString(attrs, OIDPKIStatus, &status); err != nil {
			return nil, err
		}
		resp.Status = interfaces.PKIStatus(status)
		if resp.RecipientNonce, err = requireNonce(attrs, OIDRecipientNonce); err != nil {
			return nil, err
		}
		if _, ok := attrs.Get(OIDSenderNonce); ok {
			senderNonce, err := requireNonce(attrs, OIDSenderNonce)
			if err != nil {
				return nil, err
			}
			resp.SenderNonce = &senderNonce
		}

		switch resp.Status {
		case interfaces.StatusFailure:
			var failInfo string
			if err := requireString(attrs, OIDFailInfo, &failInfo); err != nil {
				return nil, err
			}
			resp.FailInfo = interfaces.FailInfo(failInfo)
		case interfaces.StatusSuccess:
			if resp.Payload, err = c.open(verified.Content); err != nil {
				return nil, err
			}
		}
		out.PKIMessage = resp

	default:
		return nil, fmt.Errorf("%w: unsupported message type %s", interfaces.ErrSignatureInvalid, mt)
	}

	return out, nil
}

func (c *Codec) open(content []byte) ([]byte, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: message carries no enveloped content", interfaces.ErrSignatureInvalid)
	}
	if c.SignerKey == nil {
		return nil, fmt.Errorf("%w: codec has no private key", interfaces.ErrKeyUnwrapFailure)
	}
	return envelope.Decode(content, c.SignerKey)
}

func requireString(attrs cms.Attributes, oid asn1.ObjectIdentifier, out *string) error {
	found, err := attrs.Unmarshal(oid, out)
	if err != nil {
		return interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", interfaces.ErrMissingAttribute, attributeName(oid))
	}
	return nil
}

func requireNonce(attrs cms.Attributes, oid asn1.ObjectIdentifier) (interfaces.Nonce, error) {
	var raw []byte
	found, err := attrs.Unmarshal(oid, &raw)
	if err != nil {
		return interfaces.Nonce{}, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}
	if !found {
		return interfaces.Nonce{}, fmt.Errorf("%w: %s", interfaces.ErrMissingAttribute, attributeName(oid))
	}
	nonce, err := interfaces.NewNonceFromBytes(raw)
	if err != nil {
		return interfaces.Nonce{}, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}
	return nonce, nil
}

func attributeName(oid asn1.ObjectIdentifier) string {
	switch {
	case oid.Equal(OIDMessageType):
		return "messageType"
	case oid.Equal(OIDPKIStatus):
		return "pkiStatus"
	case oid.Equal(OIDFailInfo):
		return "failInfo"
	case oid.Equal(OIDSenderNonce):
		return "senderNonce"
	case oid.Equal(OIDRecipientNonce):
		return "recipientNonce"
	case oid.Equal(OIDTransactionID):
		return "transactionID"
	default:
		return oid.String()
	}
}
