package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/scep-client/cms"
	"github.com/ruteri/scep-client/cryptoutils"
	"github.com/ruteri/scep-client/envelope"
	"github.com/ruteri/scep-client/interfaces"
)

// Capabilities is the set of keywords a server returned from GetCACaps.
type Capabilities map[string]bool

// Well-known capability keywords.
const (
	CapPOSTPKIOperation = "POSTPKIOperation"
	CapRenewal          = "Renewal"
	CapGetNextCACert    = "GetNextCACert"
	CapSHA1             = "SHA-1"
	CapSHA256           = "SHA-256"
	CapSHA512           = "SHA-512"
	CapDES3             = "DES3"
	CapAES              = "AES"
	CapSCEPStandard     = "SCEPStandard"
)

// ParseCapabilities parses a GetCACaps body, one keyword per line.
func ParseCapabilities(body []byte) Capabilities {
	caps := Capabilities{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		if kw := strings.TrimSpace(scanner.Text()); kw != "" {
			caps[strings.ToUpper(kw)] = true
		}
	}
	return caps
}

// Has reports whether the server advertised keyword, compared case-insensitively.
func (c Capabilities) Has(keyword string) bool {
	return c[strings.ToUpper(keyword)]
}

// Method returns POST when the server accepts it for PKIOperation, GET otherwise.
func (c Capabilities) Method() string {
	if c.Has(CapPOSTPKIOperation) || c.Has(CapSCEPStandard) {
		return "POST"
	}
	return "GET"
}

// Cipher returns the strongest advertised content-encryption cipher, DES-EDE3-CBC by default.
func (c Capabilities) Cipher() envelope.Cipher {
	if c.Has(CapAES) || c.Has(CapSCEPStandard) {
		return envelope.AES128CBC
	}
	return envelope.DESEDE3CBC
}

// Digest returns the strongest advertised digest name, SHA-1 by default.
func (c Capabilities) Digest() string {
	switch {
	case c.Has(CapSHA512):
		return "SHA-512"
	case c.Has(CapSHA256) || c.Has(CapSCEPStandard):
		return "SHA-256"
	default:
		return "SHA-1"
	}
}

// GetCACaps queries the server capabilities.
func GetCACaps(ctx context.Context, t interfaces.Transport, caIdentifier string) (Capabilities, error) {
	body, err := t.Send(ctx, interfaces.OpGetCACaps, []byte(caIdentifier))
	if err != nil {
		return nil, err
	}
	return ParseCapabilities(body), nil
}

// GetCACert retrieves the CA certificate, or the RA and CA chain when the server
// answers with a certs-only SignedData.
func GetCACert(ctx context.Context, t interfaces.Transport, caIdentifier string) ([]*x509.Certificate, error) {
	body, err := t.Send(ctx, interfaces.OpGetCACert, []byte(caIdentifier))
	if err != nil {
		return nil, err
	}
	return ParseCACertResponse(body)
}

// ParseCACertResponse accepts both application/x-x509-ca-cert (one DER certificate)
// and application/x-x509-ca-ra-cert (degenerate SignedData) bodies.
func ParseCACertResponse(body []byte) ([]*x509.Certificate, error) {
	if cert, err := x509.ParseCertificate(body); err == nil {
		return []*x509.Certificate{cert}, nil
	}
	certs, err := cms.ParseCertificates(body)
	if err != nil {
		return nil, fmt.Errorf("could not parse GetCACert response: %w", err)
	}
	return certs, nil
}

// SelectCACertificate picks the certificate whose SHA-256 fingerprint matches.
// The trust decision that the fingerprint is right stays with the caller. With an
// empty fingerprint the first CA certificate is returned.
func SelectCACertificate(certs []*x509.Certificate, fingerprint string) (*x509.Certificate, error) {
	if len(certs) == 0 {
		return nil, errors.New("no CA certificates")
	}

	want := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
	for _, cert := range certs {
		if want == "" {
			if cert.IsCA {
				return cert, nil
			}
			continue
		}
		if cryptoutils.Fingerprint(cert) == want {
			return cert, nil
		}
	}
	if want == "" {
		return certs[0], nil
	}
	return nil, fmt.Errorf("no CA certificate matches fingerprint %s", fingerprint)
}

// RecipientCertificate returns the certificate messages should be enveloped for:
// an RA certificate allowed to encipher keys if the server sent one, the CA otherwise.
func RecipientCertificate(certs []*x509.Certificate, ca *x509.Certificate) *x509.Certificate {
	for _, cert := range certs {
		if !cert.IsCA && cert.KeyUsage&x509.KeyUsageKeyEncipherment != 0 {
			return cert
		}
	}
	return ca
}
