package cryptoutils

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// TLSCSR represents a Certificate Signing Request in PEM format.
type TLSCSR []byte

// NewTLSCSR creates a new CSR object from PEM-encoded data with validation.
func NewTLSCSR(data []byte) (TLSCSR, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST") {
		return TLSCSR{}, errors.New("invalid CSR: not in PEM format or not a certificate request")
	}

	if _, err := x509.ParseCertificateRequest(block.Bytes); err != nil {
		return TLSCSR{}, fmt.Errorf("invalid CSR structure: %w", err)
	}

	return TLSCSR(data), nil
}

// TLSCSRFromDER wraps a DER-encoded request in PEM.
func TLSCSRFromDER(der []byte) TLSCSR {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// DER returns the DER encoding carried inside the PEM block.
func (csr TLSCSR) DER() ([]byte, error) {
	block, _ := pem.Decode(csr)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return block.Bytes, nil
}

// GetX509CSR returns the parsed X.509 certificate request.
func (csr TLSCSR) GetX509CSR() (*x509.CertificateRequest, error) {
	der, err := csr.DER()
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificateRequest(der)
}

// TLSCert represents one or more certificates in PEM format, leaf first.
type TLSCert []byte

// NewTLSCert encodes certificates as a PEM bundle.
func NewTLSCert(certs ...*x509.Certificate) TLSCert {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return TLSCert(out)
}

// GetX509Cert returns the first certificate of the bundle.
func (cert TLSCert) GetX509Cert() (*x509.Certificate, error) {
	chain, err := cert.GetX509Chain()
	if err != nil {
		return nil, err
	}
	return chain[0], nil
}

// GetX509Chain returns all certificates in the bundle.
func (cert TLSCert) GetX509Chain() ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := []byte(cert)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		parsed, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate structure: %w", err)
		}
		chain = append(chain, parsed)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificate found in PEM data")
	}
	return chain, nil
}

// CACert represents a Certificate Authority Certificate in PEM format.
type CACert []byte

// NewCACert creates a new CA certificate object from PEM-encoded data with validation.
func NewCACert(data []byte) (CACert, error) {
	cert, err := TLSCert(data).GetX509Cert()
	if err != nil {
		return CACert{}, fmt.Errorf("invalid CA certificate: %w", err)
	}

	if !cert.IsCA {
		return CACert{}, errors.New("certificate is not a CA certificate (IsCA flag not set)")
	}

	return CACert(data), nil
}

// GetX509Cert returns the parsed X.509 certificate.
func (ca CACert) GetX509Cert() (*x509.Certificate, error) {
	return TLSCert(ca).GetX509Cert()
}

// RSAPrivkey represents an RSA private key in PEM format.
type RSAPrivkey []byte

// NewRSAPrivkey encodes key as a PKCS #8 PEM block.
func NewRSAPrivkey(key *rsa.PrivateKey) (RSAPrivkey, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GetPrivateKey parses a PKCS #8 or PKCS #1 RSA key.
func (priv RSAPrivkey) GetPrivateKey() (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type: %T", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}
