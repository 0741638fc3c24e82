package cryptoutils

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// VerifyCertificate checks that cert was issued for key and, when expectedCN
// is not empty, for the expected common name.
func VerifyCertificate(key crypto.Signer, cert *x509.Certificate, expectedCN string) error {
	if expectedCN != "" && cert.Subject.CommonName != expectedCN {
		return fmt.Errorf("CommonName is %s, expected %s", cert.Subject.CommonName, expectedCN)
	}

	certPublicKey, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return errors.New("unsupported key type")
	}
	if !certPublicKey.Equal(key.Public()) {
		return errors.New("private key doesn't match certificate")
	}
	return nil
}
