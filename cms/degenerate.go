package cms

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
)

// DegenerateCertificates returns a certs-only SignedData: no content, no signers,
// just the given certificates. It is how certificate chains travel in CertRep
// payloads and GetCACert responses.
func DegenerateCertificates(certs []*x509.Certificate) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("no certificates to encode")
	}
	sd := SignedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: OIDData},
		Certificates:     certificateSet(certs),
		SignerInfos:      []SignerInfo{},
	}
	return marshalSignedData(sd)
}

// ParseCertificates extracts the certificates of a SignedData, degenerate or not.
func ParseCertificates(der []byte) ([]*x509.Certificate, error) {
	sd, err := ParseSignedData(der)
	if err != nil {
		return nil, err
	}
	certs, err := parseCertificateSet(sd.Certificates)
	if err != nil {
		return nil, fmt.Errorf("malformed certificate set: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("signed data carries no certificates")
	}
	return certs, nil
}
