package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// DefaultRSAKeyBits is the modulus size used for generated requester keys.
const DefaultRSAKeyBits = 2048

var (
	oidChallengePassword    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}
	oidSHA256WithRSA        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	attributesTag           = cbasn1.Tag(0).Constructed().ContextSpecific()
	errMalformedCertRequest = errors.New("malformed certificate request")
)

// GenerateRSAKey creates a new RSA key. SCEP key transport requires RSA on both ends.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultRSAKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// CSROptions describes the request to build.
type CSROptions struct {
	Subject           pkix.Name
	DNSNames          []string
	ChallengePassword string
}

// CreateCSR builds a PKCS #10 request signed with key.
//
// When a challenge password is set the request is re-signed with the
// challengePassword attribute added, since crypto/x509 cannot emit it.
func CreateCSR(key *rsa.PrivateKey, opts CSROptions) (TLSCSR, error) {
	template := x509.CertificateRequest{
		Subject:            opts.Subject,
		DNSNames:           opts.DNSNames,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	if opts.ChallengePassword != "" {
		der, err = addChallengePassword(der, opts.ChallengePassword, key)
		if err != nil {
			return nil, err
		}
	}

	return TLSCSRFromDER(der), nil
}

// ChallengePassword returns the challengePassword attribute of a request, if any.
func ChallengePassword(csr *x509.CertificateRequest) (string, error) {
	input := cryptobyte.String(csr.RawTBSCertificateRequest)
	var info, attrs cryptobyte.String
	var hasAttrs bool
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.SkipASN1(cbasn1.INTEGER) ||
		!info.SkipASN1(cbasn1.SEQUENCE) ||
		!info.SkipASN1(cbasn1.SEQUENCE) ||
		!info.ReadOptionalASN1(&attrs, &hasAttrs, attributesTag) {
		return "", errMalformedCertRequest
	}

	for !attrs.Empty() {
		var attr, values cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, cbasn1.SEQUENCE) || !attr.ReadASN1ObjectIdentifier(&oid) || !attr.ReadASN1(&values, cbasn1.SET) {
			return "", errMalformedCertRequest
		}
		if !oid.Equal(oidChallengePassword) {
			continue
		}
		var tag cbasn1.Tag
		var value cryptobyte.String
		if !values.ReadAnyASN1(&value, &tag) {
			return "", errMalformedCertRequest
		}
		return string(value), nil
	}
	return "", nil
}

func addChallengePassword(der []byte, password string, key *rsa.PrivateKey) ([]byte, error) {
	input := cryptobyte.String(der)
	var req, info, version, subject, spki, attrs cryptobyte.String
	var hasAttrs bool
	if !input.ReadASN1(&req, cbasn1.SEQUENCE) ||
		!req.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.ReadASN1Element(&version, cbasn1.INTEGER) ||
		!info.ReadASN1Element(&subject, cbasn1.SEQUENCE) ||
		!info.ReadASN1Element(&spki, cbasn1.SEQUENCE) ||
		!info.ReadOptionalASN1(&attrs, &hasAttrs, attributesTag) {
		return nil, errMalformedCertRequest
	}

	var elements [][]byte
	for !attrs.Empty() {
		var attr cryptobyte.String
		if !attrs.ReadASN1Element(&attr, cbasn1.SEQUENCE) {
			return nil, errMalformedCertRequest
		}
		elements = append(elements, attr)
	}

	var pw cryptobyte.Builder
	pw.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidChallengePassword)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(password))
			})
		})
	})
	pwAttr, err := pw.Bytes()
	if err != nil {
		return nil, err
	}
	elements = append(elements, pwAttr)
	// DER SET OF ordering.
	sort.Slice(elements, func(i, j int) bool { return bytes.Compare(elements[i], elements[j]) < 0 })

	var tbs cryptobyte.Builder
	tbs.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(version)
		b.AddBytes(subject)
		b.AddBytes(spki)
		b.AddASN1(attributesTag, func(b *cryptobyte.Builder) {
			for _, e := range elements {
				b.AddBytes(e)
			}
		})
	})
	tbsDER, err := tbs.Bytes()
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(tbsDER)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign CSR: %w", err)
	}

	var out cryptobyte.Builder
	out.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbsDER)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSHA256WithRSA)
			b.AddASN1NULL()
		})
		b.AddASN1BitString(signature)
	})
	return out.Bytes()
}

// SelfSignedSignerCert creates the transient certificate a requester signs its
// PKI messages with before it holds a CA-issued one.
func SelfSignedSignerCert(key *rsa.PrivateKey, subject pkix.Name) (*x509.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return x509.ParseCertificate(der)
}

// Fingerprint returns the hex SHA-256 digest of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
