package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/scep-client/interfaces"
)

// VerifyResult is the outcome of a successful Verify.
type VerifyResult struct {
	Content      []byte
	Attributes   Attributes
	Signer       *x509.Certificate
	Certificates []*x509.Certificate
	SigningTime  time.Time
}

// Verify checks a SignedData against the signer certificate embedded in it and
// returns the content and signed attributes.
//
// Only the signature is checked. Whether the signer is trusted is up to the caller.
// The signature algorithm identifier must agree with the signer's key type.
func Verify(der []byte) (*VerifyResult, error) {
	sd, err := ParseSignedData(der)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("%w: expected one signer, found %d", interfaces.ErrSignatureInvalid, len(sd.SignerInfos))
	}
	si := sd.SignerInfos[0]

	certs, err := parseCertificateSet(sd.Certificates)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}
	signer := findSigner(certs, si.SID)
	if signer == nil {
		return nil, fmt.Errorf("%w: signer certificate not found", interfaces.ErrSignatureInvalid)
	}

	content, err := encapsulatedContent(sd.EncapContentInfo)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}

	if len(si.SignedAttrs.Bytes) == 0 {
		return nil, fmt.Errorf("%w: no signed attributes", interfaces.ErrMissingAttribute)
	}
	attrs, err := parseAttributes(si.SignedAttrs)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}

	hash, ok := HashByOID(si.DigestAlgorithm.Algorithm)
	if !ok || !hash.Available() {
		return nil, fmt.Errorf("%w: unsupported digest algorithm %s", interfaces.ErrSignatureInvalid, si.DigestAlgorithm.Algorithm)
	}

	var contentType asn1.ObjectIdentifier
	if found, err := attrs.Unmarshal(OIDContentType, &contentType); err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	} else if !found {
		return nil, fmt.Errorf("%w: contentType", interfaces.ErrMissingAttribute)
	}
	if !contentType.Equal(sd.EncapContentInfo.EContentType) {
		return nil, fmt.Errorf("%w: contentType attribute %s does not match content %s", interfaces.ErrSignatureInvalid, contentType, sd.EncapContentInfo.EContentType)
	}

	var messageDigest []byte
	if found, err := attrs.Unmarshal(OIDMessageDigest, &messageDigest); err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	} else if !found {
		return nil, fmt.Errorf("%w: messageDigest", interfaces.ErrMissingAttribute)
	}
	h := hash.New()
	h.Write(content)
	if !bytes.Equal(h.Sum(nil), messageDigest) {
		return nil, fmt.Errorf("%w: content digest mismatch", interfaces.ErrSignatureInvalid)
	}

	signed, err := explicitSignedAttrs(si.SignedAttrs)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}
	h = hash.New()
	h.Write(signed)
	if err := checkSignature(signer, si, hash, h.Sum(nil)); err != nil {
		return nil, interfaces.WrapError(interfaces.ErrSignatureInvalid, err)
	}

	result := &VerifyResult{
		Content:      content,
		Attributes:   attrs,
		Signer:       signer,
		Certificates: certs,
	}
	var signingTime time.Time
	if found, err := attrs.Unmarshal(OIDSigningTime, &signingTime); err == nil && found {
		result.SigningTime = signingTime
	}
	return result, nil
}

func checkSignature(signer *x509.Certificate, si SignerInfo, hash crypto.Hash, digest []byte) error {
	family, ok := signatureFamilyByOID(si.SignatureAlgorithm.Algorithm)
	if !ok {
		return fmt.Errorf("unsupported signature algorithm %s", si.SignatureAlgorithm.Algorithm)
	}
	if family.hash != 0 && family.hash != hash {
		return fmt.Errorf("signature algorithm %s disagrees with digest algorithm %s", si.SignatureAlgorithm.Algorithm, hash)
	}

	switch pub := signer.PublicKey.(type) {
	case *rsa.PublicKey:
		if !family.rsa {
			return errors.New("signature algorithm does not match RSA signer key")
		}
		return rsa.VerifyPKCS1v15(pub, hash, digest, si.Signature)
	case *ecdsa.PublicKey:
		if family.rsa {
			return errors.New("signature algorithm does not match ECDSA signer key")
		}
		if !ecdsa.VerifyASN1(pub, digest, si.Signature) {
			return errors.New("ecdsa: verification error")
		}
		return nil
	default:
		return fmt.Errorf("unsupported signer key type %T", signer.PublicKey)
	}
}

// ParseSignedData decodes a ContentInfo carrying SignedData.
func ParseSignedData(der []byte) (*SignedData, error) {
	var ci ContentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, fmt.Errorf("malformed content info: %w", err)
	}
	if len(rest) > 0 {
		return nil, errors.New("trailing data after content info")
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("content type %s is not signedData", ci.ContentType)
	}

	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("malformed signed data: %w", err)
	}
	return &sd, nil
}

func parseCertificateSet(raw asn1.RawValue) ([]*x509.Certificate, error) {
	if len(raw.Bytes) == 0 {
		return nil, nil
	}
	return x509.ParseCertificates(raw.Bytes)
}

func findSigner(certs []*x509.Certificate, sid IssuerAndSerialNumber) *x509.Certificate {
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(sid.SerialNumber) == 0 && bytes.Equal(cert.RawIssuer, sid.Issuer.FullBytes) {
			return cert
		}
	}
	return nil
}

// encapsulatedContent returns the signed octets, joining the segments of a
// constructed OCTET STRING if the sender used one.
func encapsulatedContent(eci EncapsulatedContentInfo) ([]byte, error) {
	if len(eci.EContent.Bytes) == 0 {
		return nil, nil
	}
	var octets asn1.RawValue
	if _, err := asn1.Unmarshal(eci.EContent.Bytes, &octets); err != nil {
		return nil, fmt.Errorf("malformed encapsulated content: %w", err)
	}
	if octets.Class != asn1.ClassUniversal || octets.Tag != asn1.TagOctetString {
		return nil, fmt.Errorf("encapsulated content is not an OCTET STRING")
	}
	if !octets.IsCompound {
		return octets.Bytes, nil
	}

	var out []byte
	rest := octets.Bytes
	for len(rest) > 0 {
		var chunk []byte
		var err error
		if rest, err = asn1.Unmarshal(rest, &chunk); err != nil {
			return nil, fmt.Errorf("malformed content segment: %w", err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}
