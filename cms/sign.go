package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

// SignerConfig describes how content is signed.
type SignerConfig struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	// DigestAlg defaults to SHA-256.
	DigestAlg crypto.Hash
	// SigningTime defaults to the current time.
	SigningTime time.Time
	// Attributes are added to contentType, messageDigest and signingTime.
	Attributes []Attribute
	// ExtraCertificates are embedded after the signer certificate.
	ExtraCertificates []*x509.Certificate
}

// Sign produces the DER encoding of a ContentInfo carrying SignedData over content
// with a single signer and authenticated attributes.
func Sign(content []byte, cfg *SignerConfig) ([]byte, error) {
	if cfg == nil || cfg.Certificate == nil {
		return nil, errors.New("signer certificate is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer key is required")
	}

	digestAlg := cfg.DigestAlg
	if digestAlg == 0 {
		digestAlg = crypto.SHA256
	}
	digestOID, ok := HashOID(digestAlg)
	if !ok || !digestAlg.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm %s", digestAlg)
	}

	var sigAlg pkix.AlgorithmIdentifier
	switch cfg.Signer.Public().(type) {
	case *rsa.PublicKey:
		sigAlg = pkix.AlgorithmIdentifier{Algorithm: OIDRSAEncryption, Parameters: asn1.NullRawValue}
	case *ecdsa.PublicKey:
		oid, _ := ecdsaSignatureOID(digestAlg)
		sigAlg = pkix.AlgorithmIdentifier{Algorithm: oid}
	default:
		return nil, fmt.Errorf("unsupported signer key type %T", cfg.Signer.Public())
	}

	signingTime := cfg.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}

	h := digestAlg.New()
	h.Write(content)

	contentTypeAttr, err := NewContentTypeAttr(OIDData)
	if err != nil {
		return nil, err
	}
	digestAttr, err := NewMessageDigestAttr(h.Sum(nil))
	if err != nil {
		return nil, err
	}
	timeAttr, err := NewSigningTimeAttr(signingTime)
	if err != nil {
		return nil, err
	}
	attrs := append([]Attribute{contentTypeAttr, digestAttr, timeAttr}, cfg.Attributes...)

	signedAttrs, err := MarshalSignedAttrs(attrs)
	if err != nil {
		return nil, err
	}

	h = digestAlg.New()
	h.Write(signedAttrs)
	signature, err := cfg.Signer.Sign(rand.Reader, h.Sum(nil), digestAlg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attributes: %w", err)
	}

	implicitAttrs, err := implicitSignedAttrs(signedAttrs)
	if err != nil {
		return nil, err
	}

	eContent, err := asn1.Marshal(content)
	if err != nil {
		return nil, err
	}

	sd := SignedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{{Algorithm: digestOID, Parameters: asn1.NullRawValue}},
		EncapContentInfo: EncapsulatedContentInfo{
			EContentType: OIDData,
			EContent:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: eContent},
		},
		Certificates: certificateSet(append([]*x509.Certificate{cfg.Certificate}, cfg.ExtraCertificates...)),
		SignerInfos: []SignerInfo{{
			Version: 1,
			SID: IssuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: cfg.Certificate.RawIssuer},
				SerialNumber: cfg.Certificate.SerialNumber,
			},
			DigestAlgorithm:    pkix.AlgorithmIdentifier{Algorithm: digestOID, Parameters: asn1.NullRawValue},
			SignedAttrs:        implicitAttrs,
			SignatureAlgorithm: sigAlg,
			Signature:          signature,
		}},
	}

	return marshalSignedData(sd)
}

func certificateSet(certs []*x509.Certificate) asn1.RawValue {
	var raw []byte
	for _, cert := range certs {
		raw = append(raw, cert.Raw...)
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: raw}
}

func marshalSignedData(sd SignedData) ([]byte, error) {
	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	der, err := asn1.Marshal(NewContentInfo(OIDSignedData, inner))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content info: %w", err)
	}
	return der, nil
}
