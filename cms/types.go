// Package cms implements the subset of the Cryptographic Message Syntax (RFC 5652)
// that PKI messages are built from: SignedData with signed attributes, certs-only
// SignedData, and the shared ContentInfo framing.
package cms

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ContentInfo is the outer framing of every CMS structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// NewContentInfo wraps the DER encoding of an inner structure.
func NewContentInfo(contentType asn1.ObjectIdentifier, inner []byte) ContentInfo {
	return ContentInfo{
		ContentType: contentType,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	}
}

// SignedData is the RFC 5652 section 5.1 structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []SignerInfo  `asn1:"set"`
}

// EncapsulatedContentInfo carries the signed content as an explicitly tagged OCTET STRING.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo identifies a signer by issuer and serial number.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber references a certificate.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute is a signed attribute with its values kept in DER form.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// NewAttribute marshals value and returns a single-valued attribute.
func NewAttribute(oid asn1.ObjectIdentifier, value interface{}) (Attribute, error) {
	der, err := asn1.Marshal(value)
	if err != nil {
		return Attribute{}, fmt.Errorf("failed to marshal attribute %s: %w", oid, err)
	}
	return Attribute{Type: oid, Values: []asn1.RawValue{{FullBytes: der}}}, nil
}

// NewPrintableStringAttribute returns an attribute whose value is a PrintableString.
func NewPrintableStringAttribute(oid asn1.ObjectIdentifier, value string) (Attribute, error) {
	der, err := asn1.MarshalWithParams(value, "printable")
	if err != nil {
		return Attribute{}, fmt.Errorf("failed to marshal attribute %s: %w", oid, err)
	}
	return Attribute{Type: oid, Values: []asn1.RawValue{{FullBytes: der}}}, nil
}

// NewContentTypeAttr returns the contentType signed attribute.
func NewContentTypeAttr(contentType asn1.ObjectIdentifier) (Attribute, error) {
	return NewAttribute(OIDContentType, contentType)
}

// NewMessageDigestAttr returns the messageDigest signed attribute.
func NewMessageDigestAttr(digest []byte) (Attribute, error) {
	return NewAttribute(OIDMessageDigest, digest)
}

// NewSigningTimeAttr returns the signingTime signed attribute encoded as UTCTime.
func NewSigningTimeAttr(t time.Time) (Attribute, error) {
	der, err := asn1.MarshalWithParams(t.UTC(), "utc")
	if err != nil {
		return Attribute{}, fmt.Errorf("failed to marshal signing time: %w", err)
	}
	return Attribute{Type: OIDSigningTime, Values: []asn1.RawValue{{FullBytes: der}}}, nil
}

// Attributes is the decoded set of signed attributes.
type Attributes []Attribute

// Get returns the first value of the attribute with type oid.
func (attrs Attributes) Get(oid asn1.ObjectIdentifier) (asn1.RawValue, bool) {
	for _, a := range attrs {
		if a.Type.Equal(oid) && len(a.Values) > 0 {
			return a.Values[0], true
		}
	}
	return asn1.RawValue{}, false
}

// Unmarshal decodes the first value of the attribute with type oid into out.
// It reports false when the attribute is absent.
func (attrs Attributes) Unmarshal(oid asn1.ObjectIdentifier, out interface{}) (bool, error) {
	value, ok := attrs.Get(oid)
	if !ok {
		return false, nil
	}
	rest, err := asn1.Unmarshal(value.FullBytes, out)
	if err != nil {
		return true, fmt.Errorf("malformed attribute %s: %w", oid, err)
	}
	if len(rest) > 0 {
		return true, fmt.Errorf("trailing data in attribute %s", oid)
	}
	return true, nil
}

// MarshalSignedAttrs returns the DER SET OF encoding of attrs, sorted as DER requires.
// This is the form the signature is computed over.
func MarshalSignedAttrs(attrs []Attribute) ([]byte, error) {
	encoded := make([][]byte, 0, len(attrs))
	for _, a := range attrs {
		der, err := asn1.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attribute %s: %w", a.Type, err)
		}
		encoded = append(encoded, der)
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
		for _, e := range encoded {
			b.AddBytes(e)
		}
	})
	return b.Bytes()
}

// implicitSignedAttrs converts the SET encoding into the [0] IMPLICIT field of a SignerInfo.
func implicitSignedAttrs(set []byte) (asn1.RawValue, error) {
	input := cryptobyte.String(set)
	var content cryptobyte.String
	if !input.ReadASN1(&content, cbasn1.SET) || !input.Empty() {
		return asn1.RawValue{}, fmt.Errorf("signed attributes are not a DER SET")
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: content}, nil
}

// explicitSignedAttrs re-tags the [0] IMPLICIT field as the universal SET the signature covers.
func explicitSignedAttrs(field asn1.RawValue) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
		b.AddBytes(field.Bytes)
	})
	return b.Bytes()
}

func parseAttributes(field asn1.RawValue) (Attributes, error) {
	var attrs Attributes
	rest := field.Bytes
	for len(rest) > 0 {
		var a Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &a)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}
