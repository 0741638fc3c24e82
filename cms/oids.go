package cms

import (
	"crypto"
	"encoding/asn1"
)

// Content types.
var (
	OIDData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
)

// Signed attribute types.
var (
	OIDContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// Digest algorithms.
var (
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Signature and key transport algorithms.
var (
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

type signatureFamily struct {
	rsa  bool
	hash crypto.Hash // zero when the hash comes from the digest algorithm
}

func signatureFamilyByOID(oid asn1.ObjectIdentifier) (signatureFamily, bool) {
	switch {
	case oid.Equal(OIDRSAEncryption):
		return signatureFamily{rsa: true}, true
	case oid.Equal(OIDSHA1WithRSA):
		return signatureFamily{rsa: true, hash: crypto.SHA1}, true
	case oid.Equal(OIDSHA256WithRSA):
		return signatureFamily{rsa: true, hash: crypto.SHA256}, true
	case oid.Equal(OIDSHA384WithRSA):
		return signatureFamily{rsa: true, hash: crypto.SHA384}, true
	case oid.Equal(OIDSHA512WithRSA):
		return signatureFamily{rsa: true, hash: crypto.SHA512}, true
	case oid.Equal(OIDECDSAWithSHA1):
		return signatureFamily{hash: crypto.SHA1}, true
	case oid.Equal(OIDECDSAWithSHA256):
		return signatureFamily{hash: crypto.SHA256}, true
	case oid.Equal(OIDECDSAWithSHA384):
		return signatureFamily{hash: crypto.SHA384}, true
	case oid.Equal(OIDECDSAWithSHA512):
		return signatureFamily{hash: crypto.SHA512}, true
	default:
		return signatureFamily{}, false
	}
}

// HashOID returns the digest algorithm identifier of h.
func HashOID(h crypto.Hash) (asn1.ObjectIdentifier, bool) {
	switch h {
	case crypto.SHA1:
		return OIDSHA1, true
	case crypto.SHA256:
		return OIDSHA256, true
	case crypto.SHA384:
		return OIDSHA384, true
	case crypto.SHA512:
		return OIDSHA512, true
	default:
		return nil, false
	}
}

// HashByOID resolves a digest algorithm identifier.
func HashByOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, true
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, true
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, true
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, true
	default:
		return 0, false
	}
}

func ecdsaSignatureOID(h crypto.Hash) (asn1.ObjectIdentifier, bool) {
	switch h {
	case crypto.SHA1:
		return OIDECDSAWithSHA1, true
	case crypto.SHA256:
		return OIDECDSAWithSHA256, true
	case crypto.SHA384:
		return OIDECDSAWithSHA384, true
	case crypto.SHA512:
		return OIDECDSAWithSHA512, true
	default:
		return nil, false
	}
}
