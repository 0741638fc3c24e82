// Package envelope builds and opens the confidentiality container of a PKI message:
// a CMS EnvelopedData with one key-transport recipient.
//
// The content is encrypted with a fresh symmetric key in CBC mode and the key is
// wrapped for the recipient with RSA PKCS #1 v1.5.
package envelope

import (
	"crypto"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/scep-client/cms"
	"github.com/ruteri/scep-client/interfaces"
)

type envelopedData struct {
	Version              int
	RecipientInfos       []keyTransRecipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type keyTransRecipientInfo struct {
	Version                int
	IssuerAndSerialNumber  cms.IssuerAndSerialNumber
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           asn1.RawValue `asn1:"optional,tag:0"`
}

// Encoder envelopes plaintext for a single recipient.
type Encoder struct {
	// Cipher selects the content-encryption algorithm. The zero value is DES-EDE3-CBC.
	Cipher Cipher
	// Rand is the entropy source for keys and IVs, crypto/rand when nil.
	Rand io.Reader
}

// Encode encrypts plaintext for the holder of recipient's private key and returns the
// DER encoding of a ContentInfo wrapping the EnvelopedData.
func (e Encoder) Encode(plaintext []byte, recipient *x509.Certificate) ([]byte, error) {
	spec, ok := cipherSpecs[e.Cipher]
	if !ok || !spec.encode {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoCipherAvailable, e.Cipher)
	}
	if recipient == nil {
		return nil, fmt.Errorf("%w: no recipient certificate", interfaces.ErrEnvelope)
	}
	pub, ok := recipient.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: recipient key type %T does not support key transport", interfaces.ErrEnvelope, recipient.PublicKey)
	}

	random := e.Rand
	if random == nil {
		random = rand.Reader
	}

	key := make([]byte, spec.keySize)
	if _, err := io.ReadFull(random, key); err != nil {
		return nil, interfaces.WrapError(interfaces.ErrEnvelope, err)
	}
	if spec.blockSize == 8 {
		setOddParity(key)
	}
	iv := make([]byte, spec.blockSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, interfaces.WrapError(interfaces.ErrEnvelope, err)
	}

	block, err := spec.newBlock(key)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrNoCipherAvailable, err)
	}
	ciphertext := pad(plaintext, spec.blockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, ciphertext)

	wrappedKey, err := rsa.EncryptPKCS1v15(random, pub, key)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrEnvelope, err)
	}

	ivParam, err := asn1.Marshal(iv)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrEnvelope, err)
	}

	ed := envelopedData{
		Version: 0,
		RecipientInfos: []keyTransRecipientInfo{{
			Version: 0,
			IssuerAndSerialNumber: cms.IssuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: recipient.RawIssuer},
				SerialNumber: recipient.SerialNumber,
			},
			KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  cms.OIDRSAEncryption,
				Parameters: asn1.NullRawValue,
			},
			EncryptedKey: wrappedKey,
		}},
		EncryptedContentInfo: encryptedContentInfo{
			ContentType: cms.OIDData,
			ContentEncryptionAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  spec.oid,
				Parameters: asn1.RawValue{FullBytes: ivParam},
			},
			EncryptedContent: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: ciphertext},
		},
	}

	inner, err := asn1.Marshal(ed)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrEnvelope, err)
	}

	der, err := asn1.Marshal(cms.NewContentInfo(cms.OIDEnvelopedData, inner))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrEnvelope, err)
	}
	return der, nil
}

// Decode opens an envelope produced by Encode, or by a server, with key.
//
// Only the first recipient info is honoured. Envelopes without any recipient
// info fail with ErrEmptyEnvelope.
func Decode(der []byte, key crypto.Decrypter) ([]byte, error) {
	ed, err := parse(der)
	if err != nil {
		return nil, err
	}

	eci := ed.EncryptedContentInfo
	spec, ok := cipherByOID(eci.ContentEncryptionAlgorithm.Algorithm)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported content encryption algorithm %s", interfaces.ErrNoCipherAvailable, eci.ContentEncryptionAlgorithm.Algorithm)
	}

	var iv []byte
	if _, err := asn1.Unmarshal(eci.ContentEncryptionAlgorithm.Parameters.FullBytes, &iv); err != nil {
		return nil, fmt.Errorf("%w: malformed IV parameter: %w", interfaces.ErrDecryptionFailure, err)
	}
	if len(iv) != spec.blockSize {
		return nil, fmt.Errorf("%w: IV length %d, want %d", interfaces.ErrDecryptionFailure, len(iv), spec.blockSize)
	}

	if len(ed.RecipientInfos) == 0 {
		return nil, interfaces.ErrEmptyEnvelope
	}
	ri := ed.RecipientInfos[0]

	if key == nil {
		return nil, fmt.Errorf("%w: no private key", interfaces.ErrKeyUnwrapFailure)
	}
	contentKey, err := key.Decrypt(rand.Reader, ri.EncryptedKey, nil)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrKeyUnwrapFailure, err)
	}
	if len(contentKey) != spec.keySize {
		return nil, fmt.Errorf("%w: unwrapped key length %d, want %d for %s", interfaces.ErrKeyUnwrapFailure, len(contentKey), spec.keySize, spec.name)
	}

	block, err := spec.newBlock(contentKey)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrKeyUnwrapFailure, err)
	}

	ciphertext, err := encryptedContent(eci.EncryptedContent)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrDecryptionFailure, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%spec.blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", interfaces.ErrDecryptionFailure, len(ciphertext), spec.blockSize)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = unpad(plaintext, spec.blockSize)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrDecryptionFailure, err)
	}
	return plaintext, nil
}

// RecipientCount returns the number of recipient infos in an envelope.
func RecipientCount(der []byte) (int, error) {
	ed, err := parse(der)
	if err != nil {
		return 0, err
	}
	return len(ed.RecipientInfos), nil
}

func parse(der []byte) (envelopedData, error) {
	var ci cms.ContentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return envelopedData{}, fmt.Errorf("%w: malformed content info: %w", interfaces.ErrEnvelope, err)
	}
	if len(rest) > 0 {
		return envelopedData{}, fmt.Errorf("%w: trailing data after content info", interfaces.ErrEnvelope)
	}
	if !ci.ContentType.Equal(cms.OIDEnvelopedData) {
		return envelopedData{}, fmt.Errorf("%w: content type %s is not envelopedData", interfaces.ErrEnvelope, ci.ContentType)
	}

	var ed envelopedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &ed); err != nil {
		return envelopedData{}, fmt.Errorf("%w: malformed enveloped data: %w", interfaces.ErrEnvelope, err)
	}
	return ed, nil
}

// encryptedContent accepts both the primitive form and the constructed (BER) form
// some servers emit, where the ciphertext is split over several OCTET STRINGs.
func encryptedContent(raw asn1.RawValue) ([]byte, error) {
	if !raw.IsCompound {
		return raw.Bytes, nil
	}
	var out []byte
	rest := raw.Bytes
	for len(rest) > 0 {
		var chunk []byte
		var err error
		rest, err = asn1.Unmarshal(rest, &chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	if out == nil {
		return nil, errors.New("empty encrypted content")
	}
	return out, nil
}
