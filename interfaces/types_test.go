package interfaces

import (
	"crypto/x509/pkix"
	"errors"
	"testing"

	"github.com/ruteri/scep-client/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionIDFromPublicKey(t *testing.T) {
	key, err := cryptoutils.GenerateRSAKey(1024)
	require.NoError(t, err)
	other, err := cryptoutils.GenerateRSAKey(1024)
	require.NoError(t, err)

	tests := []struct {
		digest  string
		wantLen int
	}{
		{"MD5", 32},
		{"SHA-1", 40},
		{"sha1", 40},
		{"SHA-256", 64},
		{"sha-512", 128},
	}

	for _, tt := range tests {
		t.Run(tt.digest, func(t *testing.T) {
			id, err := TransactionIDFromPublicKey(&key.PublicKey, tt.digest)
			require.NoError(t, err)
			assert.Len(t, id.String(), tt.wantLen)

			again, err := TransactionIDFromPublicKey(&key.PublicKey, tt.digest)
			require.NoError(t, err)
			assert.True(t, id.Equal(again))

			differs, err := TransactionIDFromPublicKey(&other.PublicKey, tt.digest)
			require.NoError(t, err)
			assert.False(t, id.Equal(differs))
		})
	}

	_, err = TransactionIDFromPublicKey(&key.PublicKey, "SHA3-256")
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
}

func TestFreshTransactionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := FreshTransactionID()
		require.False(t, seen[id.String()], "duplicate id %s", id)
		seen[id.String()] = true
	}
}

func TestTransactionIDFromBytes(t *testing.T) {
	raw := []byte("abc123")
	id := TransactionIDFromBytes(raw)
	raw[0] = 'x'

	assert.Equal(t, "abc123", id.String())
	assert.True(t, id.Equal(TransactionID("abc123")))
	assert.False(t, id.Equal(TransactionID("abc12")))

	tests := []struct {
		name     string
		raw      []byte
		expected string
	}{
		{"printable", []byte("Device 01 (lab):=?"), "Device 01 (lab):=?"},
		{"control bytes", []byte{0x00, 0xff, 0x10}, "00ff10"},
		{"underscore", []byte("a_b"), "615f62"},
		{"asterisk", []byte("a*b"), "612a62"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := TransactionIDFromBytes(tt.raw)
			assert.Equal(t, tt.expected, id.String())
			assert.NoError(t, id.Validate())
		})
	}
}

func TestTransactionIDValidate(t *testing.T) {
	assert.NoError(t, TransactionID("6f1ed002").Validate())
	assert.NoError(t, FreshTransactionID().Validate())

	for _, id := range []TransactionID{nil, TransactionID("a_b"), TransactionID([]byte{0x00})} {
		err := id.Validate()
		assert.ErrorIs(t, err, ErrInvalidTransactionID)
		assert.ErrorIs(t, err, ErrProtocol)
	}
}

func TestNonce(t *testing.T) {
	a, b := NewNonce(), NewNonce()
	assert.False(t, a.Equal(b))
	assert.Len(t, a.String(), 2*NonceSize)

	c, err := NewNonceFromBytes(a.Bytes())
	require.NoError(t, err)
	assert.True(t, a.Equal(c))

	_, err = NewNonceFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestIssuerAndSubject(t *testing.T) {
	key, err := cryptoutils.GenerateRSAKey(1024)
	require.NoError(t, err)
	caCert, err := cryptoutils.SelfSignedSignerCert(key, pkix.Name{CommonName: "CA"})
	require.NoError(t, err)
	csrPEM, err := cryptoutils.CreateCSR(key, cryptoutils.CSROptions{Subject: pkix.Name{CommonName: "device"}})
	require.NoError(t, err)
	csr, err := csrPEM.GetX509CSR()
	require.NoError(t, err)

	ias := NewIssuerAndSubject(caCert, csr)
	der, err := ias.Marshal()
	require.NoError(t, err)

	parsed, err := ParseIssuerAndSubject(der)
	require.NoError(t, err)
	assert.Equal(t, caCert.RawSubject, []byte(parsed.Issuer))
	assert.Equal(t, csr.RawSubject, []byte(parsed.Subject))

	_, err = ParseIssuerAndSubject(append(der, 0))
	assert.Error(t, err)
	_, err = ParseIssuerAndSubject([]byte{0x30, 0x00})
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		leaf     error
		category error
	}{
		{ErrNoCipherAvailable, ErrEnvelope},
		{ErrEmptyEnvelope, ErrEnvelope},
		{ErrKeyUnwrapFailure, ErrEnvelope},
		{ErrDecryptionFailure, ErrEnvelope},
		{ErrSignatureInvalid, ErrSignature},
		{ErrMissingAttribute, ErrSignature},
		{ErrTransactionMismatch, ErrProtocol},
		{ErrNonceMismatch, ErrProtocol},
		{ErrReplayDetected, ErrProtocol},
		{ErrInvalidTransactionID, ErrProtocol},
	}

	cause := errors.New("root cause")
	for _, tt := range tests {
		t.Run(tt.leaf.Error(), func(t *testing.T) {
			err := WrapError(tt.leaf, cause)
			assert.ErrorIs(t, err, tt.leaf)
			assert.ErrorIs(t, err, tt.category)
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "PENDING", StatusPending.String())
	assert.Equal(t, "badCertId", BadCertID.String())
	assert.Equal(t, "GetCertInitial", GetCertInitial.String())
	assert.Equal(t, "FailInfo(9)", FailInfo("9").String())
}
