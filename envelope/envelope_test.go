package envelope

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"sync"
	"testing"

	"github.com/ruteri/scep-client/cms"
	"github.com/ruteri/scep-client/cryptoutils"
	"github.com/ruteri/scep-client/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recipient struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

var (
	recipientsOnce sync.Once
	recipients     [2]recipient
)

func testRecipients(t *testing.T) (recipient, recipient) {
	t.Helper()
	recipientsOnce.Do(func() {
		for i := range recipients {
			key, err := cryptoutils.GenerateRSAKey(2048)
			require.NoError(t, err)
			cert, err := cryptoutils.SelfSignedSignerCert(key, pkix.Name{CommonName: "recipient"})
			require.NoError(t, err)
			recipients[i] = recipient{key: key, cert: cert}
		}
	})
	return recipients[0], recipients[1]
}

func TestEnvelopeRoundTrip(t *testing.T) {
	r, _ := testRecipients(t)

	lengths := []int{0, 1, 7, 8, 9, 15, 16, 17, 100, 1024}
	for _, c := range []Cipher{DESEDE3CBC, AES128CBC, AES256CBC} {
		for _, n := range lengths {
			plaintext := bytes.Repeat([]byte{0xa5}, n)

			der, err := Encoder{Cipher: c}.Encode(plaintext, r.cert)
			require.NoError(t, err, "%s/%d", c, n)

			got, err := Decode(der, r.key)
			require.NoError(t, err, "%s/%d", c, n)
			assert.Equal(t, len(plaintext), len(got), "%s/%d", c, n)
			assert.True(t, bytes.Equal(plaintext, got), "%s/%d", c, n)
		}
	}
}

func TestEnvelopeDefaultCipher(t *testing.T) {
	r, _ := testRecipients(t)

	der, err := Encoder{}.Encode([]byte("hello"), r.cert)
	require.NoError(t, err)

	ed, err := parse(der)
	require.NoError(t, err)
	assert.True(t, ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Algorithm.Equal(oidDESEDE3CBC))
	require.Len(t, ed.RecipientInfos, 1)
	assert.Equal(t, r.cert.SerialNumber, ed.RecipientInfos[0].IssuerAndSerialNumber.SerialNumber)
}

func TestEnvelopeNoCipherAvailable(t *testing.T) {
	r, _ := testRecipients(t)

	tests := []struct {
		name   string
		cipher Cipher
	}{
		{name: "decode-only cipher", cipher: DESCBC},
		{name: "unknown cipher", cipher: Cipher(42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encoder{Cipher: tt.cipher}.Encode([]byte("x"), r.cert)
			require.ErrorIs(t, err, interfaces.ErrNoCipherAvailable)
			require.ErrorIs(t, err, interfaces.ErrEnvelope)
		})
	}
}

func TestEnvelopeWrongKey(t *testing.T) {
	r, other := testRecipients(t)

	der, err := Encoder{}.Encode([]byte("for someone else"), r.cert)
	require.NoError(t, err)

	_, err = Decode(der, other.key)
	require.ErrorIs(t, err, interfaces.ErrKeyUnwrapFailure)
	require.ErrorIs(t, err, interfaces.ErrEnvelope)
}

func TestEnvelopeEmpty(t *testing.T) {
	r, _ := testRecipients(t)

	der, err := Encoder{}.Encode([]byte("payload"), r.cert)
	require.NoError(t, err)

	ed, err := parse(der)
	require.NoError(t, err)
	ed.RecipientInfos = nil

	emptied := rewrap(t, ed)
	_, err = Decode(emptied, r.key)
	require.ErrorIs(t, err, interfaces.ErrEmptyEnvelope)
}

func TestEnvelopeFirstRecipientOnly(t *testing.T) {
	r, other := testRecipients(t)

	der, err := Encoder{}.Encode([]byte("payload"), r.cert)
	require.NoError(t, err)
	ed, err := parse(der)
	require.NoError(t, err)

	decoy := ed.RecipientInfos[0]
	decoy.EncryptedKey = bytes.Repeat([]byte{1}, len(decoy.EncryptedKey))

	// The genuine entry for r is second, so r cannot open it.
	ed.RecipientInfos = []keyTransRecipientInfo{decoy, ed.RecipientInfos[0]}
	multi := rewrap(t, ed)

	n, err := RecipientCount(multi)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = Decode(multi, r.key)
	require.ErrorIs(t, err, interfaces.ErrKeyUnwrapFailure)

	_, err = Decode(multi, other.key)
	require.Error(t, err)
}

func TestEnvelopeCorruptedCiphertext(t *testing.T) {
	r, _ := testRecipients(t)

	der, err := Encoder{}.Encode([]byte("payload"), r.cert)
	require.NoError(t, err)
	ed, err := parse(der)
	require.NoError(t, err)

	content := &ed.EncryptedContentInfo.EncryptedContent
	content.Bytes = content.Bytes[:5]
	content.FullBytes = nil
	_, err = Decode(rewrap(t, ed), r.key)
	require.ErrorIs(t, err, interfaces.ErrDecryptionFailure)
}

func TestEnvelopeMalformed(t *testing.T) {
	r, _ := testRecipients(t)

	_, err := Decode([]byte{0x30, 0x03, 0x01}, r.key)
	require.ErrorIs(t, err, interfaces.ErrEnvelope)
}

func TestEnvelopeConstructedContent(t *testing.T) {
	r, _ := testRecipients(t)

	plaintext := []byte("split across several octet strings")
	der, err := Encoder{Cipher: AES128CBC}.Encode(plaintext, r.cert)
	require.NoError(t, err)
	ed, err := parse(der)
	require.NoError(t, err)

	ciphertext := ed.EncryptedContentInfo.EncryptedContent.Bytes
	var chunks []byte
	for i := 0; i < len(ciphertext); i += 16 {
		end := min(i+16, len(ciphertext))
		chunk, err := asn1.Marshal(ciphertext[i:end])
		require.NoError(t, err)
		chunks = append(chunks, chunk...)
	}
	ed.EncryptedContentInfo.EncryptedContent = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: chunks}

	got, err := Decode(rewrap(t, ed), r.key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCipherByName(t *testing.T) {
	c, ok := CipherByName("DES3")
	require.True(t, ok)
	assert.Equal(t, DESEDE3CBC, c)

	c, ok = CipherByName("AES-256")
	require.True(t, ok)
	assert.Equal(t, AES256CBC, c)

	_, ok = CipherByName("RC2")
	assert.False(t, ok)
}

func TestSetOddParity(t *testing.T) {
	key := []byte{0x00, 0x01, 0x02, 0xff, 0xfe}
	setOddParity(key)
	for _, b := range key {
		ones := 0
		for v := b; v != 0; v >>= 1 {
			ones += int(v & 1)
		}
		assert.Equal(t, 1, ones%2, "byte %#x", b)
	}
}

func rewrap(t *testing.T, ed envelopedData) []byte {
	t.Helper()
	inner, err := asn1.Marshal(ed)
	require.NoError(t, err)
	der, err := asn1.Marshal(cms.NewContentInfo(cms.OIDEnvelopedData, inner))
	require.NoError(t, err)
	return der
}
