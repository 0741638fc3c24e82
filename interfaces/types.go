package interfaces

import (
	"bytes"
	"crypto"
	_ "crypto/md5"
	"crypto/rand"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ruteri/scep-client/cryptoutils"
	"go.uber.org/atomic"
)

type TLSCSR = cryptoutils.TLSCSR
type TLSCert = cryptoutils.TLSCert
type CACert = cryptoutils.CACert

// NonceSize is the length in bytes of a sender or recipient nonce.
const NonceSize = 16

// Nonce represents the senderNonce and recipientNonce attributes.
type Nonce [NonceSize]byte

// NewNonce generates a nonce from crypto/rand.
// Uniqueness is only as good as the statistical properties of that source.
func NewNonce() Nonce {
	var n Nonce
	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(n[:])
	return n
}

// NewNonceFromBytes creates a nonce from a 16-byte slice.
func NewNonceFromBytes(b []byte) (Nonce, error) {
	if len(b) != NonceSize {
		return Nonce{}, fmt.Errorf("invalid nonce length %d: must be %d bytes", len(b), NonceSize)
	}

	var n Nonce
	copy(n[:], b)
	return n, nil
}

// Bytes returns the raw nonce bytes.
func (n Nonce) Bytes() []byte {
	return n[:]
}

// String returns the hex representation.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// Equal compares two nonces byte for byte.
func (n Nonce) Equal(other Nonce) bool {
	return n == other
}

// TransactionID is the transactionID attribute shared by every message of one
// enrollment attempt. It is encoded as a PrintableString on the wire.
type TransactionID []byte

var transactionIDCounter atomic.Uint64

// TransactionIDFromPublicKey derives the identifier as the hex-encoded digest of the
// PKIX DER encoding of pub. Identical key and algorithm always yield an identical id.
func TransactionIDFromPublicKey(pub crypto.PublicKey, digestAlgorithm string) (TransactionID, error) {
	hash, err := DigestByName(digestAlgorithm)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("could not encode public key: %w", err)
	}

	h := hash.New()
	h.Write(der)
	return TransactionID(hex.EncodeToString(h.Sum(nil))), nil
}

// FreshTransactionID returns a process-unique identifier derived from a counter.
// Each call returns a different value.
func FreshTransactionID() TransactionID {
	next := transactionIDCounter.Inc() - 1
	return TransactionID(strconv.FormatUint(next, 16))
}

// TransactionIDFromBytes wraps caller-supplied identifier bytes. Bytes outside the
// PrintableString charset cannot go on the wire as they are, so such input is
// hex-encoded instead.
func TransactionIDFromBytes(raw []byte) TransactionID {
	if !isPrintableString(raw) {
		return TransactionID(hex.EncodeToString(raw))
	}
	id := make(TransactionID, len(raw))
	copy(id, raw)
	return id
}

// Validate reports ErrInvalidTransactionID unless the identifier is a non-empty
// PrintableString.
func (id TransactionID) Validate() error {
	if len(id) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidTransactionID)
	}
	if !isPrintableString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTransactionID, string(id))
	}
	return nil
}

// Equal compares two identifiers byte for byte.
func (id TransactionID) Equal(other TransactionID) bool {
	return bytes.Equal(id, other)
}

// String returns the identifier as text.
func (id TransactionID) String() string {
	return string(id)
}

// Bytes returns the raw identifier.
func (id TransactionID) Bytes() []byte {
	return []byte(id)
}

// isPrintableString checks the X.680 PrintableString alphabet.
func isPrintableString(b []byte) bool {
	for _, c := range b {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte(" '()+,-./:=?", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// DigestByName resolves a digest algorithm name such as "SHA-256" or "sha256".
func DigestByName(name string) (crypto.Hash, error) {
	normalized := strings.ReplaceAll(strings.ToUpper(name), "-", "")
	switch normalized {
	case "MD5":
		return crypto.MD5, nil
	case "SHA1":
		return crypto.SHA1, nil
	case "SHA224":
		return crypto.SHA224, nil
	case "SHA256":
		return crypto.SHA256, nil
	case "SHA384":
		return crypto.SHA384, nil
	case "SHA512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDigest, name)
	}
}
