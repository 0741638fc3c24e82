package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// CredentialKind selects which half of an issued credential is stored.
type CredentialKind int

const (
	// CertificateKind is the PEM certificate chain, leaf first.
	CertificateKind CredentialKind = iota
	// PrivateKeyKind is the PEM private key of the requester.
	PrivateKeyKind
)

func (k CredentialKind) String() string {
	switch k {
	case CertificateKind:
		return "certificate"
	case PrivateKeyKind:
		return "key"
	default:
		return fmt.Sprintf("CredentialKind(%d)", int(k))
	}
}

// CredentialStore delivers the output of a completed enrollment.
// Entries are keyed by transaction id and kind. Writes overwrite.
type CredentialStore interface {
	// Fetch returns ErrContentNotFound if nothing is stored under id and kind.
	Fetch(ctx context.Context, id TransactionID, kind CredentialKind) ([]byte, error)

	Store(ctx context.Context, id TransactionID, kind CredentialKind, data []byte) error

	Available(ctx context.Context) bool

	Name() string

	// LocationURI returns the URI the store was created from, credentials redacted.
	LocationURI() string
}

// StorageBackendLocation is a credential store URI:
//
//	file:///var/lib/scep/issued
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=...
//	vault://[TOKEN@]vault.example.com:8200/mount/path?tls=false
type StorageBackendLocation string

var supportedSchemes = map[string]bool{
	"file":  true,
	"s3":    true,
	"vault": true,
}

// NewStorageBackendLocation validates the scheme of uri.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !supportedSchemes[scheme] {
		return "", fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, u.Scheme)
	}

	return StorageBackendLocation(uri), nil
}

// Scheme returns the lower-cased URI scheme.
func (l StorageBackendLocation) Scheme() string {
	scheme, _, _ := strings.Cut(string(l), "://")
	return strings.ToLower(scheme)
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// CredentialName returns a path-safe name for id. Ids that are not already
// path-safe (caller-supplied bytes) are hex encoded with an "x" prefix.
func CredentialName(id TransactionID) string {
	if safeName.MatchString(string(id)) && string(id) != "." && string(id) != ".." {
		return string(id)
	}
	return fmt.Sprintf("x%x", []byte(id))
}

var (
	// ErrContentNotFound is returned when nothing is stored under the requested id.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)
