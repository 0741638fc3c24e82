package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/ruteri/scep-client/interfaces"
)

// StoreFactory creates credential stores from location URIs.
type StoreFactory struct {
	log *slog.Logger
	// clientCert is presented to Vault backends when set.
	clientCert *tls.Certificate
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{log: logger}
}

// WithClientCertificate makes Vault backends authenticate with cert.
func (sf *StoreFactory) WithClientCertificate(cert *tls.Certificate) *StoreFactory {
	sf.clientCert = cert
	return sf
}

// StoreFor creates a store from a location URI.
//
// Supported schemes:
//   - file:///path/to/dir
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=...&endpoint=...&path_style=true
//   - vault://[TOKEN@]host:port/mount/path?tls=false
func (sf *StoreFactory) StoreFor(locationURI interfaces.StorageBackendLocation) (interfaces.CredentialStore, error) {
	u, err := url.Parse(string(locationURI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return sf.createFileBackend(u)
	case "s3":
		return sf.createS3Backend(u)
	case "vault":
		return sf.createVaultBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiStore creates a MultiStore over every URI that yields a valid store.
// Invalid URIs are logged and skipped; it fails only if none is valid.
func (sf *StoreFactory) CreateMultiStore(locationURIs []interfaces.StorageBackendLocation) (interfaces.CredentialStore, error) {
	backends := make([]interfaces.CredentialStore, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StoreFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", string(uri)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStore(backends, sf.log), nil
}

func (sf *StoreFactory) createFileBackend(u *url.URL) (interfaces.CredentialStore, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		// file://./relative/path
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	return NewFileBackend(path, sf.log)
}

func (sf *StoreFactory) createS3Backend(u *url.URL) (interfaces.CredentialStore, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", u.Host))

	query := u.Query()
	opts := S3Options{
		Bucket:   u.Host,
		Prefix:   strings.TrimPrefix(u.Path, "/"),
		Region:   query.Get("region"),
		Endpoint: query.Get("endpoint"),
	}
	if ps := query.Get("path_style"); ps != "" {
		pathStyle, err := strconv.ParseBool(ps)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid path_style %q", interfaces.ErrInvalidLocationURI, ps)
		}
		opts.PathStyle = pathStyle
	}
	if u.User != nil {
		opts.AccessKey = u.User.Username()
		opts.SecretKey, _ = u.User.Password()
	}

	return NewS3Backend(opts, sf.log)
}

func (sf *StoreFactory) createVaultBackend(u *url.URL) (interfaces.CredentialStore, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", u.Host))

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if t := u.Query().Get("tls"); t != "" {
		useTLS, err := strconv.ParseBool(t)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid tls %q", interfaces.ErrInvalidLocationURI, t)
		}
		if !useTLS {
			scheme = "http"
		}
	}

	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")

	opts := VaultOptions{
		Address:    fmt.Sprintf("%s://%s", scheme, u.Host),
		MountPath:  mount,
		DataPath:   dataPath,
		ClientCert: sf.clientCert,
	}
	if u.User != nil {
		opts.Token = u.User.Username()
	}

	return NewVaultBackend(opts, sf.log)
}
