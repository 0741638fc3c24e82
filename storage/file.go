package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/scep-client/interfaces"
)

// FileBackend stores credentials on the local file system, one directory per kind:
//
//	<baseDir>/certs/<id>.pem
//	<baseDir>/keys/<id>.pem
type FileBackend struct {
	baseDir     string
	prefixes    map[interfaces.CredentialKind]string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates the base directory and its kind subdirectories.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	prefixes := map[interfaces.CredentialKind]string{
		interfaces.CertificateKind: "certs",
		interfaces.PrivateKeyKind:  "keys",
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, prefixes[interfaces.CertificateKind]), 0755); err != nil {
		return nil, fmt.Errorf("failed to create certs directory: %w", err)
	}
	// Keys are only readable by the owner.
	if err := os.MkdirAll(filepath.Join(baseDir, prefixes[interfaces.PrivateKeyKind]), 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		prefixes:    prefixes,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the credential stored under id.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.TransactionID, kind interfaces.CredentialKind) ([]byte, error) {
	filePath, err := b.getFilePath(id, kind)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched credential from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes the credential under id, replacing any previous one.
func (b *FileBackend) Store(ctx context.Context, id interfaces.TransactionID, kind interfaces.CredentialKind, data []byte) error {
	filePath, err := b.getFilePath(id, kind)
	if err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if kind == interfaces.PrivateKeyKind {
		mode = 0600
	}

	// Write to a temporary file first so readers never observe a partial credential.
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored credential in file",
		slog.String("path", filePath),
		slog.String("kind", kind.String()),
		slog.String("transactionID", id.String()))

	return nil
}

// Available checks that the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(id interfaces.TransactionID, kind interfaces.CredentialKind) (string, error) {
	subdir, ok := b.prefixes[kind]
	if !ok {
		return "", fmt.Errorf("unsupported credential kind: %v", kind)
	}
	return filepath.Join(b.baseDir, subdir, interfaces.CredentialName(id)+".pem"), nil
}
