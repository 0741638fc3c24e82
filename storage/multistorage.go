package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/scep-client/interfaces"
)

// MultiStore fans writes out to every available store and reads from the
// first store that has the credential.
type MultiStore struct {
	backends []interfaces.CredentialStore
	log      *slog.Logger
}

// NewMultiStore creates a multi-store over backends.
func NewMultiStore(backends []interfaces.CredentialStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStore{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns the credential from the first available store that has it.
// ErrContentNotFound is returned only if every reachable store reports it missing.
func (m *MultiStore) Fetch(ctx context.Context, id interfaces.TransactionID, kind interfaces.CredentialKind) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backendName", backend.Name()),
				slog.String("transactionID", id.String()))
			continue
		}

		data, err := backend.Fetch(ctx, id, kind)
		if err == nil {
			m.log.Info("Fetched credential",
				slog.String("backendName", backend.Name()),
				slog.String("transactionID", id.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backendName", backend.Name()),
			slog.String("transactionID", id.String()),
			"err", err)
	}

	if len(errs) > 0 && notFound == len(errs) {
		return nil, interfaces.ErrContentNotFound
	}

	m.log.Error("All backends failed to fetch credential",
		slog.String("transactionID", id.String()),
		slog.Int("failedBackends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", id, errors.Join(errs...))
}

// Store writes to every available store and succeeds if at least one write did.
func (m *MultiStore) Store(ctx context.Context, id interfaces.TransactionID, kind interfaces.CredentialKind, data []byte) error {
	start := time.Now()
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backendName", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, id, kind, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backendName", backend.Name()),
				"err", err)
			continue
		}

		stored++
		m.log.Info("Stored credential",
			slog.String("backendName", backend.Name()),
			slog.String("transactionID", id.String()),
			slog.String("kind", kind.String()),
			slog.Duration("duration", time.Since(start)))
	}

	if stored == 0 {
		m.log.Error("All backends failed to store credential",
			slog.Int("failedBackends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return interfaces.ErrBackendUnavailable
		}
		return fmt.Errorf("all backends failed to store credential: %w", errors.Join(errs...))
	}

	return nil
}

// Available reports whether any store is available.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiStore) Name() string {
	return "multi-store"
}

// LocationURI joins the URIs of all stores.
func (m *MultiStore) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
