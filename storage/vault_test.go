package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/scep-client/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault emulates the KV v2 endpoints the backend uses.
type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]string
	tokens  []string
	sealed  bool
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/v1/sys/health" {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"initialized": true,
			"sealed":      f.sealed,
			"standby":     false,
		})
		return
	}

	f.tokens = append(f.tokens, r.Header.Get("X-Vault-Token"))
	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.secrets[path] = body.Data["content"]
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"version": 1},
		})
	case http.MethodGet:
		content, ok := f.secrets[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     map[string]interface{}{"content": content},
				"metadata": map[string]interface{}{"version": 1},
			},
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeVault(t *testing.T) (*fakeVault, *httptest.Server) {
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_ADDR", "")
	fake := &fakeVault{secrets: make(map[string]string)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return fake, server
}

func TestVaultBackend_StoreFetch(t *testing.T) {
	fake, server := newFakeVault(t)

	backend, err := NewVaultBackend(VaultOptions{
		Address:   server.URL,
		MountPath: "secret/",
		DataPath:  "/scep/issued/",
		Token:     "s.test",
	}, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	id := interfaces.TransactionID("6f1ed002")
	cert := []byte("-----BEGIN CERTIFICATE-----\n")

	require.True(t, backend.Available(ctx))

	_, err = backend.Fetch(ctx, id, interfaces.CertificateKind)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(ctx, id, interfaces.CertificateKind, cert))
	assert.Equal(t, string(cert), fake.secrets["secret/data/scep/issued/certificate/6f1ed002"])

	got, err := backend.Fetch(ctx, id, interfaces.CertificateKind)
	require.NoError(t, err)
	assert.Equal(t, cert, got)

	_, err = backend.Fetch(ctx, id, interfaces.PrivateKeyKind)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	for _, token := range fake.tokens {
		assert.Equal(t, "s.test", token)
	}
	assert.Equal(t, "vault-secret-scep/issued", backend.Name())
}

func TestVaultBackend_Sealed(t *testing.T) {
	fake, server := newFakeVault(t)
	fake.sealed = true

	backend, err := NewVaultBackend(VaultOptions{Address: server.URL, MountPath: "secret"}, discardLogger())
	require.NoError(t, err)
	assert.False(t, backend.Available(context.Background()))
}

func TestVaultBackend_Unreachable(t *testing.T) {
	_, server := newFakeVault(t)
	server.Close()

	backend, err := NewVaultBackend(VaultOptions{Address: server.URL, MountPath: "secret"}, discardLogger())
	require.NoError(t, err)
	backend.client.SetMaxRetries(0)

	_, err = backend.Fetch(context.Background(), interfaces.TransactionID("a"), interfaces.CertificateKind)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	err = backend.Store(context.Background(), interfaces.TransactionID("a"), interfaces.CertificateKind, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestVaultBackend_RequiresMount(t *testing.T) {
	_, err := NewVaultBackend(VaultOptions{Address: "http://127.0.0.1:8200"}, discardLogger())
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
