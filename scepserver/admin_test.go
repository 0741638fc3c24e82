package scepserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruteri/scep-client/ca"
	"github.com/ruteri/scep-client/interfaces"
	"github.com/ruteri/scep-client/replay"
	"github.com/ruteri/scep-client/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateAdminKeyPairs generates n admin key pairs for testing
func generateAdminKeyPairs(t *testing.T, n int) (map[string]*ecdsa.PrivateKey, map[string][]byte) {
	adminPrivKeys := make(map[string]*ecdsa.PrivateKey, n)
	adminPubKeyPEMs := make(map[string][]byte, n)

	for i := 0; i < n; i++ {
		adminID := fmt.Sprintf("admin%d", i+1)

		privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err, "Failed to generate ECDSA key")
		adminPrivKeys[adminID] = privateKey

		pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
		require.NoError(t, err, "Failed to marshal public key")

		adminPubKeyPEMs[adminID] = pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubKeyBytes,
		})
	}

	return adminPrivKeys, adminPubKeyPEMs
}

// adminFixture is a manual-approval server with the admin API mounted and
// one pending enrollment.
type adminFixture struct {
	server   *httptest.Server
	txn      *transaction.EnrollmentTransaction
	privKeys map[string]*ecdsa.PrivateKey
}

func newAdminFixture(t *testing.T) *adminFixture {
	handler := newTestHandler(t, ca.ManualApproval, "")
	privKeys, pubKeys := generateAdminKeyPairs(t, 2)

	admin, err := NewAdminHandler(handler.authority, pubKeys, discardLogger())
	require.NoError(t, err)

	srv := New(&HTTPServerConfig{Log: discardLogger()}, handler).WithAdmin(admin)
	server := httptest.NewServer(srv.Router())
	t.Cleanup(server.Close)

	txn := newEnrollment(t, &LocalTransport{Handler: handler}, replay.NewHistory(0), "")
	state, err := txn.Send(context.Background())
	require.NoError(t, err)
	require.Equal(t, interfaces.StatePending, state)

	return &adminFixture{server: server, txn: txn, privKeys: privKeys}
}

// createSignedRequest creates a signed request for testing
func createSignedRequest(t *testing.T, method, url string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) *http.Request {
	req, err := CreateSignedAdminRequest(method, url, body, adminID, privateKey)
	require.NoError(t, err, "Failed to create signed request")
	return req
}

func (f *adminFixture) do(t *testing.T, method, path string) *http.Response {
	req := createSignedRequest(t, method, f.server.URL+path, nil, "admin1", f.privKeys["admin1"])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdmin_PendingAndApprove(t *testing.T) {
	f := newAdminFixture(t)
	id := f.txn.ID().String()

	resp := f.do(t, http.MethodGet, "/admin/pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending pendingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	assert.Equal(t, []string{id}, pending.Pending)

	resp = f.do(t, http.MethodPost, "/admin/approve/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var approved approveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&approved))
	assert.Equal(t, id, approved.TransactionID)
	assert.Contains(t, approved.Certificate, "BEGIN CERTIFICATE")

	state, err := f.txn.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateIssued, state)

	// Already decided.
	resp = f.do(t, http.MethodPost, "/admin/approve/"+id)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/pending")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	assert.Empty(t, pending.Pending)
}

func TestAdmin_Deny(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/deny/"+f.txn.ID().String())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	state, err := f.txn.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateRejected, state)

	resp = f.do(t, http.MethodPost, "/admin/deny/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_Authentication(t *testing.T) {
	f := newAdminFixture(t)
	url := f.server.URL + "/admin/pending"

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		request func() *http.Request
	}{
		{
			name: "no headers",
			request: func() *http.Request {
				req, _ := http.NewRequest(http.MethodGet, url, nil)
				return req
			},
		},
		{
			name: "unknown admin",
			request: func() *http.Request {
				return createSignedRequest(t, http.MethodGet, url, nil, "admin9", f.privKeys["admin1"])
			},
		},
		{
			name: "wrong key",
			request: func() *http.Request {
				return createSignedRequest(t, http.MethodGet, url, nil, "admin1", otherKey)
			},
		},
		{
			name: "signature for another path",
			request: func() *http.Request {
				req := createSignedRequest(t, http.MethodGet, f.server.URL+"/admin/other", nil, "admin2", f.privKeys["admin2"])
				fresh, _ := http.NewRequest(http.MethodGet, url, nil)
				fresh.Header = req.Header
				return fresh
			},
		},
		{
			name: "malformed signature",
			request: func() *http.Request {
				req, _ := http.NewRequest(http.MethodGet, url, nil)
				req.Header.Set("X-Admin-ID", "admin1")
				req.Header.Set("X-Admin-Signature", "!!not-base64!!")
				return req
			},
		},
		{
			name: "garbage signature",
			request: func() *http.Request {
				req, _ := http.NewRequest(http.MethodGet, url, nil)
				req.Header.Set("X-Admin-ID", "admin1")
				req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString([]byte("nope")))
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.DefaultClient.Do(tt.request())
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	// The second admin is accepted as well.
	req := createSignedRequest(t, http.MethodGet, url, nil, "admin2", f.privKeys["admin2"])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoadAdminKeys(t *testing.T) {
	_, pubKeys := generateAdminKeyPairs(t, 1)

	doc, err := json.Marshal(AdminKeysConfig{
		Admins: []AdminMetadata{{ID: "admin1", PubKey: string(pubKeys["admin1"])}},
	})
	require.NoError(t, err)

	keys, err := LoadAdminKeys(strings.NewReader(string(doc)))
	require.NoError(t, err)
	assert.Equal(t, pubKeys["admin1"], keys["admin1"])

	_, err = LoadAdminKeys(strings.NewReader(`{"admins":[{"id":"x","pubkey":"not pem"}]}`))
	assert.Error(t, err)

	_, err = LoadAdminKeys(strings.NewReader(`{`))
	assert.Error(t, err)

	_, err = NewAdminHandler(nil, map[string][]byte{"x": []byte("not pem")}, discardLogger())
	assert.Error(t, err)
}

func TestAdminClient(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	client := NewAdminClient(f.server.URL+"/admin/", "admin1", f.privKeys["admin1"])

	pending, err := client.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{f.txn.ID().String()}, pending)

	certPEM, err := client.Approve(ctx, pending[0])
	require.NoError(t, err)
	assert.Contains(t, string(certPEM), "BEGIN CERTIFICATE")

	err = client.Deny(ctx, pending[0])
	assert.ErrorContains(t, err, "409")

	unauthorized := NewAdminClient(f.server.URL+"/admin", "admin1", f.privKeys["admin2"])
	_, err = unauthorized.Pending(ctx)
	assert.ErrorContains(t, err, "401")
}

func TestGenerateAdminKeyPair(t *testing.T) {
	privPEM, pubPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)

	priv, err := ParseAdminPrivateKey(privPEM)
	require.NoError(t, err)
	pub, err := parseAdminKey(pubPEM)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))

	id := AdminID(pubPEM)
	assert.Len(t, id, 64)
	assert.Equal(t, id, AdminID(pubPEM))

	_, err = ParseAdminPrivateKey([]byte("junk"))
	assert.Error(t, err)
}
