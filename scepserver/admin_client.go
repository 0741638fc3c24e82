package scepserver

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AdminClient talks to the /admin approval API, signing every request.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewAdminClient creates a client for the admin API mounted at baseURL,
// e.g. "http://localhost:8080/admin". timeout defaults to 30 seconds.
func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// Pending lists transaction ids awaiting a decision.
func (c *AdminClient) Pending(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/pending", http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result pendingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse pending response: %w", err)
	}
	return result.Pending, nil
}

// Approve issues the certificate for transactionID and returns it as PEM.
func (c *AdminClient) Approve(ctx context.Context, transactionID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodPost, "/approve/"+url.PathEscape(transactionID), http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result approveResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse approve response: %w", err)
	}
	return []byte(result.Certificate), nil
}

// Deny rejects transactionID.
func (c *AdminClient) Deny(ctx context.Context, transactionID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/deny/"+url.PathEscape(transactionID), http.StatusNoContent)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *AdminClient) do(ctx context.Context, method, path string, wantStatus int) (*http.Response, error) {
	req, err := CreateSignedAdminRequest(method, c.baseURL+path, nil, c.adminID, c.privateKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", path, err)
	}

	if resp.StatusCode != wantStatus {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s request failed with code %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
