package scepserver

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/scep-client/ca"
	"github.com/ruteri/scep-client/cryptoutils"
	"github.com/ruteri/scep-client/interfaces"
)

// AdminHandler lets administrators release or deny requests held by a
// ManualApproval authority.
//
// Every request is authenticated with two headers:
//   - X-Admin-ID: an id from the admin key set
//   - X-Admin-Signature: base64 ASN.1 ECDSA signature over SHA-256(path || body)
type AdminHandler struct {
	authority    *ca.Authority
	adminPubKeys map[string]*ecdsa.PublicKey
	log          *slog.Logger
}

// NewAdminHandler creates an admin handler. adminPubKeys maps admin ids to PEM public keys.
func NewAdminHandler(authority *ca.Authority, adminPubKeys map[string][]byte, log *slog.Logger) (*AdminHandler, error) {
	keys := make(map[string]*ecdsa.PublicKey, len(adminPubKeys))
	for id, pubPEM := range adminPubKeys {
		pub, err := parseAdminKey(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("admin %s: %w", id, err)
		}
		keys[id] = pub
	}
	if log == nil {
		log = slog.Default()
	}

	return &AdminHandler{
		authority:    authority,
		adminPubKeys: keys,
		log:          log,
	}, nil
}

// AdminRouter returns the routes to mount under /admin:
//   - GET  /pending
//   - POST /approve/{transaction_id}
//   - POST /deny/{transaction_id}
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authenticate)

	r.Get("/pending", h.handlePending)
	r.Post("/approve/{transaction_id}", h.handleApprove)
	r.Post("/deny/{transaction_id}", h.handleDeny)

	return r
}

type pendingResponse struct {
	Pending []string `json:"pending"`
}

type approveResponse struct {
	TransactionID string `json:"transaction_id"`
	Serial        string `json:"serial"`
	Certificate   string `json:"certificate"`
}

func (h *AdminHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	resp := pendingResponse{Pending: []string{}}
	for _, id := range h.authority.Pending() {
		resp.Pending = append(resp.Pending, id.String())
	}
	sort.Strings(resp.Pending)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *AdminHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := interfaces.TransactionID(chi.URLParam(r, "transaction_id"))

	cert, err := h.authority.Approve(id)
	if err != nil {
		h.writeDecisionError(w, id, err)
		return
	}

	h.log.Info("Request approved by admin",
		slog.String("adminID", r.Header.Get("X-Admin-ID")),
		slog.String("transactionID", id.String()))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(approveResponse{
		TransactionID: id.String(),
		Serial:        cert.SerialNumber.String(),
		Certificate:   string(cryptoutils.NewTLSCert(cert)),
	})
}

func (h *AdminHandler) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := interfaces.TransactionID(chi.URLParam(r, "transaction_id"))

	if err := h.authority.Deny(id); err != nil {
		h.writeDecisionError(w, id, err)
		return
	}

	h.log.Info("Request denied by admin",
		slog.String("adminID", r.Header.Get("X-Admin-ID")),
		slog.String("transactionID", id.String()))

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) writeDecisionError(w http.ResponseWriter, id interfaces.TransactionID, err error) {
	switch {
	case errors.Is(err, ca.ErrUnknownTransaction):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ca.ErrNotPending):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error("Failed to decide request", "err", err, slog.String("transactionID", id.String()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *AdminHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.verifyAdmin(r); !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifyAdmin checks the admin headers against the request path and body.
// The body is restored for later handlers.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get("X-Admin-ID")
	adminSignatureStr := r.Header.Get("X-Admin-Signature")
	if adminID == "" || adminSignatureStr == "" {
		return "", false
	}

	pubKey, exists := h.adminPubKeys[adminID]
	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}
		if len(bodyBytes) > maxMessageSize {
			h.log.Warn("Authentication failed: request body too large", "adminID", adminID)
			return adminID, false
		}
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	hash := adminMessageHash(r.URL.Path, bodyBytes)
	if !ecdsa.VerifyASN1(pubKey, hash[:], adminSignature) {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

// CreateSignedAdminRequest builds a request carrying the admin authentication headers.
func CreateSignedAdminRequest(method, url string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	hash := adminMessageHash(req.URL.Path, body)
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("X-Admin-ID", adminID)
	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(signature))
	return req, nil
}

// AdminMetadata is one entry of the admin keys file.
type AdminMetadata struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// AdminKeysConfig is the admin keys file:
//
//	{"admins": [{"id": "alice", "pubkey": "-----BEGIN PUBLIC KEY-----..."}]}
type AdminKeysConfig struct {
	Admins []AdminMetadata `json:"admins"`
}

// LoadAdminKeys reads an AdminKeysConfig and returns the PEM keys by admin id.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data AdminKeysConfig
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte)
	for _, admin := range data.Admins {
		if _, err := parseAdminKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}

// GenerateAdminKeyPair returns a new P-256 key pair as PEM private and public keys.
func GenerateAdminKeyPair() ([]byte, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})
	publicKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	return privateKeyPEM, publicKeyPEM, nil
}

// ParseAdminPrivateKey parses a PEM "EC PRIVATE KEY".
func ParseAdminPrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}
	return privateKey, nil
}

// AdminID derives an admin id as the hex SHA-256 of the PEM public key.
func AdminID(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}

func parseAdminKey(pubPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, errors.New("invalid PEM data")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("admin key is %T, not ECDSA", pub)
	}
	return ecdsaPub, nil
}

func adminMessageHash(path string, body []byte) [32]byte {
	return sha256.Sum256(append([]byte(path), body...))
}
