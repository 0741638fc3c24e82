package scepserver

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/scep-client/ca"
	"github.com/ruteri/scep-client/cms"
	"github.com/ruteri/scep-client/envelope"
	"github.com/ruteri/scep-client/interfaces"
	"github.com/ruteri/scep-client/pkimessage"
	"github.com/ruteri/scep-client/transport"
)

const maxMessageSize = 1 << 20

// DefaultCapabilities is what GetCACaps advertises unless configured otherwise.
var DefaultCapabilities = []string{
	transport.CapPOSTPKIOperation,
	transport.CapRenewal,
	transport.CapSHA1,
	transport.CapSHA256,
	transport.CapSHA512,
	transport.CapAES,
	transport.CapDES3,
	transport.CapSCEPStandard,
}

var (
	errUnsupportedMessage = errors.New("unsupported message type")
	errMessageTooLarge    = fmt.Errorf("message exceeds %d bytes", maxMessageSize)
)

// HandlerConfig configures the responder.
type HandlerConfig struct {
	Capabilities []string
	// Cipher envelopes response payloads.
	Cipher envelope.Cipher
	// DigestAlg signs responses, defaults to SHA-256.
	DigestAlg crypto.Hash
}

// Handler answers SCEP requests on behalf of a ca.Authority.
type Handler struct {
	authority *ca.Authority
	cfg       HandlerConfig
	log       *slog.Logger
}

// NewHandler creates a new SCEP responder.
func NewHandler(authority *ca.Authority, cfg HandlerConfig, log *slog.Logger) *Handler {
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		authority: authority,
		cfg:       cfg,
		log:       log,
	}
}

// RegisterRoutes configures the HTTP router with the SCEP endpoints:
//   - GET|POST /scep?operation=...
//   - GET|POST /cgi-bin/pkiclient.exe?operation=...
func (h *Handler) RegisterRoutes(r chi.Router) {
	for _, path := range []string{"/scep", "/cgi-bin/pkiclient.exe"} {
		r.Get(path, h.HandleSCEP)
		r.Post(path, h.HandleSCEP)
	}
}

// HandleSCEP dispatches on the operation query parameter.
//
// Status codes:
//   - 200 OK: the operation succeeded; for PKIOperation this includes FAILURE and PENDING replies
//   - 400 Bad Request: unknown operation or a message that cannot be verified or opened
//   - 405 Method Not Allowed: POST for an operation other than PKIOperation
func (h *Handler) HandleSCEP(w http.ResponseWriter, r *http.Request) {
	op := interfaces.Operation(r.URL.Query().Get("operation"))

	if r.Method == http.MethodPost && op != interfaces.OpPKIOperation {
		http.Error(w, "POST is only supported for PKIOperation", http.StatusMethodNotAllowed)
		return
	}

	switch op {
	case interfaces.OpGetCACaps:
		w.Header().Set("Content-Type", "text/plain")
		w.Write(h.Capabilities())

	case interfaces.OpGetCACert:
		w.Header().Set("Content-Type", "application/x-x509-ca-cert")
		w.Write(h.CACertificate())

	case interfaces.OpPKIOperation:
		message, err := readMessage(r)
		if errors.Is(err, errMessageTooLarge) {
			h.log.Warn("Rejected oversized PKI message", "err", err)
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			h.log.Warn("Failed to read PKI message", "err", err)
			http.Error(w, "Invalid PKI message encoding", http.StatusBadRequest)
			return
		}

		reply, err := h.Respond(message)
		if err != nil {
			h.log.Warn("Failed to process PKI message", "err", err)
			http.Error(w, fmt.Sprintf("Failed to process PKI message: %v", err), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", transport.ContentTypePKIMessage)
		w.Write(reply)

	default:
		http.Error(w, fmt.Sprintf("Unsupported operation %q", op), http.StatusBadRequest)
	}
}

// Capabilities returns the GetCACaps body.
func (h *Handler) Capabilities() []byte {
	return []byte(strings.Join(h.cfg.Capabilities, "\n"))
}

// CACertificate returns the GetCACert body, the DER of the CA certificate.
func (h *Handler) CACertificate() []byte {
	return h.authority.Certificate().Raw
}

// Respond verifies and opens a request, lets the authority decide and returns the
// signed CertRep. The reply echoes the transaction id, puts the request sender
// nonce in recipientNonce, carries a fresh sender nonce, and envelopes any
// issued certificate to the certificate that signed the request.
func (h *Handler) Respond(wire []byte) ([]byte, error) {
	caCert, caKey := h.authority.Certificate(), h.authority.Key()

	codec := &pkimessage.Codec{SignerCert: caCert, SignerKey: caKey}
	msg, err := codec.Parse(wire)
	if err != nil {
		return nil, err
	}

	var decision ca.Decision
	var header interfaces.RequestHeader
	switch req := msg.PKIMessage.(type) {
	case *interfaces.EnrollmentRequest:
		header = req.RequestHeader
		decision = h.authority.Enroll(req.TransactionID, req.CertificateRequest)
	case *interfaces.PollRequest:
		header = req.RequestHeader
		decision = h.authority.Poll(req.TransactionID, req.IssuerAndSubject)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedMessage, msg.MessageType())
	}

	senderNonce := interfaces.NewNonce()
	resp := &interfaces.CertResponse{
		TransactionID:  header.TransactionID,
		SenderNonce:    &senderNonce,
		RecipientNonce: header.SenderNonce,
		Status:         decision.Status,
		FailInfo:       decision.FailInfo,
	}
	if decision.Status == interfaces.StatusSuccess {
		resp.Payload, err = cms.DegenerateCertificates([]*x509.Certificate{decision.Certificate})
		if err != nil {
			return nil, err
		}
	}

	h.log.Debug("Responding to PKI message",
		slog.String("messageType", msg.MessageType().String()),
		slog.String("transactionID", header.TransactionID.String()),
		slog.String("status", decision.Status.String()))

	reply := &pkimessage.Codec{
		SignerCert: caCert,
		SignerKey:  caKey,
		Recipient:  msg.Signer,
		Encoder:    envelope.Encoder{Cipher: h.cfg.Cipher},
		DigestAlg:  h.cfg.DigestAlg,
	}
	return reply.Encode(resp)
}

func readMessage(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodPost {
		message, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
		if err != nil {
			return nil, err
		}
		if len(message) > maxMessageSize {
			return nil, errMessageTooLarge
		}
		return message, nil
	}

	encoded := r.URL.Query().Get("message")
	if encoded == "" {
		return nil, errors.New("missing message parameter")
	}
	// Some clients do not escape '+' in the query string.
	encoded = strings.ReplaceAll(encoded, " ", "+")
	return base64.StdEncoding.DecodeString(encoded)
}
