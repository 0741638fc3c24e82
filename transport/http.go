// Package transport carries PKI messages to a SCEP server over HTTP and implements
// the CA discovery operations (GetCACaps, GetCACert).
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/scep-client/interfaces"
)

const (
	// ContentTypePKIMessage is the media type of PKIOperation requests and replies.
	ContentTypePKIMessage = "application/x-pki-message"

	maxResponseSize = 4 << 20
)

// HTTPTransport implements interfaces.Transport for a SCEP server URL.
type HTTPTransport struct {
	// URL is the server endpoint, for example http://ca.example.com/cgi-bin/pkiclient.exe.
	URL string
	// Method is http.MethodGet or http.MethodPost. POST is only used for PKIOperation;
	// the other operations are always GET.
	Method string
	Client *http.Client
	Log    *slog.Logger
}

var _ interfaces.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport with a client timeout.
func NewHTTPTransport(serverURL string, method string, timeout time.Duration, log *slog.Logger) *HTTPTransport {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPTransport{
		URL:    serverURL,
		Method: method,
		Client: &http.Client{Timeout: timeout},
		Log:    log,
	}
}

// Send performs one HTTP request. A non-200 status is reported as ErrTransport
// carrying the status line and body.
func (t *HTTPTransport) Send(ctx context.Context, op interfaces.Operation, message []byte) ([]byte, error) {
	req, err := t.newRequest(ctx, op, message)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrTransport, err)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	log := t.Log
	if log == nil {
		log = slog.Default()
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrTransport, fmt.Errorf("could not request %s: %w", op, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrTransport, fmt.Errorf("could not read %s response: %w", op, err))
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: %s response exceeds %d bytes", interfaces.ErrTransport, op, maxResponseSize)
	}

	log.Debug("scep request completed",
		"operation", string(op),
		"method", req.Method,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s: %s", interfaces.ErrTransport, op, resp.Status, strings.TrimSpace(string(body)))
	}

	if op == interfaces.OpPKIOperation {
		if ct := mediaType(resp.Header.Get("Content-Type")); ct != "" && ct != ContentTypePKIMessage {
			return nil, fmt.Errorf("%w: unexpected content type %q for %s", interfaces.ErrTransport, ct, op)
		}
	}

	return body, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, op interfaces.Operation, message []byte) (*http.Request, error) {
	base, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	query := base.Query()
	query.Set("operation", string(op))

	if op == interfaces.OpPKIOperation && strings.EqualFold(t.Method, http.MethodPost) {
		base.RawQuery = query.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(message))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", ContentTypePKIMessage)
		return req, nil
	}

	if len(message) > 0 {
		if op == interfaces.OpPKIOperation {
			query.Set("message", base64.StdEncoding.EncodeToString(message))
		} else {
			query.Set("message", string(message))
		}
	}
	base.RawQuery = query.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
