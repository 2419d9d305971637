package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	eperrors "github.com/randalmurphal/eventpipe/pkg/eventpipe/errors"
)

// Transport sends one encoded payload to a collector.
//
// A non-2xx response must be reported as *errors.HTTPError so callers can
// tell retryable from permanent failures.
type Transport interface {
	Send(ctx context.Context, endpoint string, payload []byte, headers map[string]string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, endpoint string, payload []byte, headers map[string]string) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, endpoint string, payload []byte, headers map[string]string) error {
	return f(ctx, endpoint, payload, headers)
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// HTTPTransport posts payloads with net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a transport using client, or http.DefaultClient
// when nil. Timeouts come from the request context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, payload []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return eperrors.Permanent(err, "build request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &eperrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    string(bytes.TrimSpace(body)),
		Endpoint:   endpoint,
	}
}
