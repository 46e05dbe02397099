// ABOUTME: HTTP transport delivering companion requests to the app's local endpoint.
// ABOUTME: The equivalent of firing an intent; responses come back via callback.

package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// deliveryTimeout bounds the HTTP delivery itself, not the user's approval.
const deliveryTimeout = 10 * time.Second

// HTTPTransport posts requests as JSON to the companion app's endpoint.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport creates a transport targeting the companion endpoint URL.
func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		client: &http.Client{Timeout: deliveryTimeout},
	}
}

// Deliver posts the request. A 2xx status only acknowledges receipt; the
// companion answers later through the callback endpoint.
func (t *HTTPTransport) Deliver(ctx context.Context, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting to companion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("companion rejected delivery: status %d", resp.StatusCode)
	}
	return nil
}

// Ensure HTTPTransport implements Transport.
var _ Transport = (*HTTPTransport)(nil)
