package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Downstream executes an operation on the next hop of the chain, presenting
// the delegated token the caller obtained for that hop's audience.
type Downstream interface {
	Do(ctx context.Context, rawToken string, op Operation) (*Result, error)
}

// DownstreamError is a structured failure from the next hop. The status code
// preserves the downstream's classification so this hop can surface the same
// denial instead of inventing its own.
type DownstreamError struct {
	Status  int
	Message string
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("downstream returned %d: %s", e.Status, e.Message)
}

// HTTPDownstream forwards operations to the next hop's execute endpoint.
type HTTPDownstream struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDownstream creates a client for the hop at baseURL. The transport
// injects the correlation header from the request context.
func NewHTTPDownstream(baseURL string, timeout time.Duration) *HTTPDownstream {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDownstream{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &CorrelationTransport{Base: http.DefaultTransport},
			Timeout:   timeout,
		},
	}
}

// Do posts the operation with the delegated bearer token and decodes the
// result.
func (d *HTTPDownstream) Do(ctx context.Context, rawToken string, op Operation) (*Result, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/internal/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build downstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rawToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downstream unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read downstream response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(payload, &fail); err != nil || fail.Error == "" {
			fail.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &DownstreamError{Status: resp.StatusCode, Message: fail.Error}
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode downstream result: %w", err)
	}
	return &result, nil
}
