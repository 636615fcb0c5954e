package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/agentops/pkg/ingest"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	APIKeyHeader   = "X-AgentOps-Key"
	IngestPath     = "/api/traces/ingest"
	DefaultTimeout = 15 * time.Second
)

// Client posts finished traces to an agentops server.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// SendResult is the server's acknowledgement of an ingest.
type SendResult struct {
	StatusCode int    `json:"-"`
	Success    bool   `json:"success"`
	TraceID    string `json:"trace_id"`
	Queued     bool   `json:"queued,omitempty"`
}

// StatusError is returned for non-2xx ingest responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest rejected with status %d: %s", e.StatusCode, e.Message)
}

// NewClient builds a client for baseURL. A nil httpClient gets a 15s timeout
// and an otelhttp transport.
func NewClient(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{endpoint: baseURL + IngestPath, apiKey: apiKey, http: httpClient}, nil
}

// Send posts payload. The key travels in the X-AgentOps-Key header only.
func (c *Client) Send(ctx context.Context, payload *ingest.Payload) (*SendResult, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}
	body := *payload
	body.APIKey = ""
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode ingest payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send trace %s: %w", payload.Trace.TraceID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read ingest response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	result := &SendResult{StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, fmt.Errorf("decode ingest response: %w", err)
		}
	}
	return result, nil
}

func errorMessage(body []byte) string {
	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != "" {
		return decoded.Error
	}
	return strings.TrimSpace(string(body))
}
