package caller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the calling-agent provider over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client targeting the given provider base URL. timeout
// bounds a single StartCall round trip; the caller's context can tighten it
// further.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type startCallResponse struct {
	ID string `json:"id"`
}

// StartCall submits the batch context to the provider and returns its call
// handle. Any transport or non-2xx response is a synchronous dispatch
// failure; business outcomes arrive later through the webhook.
func (c *Client) StartCall(ctx context.Context, req Request) (Started, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Started{}, fmt.Errorf("caller: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return Started{}, fmt.Errorf("caller: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Started{}, fmt.Errorf("caller: start call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Started{}, fmt.Errorf("caller: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded startCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Started{}, fmt.Errorf("caller: decode response: %w", err)
	}
	if decoded.ID == "" {
		return Started{}, fmt.Errorf("caller: provider response missing call id")
	}

	return Started{ExternalID: decoded.ID}, nil
}
