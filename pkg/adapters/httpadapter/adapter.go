// Package httpadapter delivers task messages to an external HTTP endpoint.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

// Adapter performs one HTTP call per delivered message. The message's
// idempotency key is sent as a header so the remote side can deduplicate
// redeliveries.
type Adapter struct {
	method  string
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

func NewAdapter(config map[string]any) (*Adapter, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http adapter requires a url")
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	headers := make(map[string]string)

	if headersConfig, ok := config["headers"].(map[string]any); ok {
		for key, value := range headersConfig {
			if strVal, ok := value.(string); ok {
				headers[key] = strVal
			}
		}
	}

	timeout := defaultTimeout

	if timeoutMs, ok := config["timeout_ms"].(float64); ok && timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	return &Adapter{
		method:  strings.ToUpper(method),
		url:     url,
		headers: headers,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (a *Adapter) Deliver(ctx context.Context, msg *models.Message) (*protocol.Result, error) {
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, a.method, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.Metadata.IdempotencyKey)

	for key, value := range a.headers {
		req.Header.Set(key, value)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded any

	if len(respBody) > 0 {
		_ = json.Unmarshal(respBody, &decoded)
	}

	return &protocol.Result{
		Output: map[string]any{
			"status_code": resp.StatusCode,
			"body":        decoded,
		},
		ExternalRef: resp.Header.Get("Location"),
	}, nil
}
