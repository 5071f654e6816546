package mintd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"spatters/core/consent"
	"spatters/core/effects"
)

const maxErrorBody = 4 << 10

// StatusError reports a non-2xx answer from the gateway.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway %s: status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Path, e.Status, e.Body)
}

// gatewayClient posts JSON to the mint gateway.
type gatewayClient struct {
	base string
	http *http.Client
}

func newGatewayClient(base string, timeout time.Duration) gatewayClient {
	return gatewayClient{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		http: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (c gatewayClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// GenerationClient asks the gateway to regenerate a token's artwork.
type GenerationClient struct {
	client gatewayClient
}

// NewGenerationClient targets {base}/api/trigger-generation.
func NewGenerationClient(base string, timeout time.Duration) *GenerationClient {
	return &GenerationClient{client: newGatewayClient(base, timeout)}
}

type generationRequest struct {
	TokenID uint64        `json:"tokenId"`
	Event   effects.Event `json:"event"`
}

// TriggerGeneration implements effects.GenerationTrigger.
func (g *GenerationClient) TriggerGeneration(ctx context.Context, tokenID uint64, event effects.Event) error {
	if tokenID == 0 {
		return fmt.Errorf("token id must be positive")
	}
	if !event.Valid() {
		return fmt.Errorf("unknown event %q", event)
	}
	return g.client.post(ctx, "/api/trigger-generation", generationRequest{TokenID: tokenID, Event: event}, nil)
}

// ConsentClient stores signed consent with the gateway.
type ConsentClient struct {
	client gatewayClient
}

// NewConsentClient targets {base}/api/consent.
func NewConsentClient(base string, timeout time.Duration) *ConsentClient {
	return &ConsentClient{client: newGatewayClient(base, timeout)}
}

// ConsentResponse is the gateway's answer to a consent submission.
type ConsentResponse struct {
	Success bool   `json:"success"`
	Stored  bool   `json:"stored"`
	Error   string `json:"error,omitempty"`
}

// RecordConsent implements effects.ConsentRecorder.
func (c *ConsentClient) RecordConsent(ctx context.Context, record consent.Record) error {
	var resp ConsentResponse
	if err := c.client.post(ctx, "/api/consent", record, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("gateway rejected consent: %s", resp.Error)
	}
	return nil
}

// Validate asks the gateway to check a signature without storing anything.
func (c *ConsentClient) Validate(ctx context.Context, data consent.Data) error {
	var resp ConsentResponse
	if err := c.client.post(ctx, "/api/consent", consent.Record{Data: data}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("gateway rejected consent: %s", resp.Error)
	}
	return nil
}
