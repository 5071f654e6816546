package mintgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"spatters/core/effects"
)

// ErrDispatchDisabled is returned when no dispatch endpoint is configured.
var ErrDispatchDisabled = errors.New("mintgateway: generation dispatch not configured")

// Dispatcher fires repository_dispatch events that regenerate token artwork.
type Dispatcher struct {
	url   string
	token string
	http  *http.Client
}

// NewDispatcher targets url authenticating with token.
func NewDispatcher(cfg DispatchConfig) *Dispatcher {
	return &Dispatcher{
		url:   strings.TrimSpace(cfg.URL),
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type dispatchPayload struct {
	EventType     string          `json:"event_type"`
	ClientPayload dispatchDetails `json:"client_payload"`
}

type dispatchDetails struct {
	TokenID uint64 `json:"token_id"`
}

// Dispatch sends event for tokenID.
func (d *Dispatcher) Dispatch(ctx context.Context, tokenID uint64, event effects.Event) error {
	if d == nil || d.url == "" {
		return ErrDispatchDisabled
	}
	body, err := json.Marshal(dispatchPayload{EventType: string(event), ClientPayload: dispatchDetails{TokenID: tokenID}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("dispatch %s: status %d: %s", event, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
