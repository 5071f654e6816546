package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"spatters/core/session"
)

// mintdClient speaks the mintd HTTP API.
type mintdClient struct {
	base  string
	token string
	http  *http.Client
}

func newClient(opts *options) *mintdClient {
	return &mintdClient{
		base:  strings.TrimRight(strings.TrimSpace(opts.endpoint), "/"),
		token: strings.TrimSpace(opts.token),
		// Writes block until the transaction confirms.
		http: &http.Client{Timeout: 15 * time.Minute},
	}
}

type apiError struct {
	Error string         `json:"error"`
	State *session.State `json:"state,omitempty"`
}

func (c *mintdClient) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.State != nil {
				return nil, fmt.Errorf("%s (%d, view %s, next %s)", apiErr.Error, resp.StatusCode, apiErr.State.View, apiErr.State.Next)
			}
			return nil, fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("mintd %s %s: status %d", method, path, resp.StatusCode)
	}
	return raw, nil
}

func (c *mintdClient) state(ctx context.Context, method, path string, payload interface{}) (session.State, []byte, error) {
	raw, err := c.do(ctx, method, path, payload)
	if err != nil {
		return session.State{}, nil, err
	}
	var st session.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return session.State{}, nil, fmt.Errorf("decode session: %w", err)
	}
	return st, raw, nil
}
