// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChannel delivers approval requests to a remote reviewer service
// over REST and polls it for decisions.
//
// POST <base>/requests          submits a request
// GET  <base>/requests/{id}/decision   returns 200 with a decision, 404 while pending
//
// Thread Safety: Safe for concurrent use.
type HTTPChannel struct {
	base   string
	client *http.Client
}

// NewHTTPChannel creates a channel against the reviewer service base URL
// (no trailing slash). A nil client gets a 15 second timeout default.
func NewHTTPChannel(base string, client *http.Client) *HTTPChannel {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPChannel{base: base, client: client}
}

func (c *HTTPChannel) Name() string { return "http" }

// Send posts the request to the reviewer service.
func (c *HTTPChannel) Send(ctx context.Context, req Request) error {
	blob, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", req.RequestID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/requests", bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting request %s: %w", req.RequestID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("reviewer service returned %d for request %s: %s",
			resp.StatusCode, req.RequestID, bytes.TrimSpace(body))
	}
	return nil
}

// CheckStatus polls for the request's decision. 404 means still pending.
func (c *HTTPChannel) CheckStatus(ctx context.Context, requestID string) (*Decision, bool, error) {
	url := fmt.Sprintf("%s/requests/%s/decision", c.base, requestID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("building status request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("polling decision for %s: %w", requestID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, false, nil
	case http.StatusOK:
		var decision Decision
		if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
			return nil, false, fmt.Errorf("decoding decision for %s: %w", requestID, err)
		}
		if decision.RequestID == "" {
			decision.RequestID = requestID
		}
		if !decision.Kind.Valid() {
			return nil, false, fmt.Errorf("decision for %s has invalid kind %q", requestID, decision.Kind)
		}
		return &decision, true, nil
	default:
		return nil, false, fmt.Errorf("reviewer service returned %d polling %s", resp.StatusCode, requestID)
	}
}
