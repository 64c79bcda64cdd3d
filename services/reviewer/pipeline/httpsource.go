// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/resilience"
)

// HTTPSource fetches work candidates, item detail, and review context
// from a REST upstream. It implements both DataSource and
// ContextProvider:
//
//	GET {base}/items?scope={scope}   -> [{"id", "priority", "last_processed"}]
//	GET {base}/items/{id}            -> opaque detail JSON
//	GET {base}/items/{id}/context    -> opaque context JSON
//
// Responses with non-2xx status are classified by status code so the
// retry executor can distinguish transient upstream trouble from
// permanent rejections.
type HTTPSource struct {
	base   string
	scope  string
	token  string
	client *http.Client
}

// NewHTTPSource creates a source against the given base URL.
//
// Inputs:
//   - base: Upstream base URL, e.g. "https://crm.internal/api".
//   - scope: Candidate listing scope passed as a query parameter.
//     Empty means the upstream default.
//   - token: Optional bearer token attached to every request.
//   - client: Optional. Defaults to a 30 second timeout client.
func NewHTTPSource(base, scope, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{
		base:   strings.TrimRight(base, "/"),
		scope:  scope,
		token:  token,
		client: client,
	}
}

// FetchWorkCandidates lists items due for review.
func (s *HTTPSource) FetchWorkCandidates(ctx context.Context) ([]datatypes.WorkItem, error) {
	endpoint := s.base + "/items"
	if s.scope != "" {
		endpoint += "?scope=" + url.QueryEscape(s.scope)
	}
	body, err := s.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var items []datatypes.WorkItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &resilience.ClassifiedError{
			Class: resilience.ClassPermanent,
			Err:   fmt.Errorf("decoding candidate list: %w", err),
		}
	}
	return items, nil
}

// FetchItemDetail returns the upstream record for one item.
func (s *HTTPSource) FetchItemDetail(ctx context.Context, itemID string) (json.RawMessage, error) {
	return s.get(ctx, s.base+"/items/"+url.PathEscape(itemID))
}

// FetchContext returns supplementary review context for one item. The
// already-fetched detail is not forwarded; the upstream keys context by
// item ID alone.
func (s *HTTPSource) FetchContext(ctx context.Context, itemID string, _ json.RawMessage) (json.RawMessage, error) {
	return s.get(ctx, s.base+"/items/"+url.PathEscape(itemID)+"/context")
}

// get performs one authenticated GET and classifies failures.
func (s *HTTPSource) get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &resilience.ClassifiedError{Class: resilience.ClassPermanent, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Network errors and timeouts are worth another attempt.
		return nil, &resilience.ClassifiedError{Class: resilience.ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &resilience.ClassifiedError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("upstream returned %s for %s", resp.Status, endpoint),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &resilience.ClassifiedError{Class: resilience.ClassTransient, Err: err}
	}
	return body, nil
}
