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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reviewloop/services/reviewer/resilience"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items":
			assert.Equal(t, "renewals", r.URL.Query().Get("scope"))
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			w.Write([]byte(`[{"id":"acct-1","priority":0},{"id":"acct-2","priority":2}]`))
		case "/items/acct-1":
			w.Write([]byte(`{"id":"acct-1","plan":"enterprise"}`))
		case "/items/acct-1/context":
			w.Write([]byte(`{"history":["renewal 2025"]}`))
		case "/items/gone":
			http.Error(w, "no such item", http.StatusNotFound)
		case "/items/flaky":
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
		default:
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusTeapot)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPSource_FetchWorkCandidates(t *testing.T) {
	server := newUpstream(t)
	source := NewHTTPSource(server.URL, "renewals", "tok-1", nil)

	items, err := source.FetchWorkCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "acct-1", items[0].ID)
	assert.Equal(t, 2, items[1].Priority)
}

func TestHTTPSource_DetailAndContext(t *testing.T) {
	server := newUpstream(t)
	source := NewHTTPSource(server.URL, "renewals", "tok-1", nil)
	ctx := context.Background()

	detail, err := source.FetchItemDetail(ctx, "acct-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"acct-1","plan":"enterprise"}`, string(detail))

	itemContext, err := source.FetchContext(ctx, "acct-1", detail)
	require.NoError(t, err)
	assert.JSONEq(t, `{"history":["renewal 2025"]}`, string(itemContext))
}

func TestHTTPSource_ClassifiesStatusCodes(t *testing.T) {
	server := newUpstream(t)
	source := NewHTTPSource(server.URL, "renewals", "tok-1", nil)
	ctx := context.Background()

	_, err := source.FetchItemDetail(ctx, "gone")
	require.Error(t, err)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(err))

	_, err = source.FetchItemDetail(ctx, "flaky")
	require.Error(t, err)
	assert.Equal(t, resilience.ClassRateLimited, resilience.Classify(err))
}

func TestHTTPSource_ConnectionRefusedIsTransient(t *testing.T) {
	server := newUpstream(t)
	server.Close()
	source := NewHTTPSource(server.URL, "", "", nil)

	_, err := source.FetchWorkCandidates(context.Background())
	require.Error(t, err)
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestHTTPSource_BadCandidatePayloadIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"not":"a list"}`))
	}))
	defer server.Close()
	source := NewHTTPSource(server.URL, "", "", nil)

	_, err := source.FetchWorkCandidates(context.Background())
	require.Error(t, err)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(err))
}
