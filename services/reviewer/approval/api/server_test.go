// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reviewloop/services/reviewer/approval"
	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
)

// silentChannel accepts sends and never reports a decision; the API is
// the push path under test.
type silentChannel struct{}

func (silentChannel) Name() string { return "silent" }

func (silentChannel) Send(context.Context, approval.Request) error { return nil }
func (silentChannel) CheckStatus(context.Context, string) (*approval.Decision, bool, error) {
	return nil, false, nil
}

func newTestServer(t *testing.T) (*gin.Engine, *approval.Gate, []approval.Request) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := audit.NewLedger(nil, nil, nil)
	gate := approval.NewGate(approval.GateConfig{}, silentChannel{}, ledger, nil)
	reqs, err := gate.Submit(context.Background(), "s1", []datatypes.Output{
		{ID: "out-1", ItemID: "item-1", Category: "renewal", Summary: "renewal due"},
		{ID: "out-2", ItemID: "item-2", Category: "risk", Summary: "usage dropped"},
	})
	require.NoError(t, err)

	return NewRouter(NewHandlers(gate)), gate, reqs
}

func TestAPI_ListPending(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/approvals", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Requests []approval.Request `json:"requests"`
		Count    int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Requests, 2)
}

func TestAPI_GetRequest(t *testing.T) {
	router, _, reqs := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/approvals/"+reqs[0].RequestID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got approval.Request
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, reqs[0].RequestID, got.RequestID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/approvals/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_SubmitDecision(t *testing.T) {
	router, gate, reqs := newTestServer(t)

	body := `{"kind":"approved","approver":"reviewer@test","comment":"lgtm"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost,
		"/v1/approvals/"+reqs[0].RequestID+"/decisions", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, w.Code)
	pending := gate.Pending()
	assert.Len(t, pending, 1, "decided request leaves the pending list")

	// A second decision for the same request conflicts.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost,
		"/v1/approvals/"+reqs[0].RequestID+"/decisions", strings.NewReader(body)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_SubmitDecisionValidation(t *testing.T) {
	router, _, reqs := newTestServer(t)
	url := "/v1/approvals/" + reqs[0].RequestID + "/decisions"

	// Missing approver fails binding.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, url, strings.NewReader(`{"kind":"approved"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Expired is synthetic and may not be submitted by hand.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, url,
		strings.NewReader(`{"kind":"expired","approver":"reviewer@test"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown request.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/approvals/ghost/decisions",
		strings.NewReader(`{"kind":"approved","approver":"reviewer@test"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
