// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the pending approval queue over HTTP so reviewers
// and tooling can list requests and submit decisions without touching the
// file or websocket channels.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/reviewloop/services/reviewer/approval"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DecisionRequest is the body of POST /v1/approvals/:id/decisions.
type DecisionRequest struct {
	Kind      string         `json:"kind" binding:"required"`
	Approver  string         `json:"approver" binding:"required"`
	Comment   string         `json:"comment"`
	Overrides map[string]any `json:"overrides"`
}

// Handlers serves the approvals API against a gate.
type Handlers struct {
	gate *approval.Gate
}

// NewHandlers creates the handler set.
func NewHandlers(gate *approval.Gate) *Handlers {
	return &Handlers{gate: gate}
}

// RegisterRoutes mounts the approvals API on a router group.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	approvals := rg.Group("/approvals")
	approvals.GET("", h.List)
	approvals.GET("/:id", h.Get)
	approvals.POST("/:id/decisions", h.Decide)
}

// NewRouter builds a standalone router for the approvals API.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	v1 := router.Group("/v1")
	RegisterRoutes(v1, h)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// List returns all pending approval requests, oldest first.
func (h *Handlers) List(c *gin.Context) {
	pending := h.gate.Pending()
	if pending == nil {
		pending = []approval.Request{}
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": pending,
		"count":    len(pending),
	})
}

// Get returns one tracked request.
func (h *Handlers) Get(c *gin.Context) {
	req, ok := h.gate.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "request not found"})
		return
	}
	c.JSON(http.StatusOK, req)
}

// Decide submits a decision for a pending request.
func (h *Handlers) Decide(c *gin.Context) {
	var body DecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body: " + err.Error()})
		return
	}

	kind := approval.DecisionKind(body.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid decision kind: " + body.Kind})
		return
	}

	requestID := c.Param("id")
	decision := approval.Decision{
		RequestID: requestID,
		Kind:      kind,
		Approver:  body.Approver,
		Comment:   body.Comment,
		Overrides: body.Overrides,
		DecidedAt: time.Now().UTC(),
	}

	err := h.gate.Resolve(c.Request.Context(), requestID, decision)
	switch {
	case errors.Is(err, approval.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "request not found"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "request already resolved"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "kind": string(kind)})
	}
}
