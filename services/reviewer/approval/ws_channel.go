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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsMessage is the wire envelope for websocket approval traffic.
type wsMessage struct {
	// Type is "request" (outbound) or "decision" (inbound).
	Type     string          `json:"type"`
	Request  *Request        `json:"request,omitempty"`
	Decision *Decision       `json:"decision,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// WSChannel delivers approval requests over a websocket connection to a
// reviewer frontend and collects decisions pushed back on the same
// connection.
//
// Thread Safety: Safe for concurrent use. Writes are serialized; a single
// reader goroutine owns the receive side.
type WSChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	decisions map[string]*Decision

	done     chan struct{}
	stopOnce sync.Once
}

// DialWSChannel connects to the reviewer hub.
//
// Inputs:
//   - ctx: Bounds the dial.
//   - url: ws:// or wss:// endpoint of the hub.
//   - logger: Optional. Defaults to slog.Default().
func DialWSChannel(ctx context.Context, url string, logger *slog.Logger) (*WSChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing approval hub %s: %w", url, err)
	}

	c := &WSChannel{
		conn:      conn,
		logger:    logger,
		decisions: make(map[string]*Decision),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSChannel) Name() string { return "websocket" }

// Send pushes the request to the hub.
func (c *WSChannel) Send(_ context.Context, req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(wsMessage{Type: "request", Request: &req}); err != nil {
		return fmt.Errorf("sending request %s: %w", req.RequestID, err)
	}
	return nil
}

// CheckStatus answers from decisions the read loop has collected.
func (c *WSChannel) CheckStatus(_ context.Context, requestID string) (*Decision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	decision, ok := c.decisions[requestID]
	return decision, ok, nil
}

// Close shuts the connection down.
func (c *WSChannel) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// readLoop collects decision messages until the connection closes.
func (c *WSChannel) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("approval hub read failed", "error", err)
			}
			return
		}
		if msg.Type != "decision" || msg.Decision == nil {
			continue
		}
		if !msg.Decision.Kind.Valid() {
			c.logger.Warn("dropping decision with invalid kind",
				"request_id", msg.Decision.RequestID, "kind", string(msg.Decision.Kind))
			continue
		}

		c.mu.Lock()
		c.decisions[msg.Decision.RequestID] = msg.Decision
		c.mu.Unlock()
		c.logger.Info("decision received over websocket",
			"request_id", msg.Decision.RequestID, "kind", string(msg.Decision.Kind))
	}
}
