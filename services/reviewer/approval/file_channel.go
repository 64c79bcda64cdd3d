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
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileChannel exchanges approval traffic through a shared directory.
//
// # Description
//
// Requests are written as JSON files to <root>/requests/<id>.json; a
// reviewer (or an external tool) answers by dropping a decision file at
// <root>/decisions/<id>.json. The decisions directory is watched with
// fsnotify so CheckStatus answers from memory instead of hitting the
// filesystem on every poll sweep.
//
// Thread Safety: Safe for concurrent use.
type FileChannel struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu        sync.Mutex
	decisions map[string]*Decision

	done     chan struct{}
	stopOnce sync.Once
}

// NewFileChannel creates the directory pair and starts watching for
// decision files. Close releases the watcher.
func NewFileChannel(root string, logger *slog.Logger) (*FileChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{requestsDir(root), decisionsDir(root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(decisionsDir(root)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", decisionsDir(root), err)
	}

	c := &FileChannel{
		root:      root,
		watcher:   watcher,
		logger:    logger,
		decisions: make(map[string]*Decision),
		done:      make(chan struct{}),
	}
	go c.watchLoop()
	return c, nil
}

func (c *FileChannel) Name() string { return "file" }

// Send writes the request file for the reviewer to pick up.
func (c *FileChannel) Send(_ context.Context, req Request) error {
	blob, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", req.RequestID, err)
	}
	path := filepath.Join(requestsDir(c.root), req.RequestID+".json")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("writing request file: %w", err)
	}
	return nil
}

// CheckStatus answers from the watched decision set, falling back to a
// direct read in case the decision file predates the watcher.
func (c *FileChannel) CheckStatus(_ context.Context, requestID string) (*Decision, bool, error) {
	c.mu.Lock()
	decision, ok := c.decisions[requestID]
	c.mu.Unlock()
	if ok {
		return decision, true, nil
	}

	path := filepath.Join(decisionsDir(c.root), requestID+".json")
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading decision file: %w", err)
	}
	decision, err = c.parseDecision(requestID, blob)
	if err != nil {
		return nil, false, err
	}
	return decision, true, nil
}

// Close stops the watcher.
func (c *FileChannel) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.done)
		err = c.watcher.Close()
	})
	return err
}

// watchLoop folds decision file events into the in-memory set.
func (c *FileChannel) watchLoop() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			c.ingest(event.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("decision watcher error", "error", err)
		}
	}
}

// ingest reads one decision file into the set. Partial writes are
// tolerated: a file that does not parse yet is retried on its next write
// event or by the CheckStatus fallback.
func (c *FileChannel) ingest(path string) {
	requestID := strings.TrimSuffix(filepath.Base(path), ".json")
	blob, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("decision file unreadable", "path", path, "error", err)
		return
	}
	decision, err := c.parseDecision(requestID, blob)
	if err != nil {
		c.logger.Debug("decision file not yet parseable", "path", path, "error", err)
		return
	}

	c.mu.Lock()
	c.decisions[requestID] = decision
	c.mu.Unlock()
	c.logger.Info("decision file received", "request_id", requestID, "kind", string(decision.Kind))
}

func (c *FileChannel) parseDecision(requestID string, blob []byte) (*Decision, error) {
	var decision Decision
	if err := json.Unmarshal(blob, &decision); err != nil {
		return nil, fmt.Errorf("decoding decision for %s: %w", requestID, err)
	}
	if decision.RequestID == "" {
		decision.RequestID = requestID
	}
	if !decision.Kind.Valid() {
		return nil, fmt.Errorf("decision for %s has invalid kind %q", requestID, decision.Kind)
	}
	return &decision, nil
}

func requestsDir(root string) string  { return filepath.Join(root, "requests") }
func decisionsDir(root string) string { return filepath.Join(root, "decisions") }
