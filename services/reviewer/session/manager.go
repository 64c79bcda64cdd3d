// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session manages review session lifecycle: creation under the
// single-active-session invariant, durable persistence with an optional
// archive mirror, restore across restarts, finalization metrics, and
// retention cleanup guarded by a clock sanity check.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/storage/badgerstore"
)

var (
	// ErrSessionActive is returned when a new session is requested while
	// another is still running.
	ErrSessionActive = errors.New("a session is already running")

	// ErrSessionNotFound is returned when no tier holds the session.
	ErrSessionNotFound = errors.New("session not found")
)

// keyPrefix namespaces session records in the durable store.
const keyPrefix = "session/"

// ArchiveStore mirrors finalized session records to long-term storage.
type ArchiveStore interface {
	// Put stores a session record blob under its ID.
	Put(ctx context.Context, sessionID string, blob []byte) error

	// Get retrieves a session record; found is false when absent.
	Get(ctx context.Context, sessionID string) ([]byte, bool, error)
}

// Manager owns session lifecycle.
//
// # Invariant
//
// At most one session is Running per process. Starting a new session
// while one is active returns ErrSessionActive; the caller finishes or
// fails the active session first.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	store   *badgerstore.Store
	archive ArchiveStore
	clock   ClockChecker
	logger  *slog.Logger

	mu     sync.Mutex
	active *datatypes.SessionState
	recent map[string]*datatypes.SessionState
}

// NewManager creates a session manager.
//
// Inputs:
//   - store: Durable session store. Required.
//   - archive: Optional long-term mirror; archive failures are non-fatal.
//   - clock: Sanity-checked time source for retention. Nil defaults to a
//     checker with production bounds.
//   - logger: Optional. Defaults to slog.Default().
func NewManager(store *badgerstore.Store, archive ArchiveStore, clock ClockChecker, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = NewClockChecker(ClockConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		archive: archive,
		clock:   clock,
		logger:  logger,
		recent:  make(map[string]*datatypes.SessionState),
	}
}

// Start creates and persists a new Running session.
//
// Outputs:
//   - *SessionState: The new session with a fresh UUID.
//   - error: ErrSessionActive when another session is still running, or
//     a persistence failure.
func (m *Manager) Start(ctx context.Context, scope string) (*datatypes.SessionState, error) {
	m.mu.Lock()
	if m.active != nil && !m.active.Status.Terminal() {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}

	state := &datatypes.SessionState{
		SessionID: uuid.NewString(),
		Status:    datatypes.SessionRunning,
		StartedAt: time.Now().UTC(),
		Scope:     scope,
	}
	m.active = state
	m.recent[state.SessionID] = state
	m.mu.Unlock()

	if err := m.Persist(ctx, state); err != nil {
		m.mu.Lock()
		m.active = nil
		delete(m.recent, state.SessionID)
		m.mu.Unlock()
		return nil, fmt.Errorf("persisting new session: %w", err)
	}

	m.logger.Info("session started", "session_id", state.SessionID, "scope", scope)
	return state, nil
}

// Active returns the running session, or nil.
func (m *Manager) Active() *datatypes.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.Status.Terminal() {
		return m.active
	}
	return nil
}

// Persist writes the session to the durable store and mirrors it to the
// archive when one is configured. An archive failure is logged and
// swallowed; the durable write is authoritative.
func (m *Manager) Persist(ctx context.Context, state *datatypes.SessionState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", state.SessionID, err)
	}
	if err := m.store.Write(ctx, keyPrefix+state.SessionID, blob); err != nil {
		return fmt.Errorf("writing session %s: %w", state.SessionID, err)
	}

	if m.archive != nil {
		if err := m.archive.Put(ctx, state.SessionID, blob); err != nil {
			m.logger.Warn("session archive write failed",
				"session_id", state.SessionID, "error", err)
		}
	}
	return nil
}

// Restore retrieves a session, checking memory, then the durable store,
// then the archive.
func (m *Manager) Restore(ctx context.Context, sessionID string) (*datatypes.SessionState, error) {
	m.mu.Lock()
	if state, ok := m.recent[sessionID]; ok {
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	blob, found, err := m.store.Read(ctx, keyPrefix+sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	if !found && m.archive != nil {
		blob, found, err = m.archive.Get(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("reading archived session %s: %w", sessionID, err)
		}
		if found {
			m.logger.Info("session restored from archive", "session_id", sessionID)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var state datatypes.SessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	m.recent[sessionID] = &state
	m.mu.Unlock()
	return &state, nil
}

// Complete finalizes the session: computes aggregate metrics, stamps the
// finish time, persists, and releases the active slot.
//
// Inputs:
//   - status: Terminal status to record. Non-terminal statuses are an
//     error.
//   - batches: Number of batches the dispatcher ran.
func (m *Manager) Complete(ctx context.Context, state *datatypes.SessionState, status datatypes.SessionStatus, batches int) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	now := time.Now().UTC()
	state.Status = status
	state.FinishedAt = now
	state.Metrics = datatypes.SessionMetrics{
		Duration: now.Sub(state.StartedAt),
		Batches:  batches,
	}
	total := state.Counters.Processed + state.Counters.Failed
	if total > 0 {
		state.Metrics.SuccessRate = float64(state.Counters.Processed) / float64(total)
	} else {
		state.Metrics.SuccessRate = 1.0
	}
	if state.Counters.Processed > 0 {
		state.Metrics.AvgItemTime = state.TotalItemTime / time.Duration(state.Counters.Processed)
	}

	if err := m.Persist(ctx, state); err != nil {
		return err
	}

	m.mu.Lock()
	if m.active != nil && m.active.SessionID == state.SessionID {
		m.active = nil
	}
	m.mu.Unlock()

	m.logger.Info("session completed",
		"session_id", state.SessionID,
		"status", string(status),
		"processed", state.Counters.Processed,
		"failed", state.Counters.Failed,
		"duration", state.Metrics.Duration)
	return nil
}

// Cleanup deletes terminal sessions older than the retention window.
//
// # Description
//
// The clock must pass a sanity check before anything is deleted; a bad
// clock aborts the run with zero deletions. Individual decode or delete
// failures are logged and skipped so one corrupt record cannot block
// retention for the rest.
//
// Outputs:
//   - int: Number of sessions deleted.
//   - error: Clock or scan failure. Per-record failures do not error.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	now, err := m.clock.Now()
	if err != nil {
		return 0, fmt.Errorf("refusing cleanup: %w", err)
	}
	cutoff := now.AddDate(0, 0, -retentionDays)

	var expired []string
	err = m.store.ScanPrefix(ctx, keyPrefix, func(key string, blob []byte) error {
		var state datatypes.SessionState
		if err := json.Unmarshal(blob, &state); err != nil {
			m.logger.Warn("skipping undecodable session record", "key", key, "error", err)
			return nil
		}
		if state.Status.Terminal() && !state.FinishedAt.IsZero() && state.FinishedAt.Before(cutoff) {
			expired = append(expired, strings.TrimPrefix(key, keyPrefix))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning sessions: %w", err)
	}

	deleted := 0
	for _, id := range expired {
		if err := m.store.Delete(ctx, keyPrefix+id); err != nil {
			m.logger.Warn("session delete failed", "session_id", id, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.recent, id)
		m.mu.Unlock()
		deleted++
	}

	m.logger.Info("session cleanup finished",
		"deleted", deleted, "candidates", len(expired), "retention_days", retentionDays)
	return deleted, nil
}

// List returns all durably stored sessions, newest first.
func (m *Manager) List(ctx context.Context) ([]*datatypes.SessionState, error) {
	var sessions []*datatypes.SessionState
	err := m.store.ScanPrefix(ctx, keyPrefix, func(key string, blob []byte) error {
		var state datatypes.SessionState
		if err := json.Unmarshal(blob, &state); err != nil {
			m.logger.Warn("skipping undecodable session record", "key", key, "error", err)
			return nil
		}
		sessions = append(sessions, &state)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}
