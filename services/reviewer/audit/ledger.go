// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit implements the append-only, session-scoped audit ledger.
//
// Every operation, approval decision, and error in a cycle is recorded as
// an immutable AuditEntry. Entries are chained with SHA-256 checksums for
// tamper detection, mirrored to durable storage, and queryable as ordered
// per-output trails. Audit failures are non-fatal to business logic but
// are never silent: they are logged at error severity and pushed to the
// operations alert sink.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/reviewloop/services/reviewer/storage/badgerstore"
)

// EventType categorizes audit events. Format: "category.action".
type EventType string

const (
	EventSessionStart    EventType = "session.start"
	EventSessionComplete EventType = "session.complete"
	EventDataFetch       EventType = "data.fetch"
	EventContextFetch    EventType = "context.fetch"
	EventOutputGenerate  EventType = "output.generate"
	EventItemResult      EventType = "item.result"
	EventApprovalRequest EventType = "approval.request"
	EventApprovalDecide  EventType = "approval.decision"
	EventApprovalExpire  EventType = "approval.expired"
	EventExecutionWrite  EventType = "execution.write"
	EventAuditFailure    EventType = "audit.failure"
)

// Entry is one immutable audit record.
//
// Entries are never updated or deleted within a session's lifetime. The
// Checksum chains each entry to its predecessor: it is the SHA-256 of the
// previous entry's checksum concatenated with this entry's canonical JSON.
type Entry struct {
	// EntryID uniquely identifies the entry.
	EntryID string `json:"entry_id"`

	// SessionID scopes the entry to one cycle.
	SessionID string `json:"session_id"`

	// Seq is the entry's position in the session ledger, starting at 0.
	Seq int `json:"seq"`

	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`

	// EventType categorizes the event.
	EventType EventType `json:"event_type"`

	// EntityID is the work item, output, or request involved.
	EntityID string `json:"entity_id,omitempty"`

	// Success indicates the recorded operation's outcome.
	Success bool `json:"success"`

	// Details holds event-specific fields. Sensitive keys are redacted
	// before the entry is sealed.
	Details map[string]any `json:"details,omitempty"`

	// Checksum seals the entry into the session's hash chain.
	Checksum string `json:"checksum"`
}

// AlertSink receives operational alerts that must not be dropped with a
// log line alone. Implementations must not block; failures inside a sink
// are the sink's own problem.
type AlertSink interface {
	// OnAuditWriteFailure fires when a durable audit write fails.
	OnAuditWriteFailure(ctx context.Context, entry Entry, err error)

	// OnComplianceViolation fires for each violation found by a
	// compliance verification run.
	OnComplianceViolation(ctx context.Context, v Violation)
}

// slogAlertSink is the default sink: structured error-level logs.
type slogAlertSink struct {
	logger *slog.Logger
}

// NewLogAlertSink returns an AlertSink that logs alerts at error level.
func NewLogAlertSink(logger *slog.Logger) AlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogAlertSink{logger: logger}
}

func (s *slogAlertSink) OnAuditWriteFailure(_ context.Context, entry Entry, err error) {
	s.logger.Error("ALERT: audit write failed",
		"session_id", entry.SessionID,
		"event_type", string(entry.EventType),
		"entity_id", entry.EntityID,
		"error", err)
}

func (s *slogAlertSink) OnComplianceViolation(_ context.Context, v Violation) {
	s.logger.Error("ALERT: compliance violation",
		"severity", string(v.Severity),
		"category", string(v.Category),
		"description", v.Description)
}

// defaultRedactedKeys are detail keys whose values are replaced before an
// entry is sealed.
var defaultRedactedKeys = []string{
	"ssn", "password", "token", "secret", "api_key", "credential",
	"account_number", "credit_card",
}

// redactedPlaceholder replaces sensitive values.
const redactedPlaceholder = "[REDACTED]"

// Ledger is the append-only audit log for one or more sessions.
//
// Thread Safety: Safe for concurrent use.
type Ledger struct {
	store  *badgerstore.Store
	alerts AlertSink
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

// sessionLog holds the in-memory entries and chain head for one session.
type sessionLog struct {
	entries  []Entry
	checksum string
}

// NewLedger creates a ledger over the given durable store.
//
// Inputs:
//   - store: Durable mirror for entries. May be nil (in-memory only, used
//     in tests); durability failures then never occur.
//   - alerts: Alert sink for write failures. Nil defaults to log alerts.
//   - logger: Optional. Defaults to slog.Default().
func NewLedger(store *badgerstore.Store, alerts AlertSink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if alerts == nil {
		alerts = NewLogAlertSink(logger)
	}
	return &Ledger{
		store:    store,
		alerts:   alerts,
		logger:   logger,
		sessions: make(map[string]*sessionLog),
	}
}

// Record appends an entry to the session's ledger.
//
// The entry's ID, sequence, timestamp, and checksum are assigned here;
// sensitive detail values are redacted first. A durable-write failure is
// logged at error severity and pushed to the alert sink but does not fail
// the caller: audit failure is non-fatal to business logic and never
// silent.
func (l *Ledger) Record(ctx context.Context, sessionID string, eventType EventType, entityID string, success bool, details map[string]any) Entry {
	l.mu.Lock()
	log, ok := l.sessions[sessionID]
	if !ok {
		log = &sessionLog{}
		l.sessions[sessionID] = log
	}

	entry := Entry{
		EntryID:   uuid.NewString(),
		SessionID: sessionID,
		Seq:       len(log.entries),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		EntityID:  entityID,
		Success:   success,
		Details:   redactDetails(details),
	}
	entry.Checksum = chainChecksum(log.checksum, entry)
	log.entries = append(log.entries, entry)
	log.checksum = entry.Checksum
	l.mu.Unlock()

	auditEntriesTotal.WithLabelValues(string(eventType)).Inc()

	if l.store != nil {
		key := entryKey(sessionID, entry.Seq)
		blob, err := json.Marshal(entry)
		if err == nil {
			err = l.store.Write(ctx, key, blob)
		}
		if err != nil {
			auditWriteFailures.Inc()
			l.logger.Error("audit entry durable write failed",
				"session_id", sessionID,
				"seq", entry.Seq,
				"event_type", string(eventType),
				"error", err)
			l.alerts.OnAuditWriteFailure(ctx, entry, err)
		}
	}

	return entry
}

// Entries returns a copy of the session's entries in append order.
func (l *Ledger) Entries(sessionID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	log, ok := l.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(log.entries))
	copy(out, log.entries)
	return out
}

// Checksum returns the session's current chain head.
func (l *Ledger) Checksum(sessionID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if log, ok := l.sessions[sessionID]; ok {
		return log.checksum
	}
	return ""
}

// BuildTrail reconstructs the ordered sequence of entries for one output
// across fetch, context, generation, approval, and execution.
//
// An output's trail includes entries whose EntityID is the output itself
// or the work item it was generated for (passed as itemID; may be empty).
func (l *Ledger) BuildTrail(sessionID, outputID, itemID string) []Entry {
	entries := l.Entries(sessionID)

	var trail []Entry
	for _, e := range entries {
		if e.EntityID == outputID || (itemID != "" && e.EntityID == itemID) {
			trail = append(trail, e)
		}
	}
	sort.SliceStable(trail, func(i, j int) bool { return trail[i].Seq < trail[j].Seq })
	return trail
}

// Export serializes the session's full ledger as indented JSON, suitable
// for archival alongside the session record.
func (l *Ledger) Export(sessionID string) ([]byte, error) {
	entries := l.Entries(sessionID)
	return json.MarshalIndent(entries, "", "  ")
}

// LoadSession rebuilds a session's in-memory log from the durable store,
// for trail building and compliance runs on historical sessions.
func (l *Ledger) LoadSession(ctx context.Context, sessionID string) (int, error) {
	if l.store == nil {
		return 0, fmt.Errorf("no durable store configured")
	}

	var entries []Entry
	err := l.store.ScanPrefix(ctx, "audit/"+sessionID+"/", func(key string, blob []byte) error {
		var entry Entry
		if err := json.Unmarshal(blob, &entry); err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("loading ledger for %s: %w", sessionID, err)
	}
	// Keys are zero-padded by sequence, so scan order is append order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	checksum := ""
	if len(entries) > 0 {
		checksum = entries[len(entries)-1].Checksum
	}

	l.mu.Lock()
	l.sessions[sessionID] = &sessionLog{entries: entries, checksum: checksum}
	l.mu.Unlock()
	return len(entries), nil
}

// DropSession releases the in-memory log for a finished session. Durable
// copies are unaffected.
func (l *Ledger) DropSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// entryKey builds the durable-store key for a ledger entry.
func entryKey(sessionID string, seq int) string {
	return fmt.Sprintf("audit/%s/%08d", sessionID, seq)
}

// redactDetails returns a copy of details with sensitive values replaced.
func redactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range defaultRedactedKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// chainChecksum seals an entry: SHA-256 over the previous checksum and the
// entry's canonical JSON (without its own checksum field).
func chainChecksum(prev string, entry Entry) string {
	entry.Checksum = ""
	canonical, err := json.Marshal(entry)
	if err != nil {
		// Entries are built from marshalable types; this is unreachable
		// in practice but must not panic the ledger.
		canonical = []byte(entry.EntryID)
	}
	sum := sha256.Sum256(append([]byte(prev), canonical...))
	return hex.EncodeToString(sum[:])
}
