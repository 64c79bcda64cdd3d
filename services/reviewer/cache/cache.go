// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the three-tier cache that keeps pipeline stages
// from hammering upstream services.
//
// Tier layout follows the tiered persistence model:
//
//	Hot (RAM, small, short TTL) → Session (RAM, cycle-scoped) → Persistent (BadgerDB)
//
// Reads check tiers top-down and promote hits upward; writes go to all
// three tiers with tier-specific TTLs. Values are opaque byte slices;
// callers own serialization.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/reviewloop/services/reviewer/storage/badgerstore"
)

// Tier names used in metrics and logs.
const (
	TierHot        = "hot"
	TierSession    = "session"
	TierPersistent = "persistent"
)

// Config configures tier capacities and TTLs.
type Config struct {
	// HotCapacity is the max entries in the hot tier. Default: 256
	HotCapacity int `yaml:"hot_capacity" validate:"omitempty,min=1"`

	// HotTTL caps how long a hot entry lives. Default: 5m
	HotTTL time.Duration `yaml:"hot_ttl"`

	// SessionCapacity is the max entries in the session tier. Default: 4096
	SessionCapacity int `yaml:"session_capacity" validate:"omitempty,min=1"`

	// SessionTTL caps how long a session entry lives. Default: 1h
	SessionTTL time.Duration `yaml:"session_ttl"`

	// PersistentTTL is the default TTL for the persistent tier when the
	// caller passes ttl <= 0 to Set. Default: 24h
	PersistentTTL time.Duration `yaml:"persistent_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HotCapacity:     256,
		HotTTL:          5 * time.Minute,
		SessionCapacity: 4096,
		SessionTTL:      time.Hour,
		PersistentTTL:   24 * time.Hour,
	}
}

// Manager is the three-tier cache.
//
// Thread Safety: Safe for concurrent use. Concurrent Get/Set on the same key
// are last-writer-wins, which is acceptable given TTL-bounded staleness.
type Manager struct {
	config     Config
	hot        *memTier
	session    *memTier
	persistent *badgerstore.Store
	keyPrefix  string
	logger     *slog.Logger
}

// NewManager creates a cache manager over the given persistent store.
//
// Inputs:
//   - config: Tier sizing. Zero fields default.
//   - persistent: BadgerDB-backed store for the bottom tier. May be nil,
//     in which case only the two memory tiers are used.
//   - logger: Optional. Defaults to slog.Default().
func NewManager(config Config, persistent *badgerstore.Store, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if config.HotCapacity <= 0 {
		config.HotCapacity = def.HotCapacity
	}
	if config.HotTTL <= 0 {
		config.HotTTL = def.HotTTL
	}
	if config.SessionCapacity <= 0 {
		config.SessionCapacity = def.SessionCapacity
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = def.SessionTTL
	}
	if config.PersistentTTL <= 0 {
		config.PersistentTTL = def.PersistentTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:     config,
		hot:        newMemTier(TierHot, config.HotCapacity, config.HotTTL),
		session:    newMemTier(TierSession, config.SessionCapacity, config.SessionTTL),
		persistent: persistent,
		keyPrefix:  "cache/",
		logger:     logger,
	}
}

// Get returns the cached value for key, checking hot, then session, then
// persistent. A hit in a lower tier is promoted into every higher tier
// before returning.
//
// Outputs:
//   - []byte: The cached value.
//   - bool: False on a miss in all three tiers.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := m.hot.get(key); ok {
		cacheHits.WithLabelValues(TierHot).Inc()
		return value, true
	}
	cacheMisses.WithLabelValues(TierHot).Inc()

	if value, ok := m.session.get(key); ok {
		cacheHits.WithLabelValues(TierSession).Inc()
		m.hot.set(key, value, m.config.HotTTL)
		return value, true
	}
	cacheMisses.WithLabelValues(TierSession).Inc()

	if m.persistent != nil {
		value, found, err := m.persistent.Read(ctx, m.keyPrefix+key)
		if err != nil {
			m.logger.Warn("persistent cache read failed", "key", key, "error", err)
		} else if found {
			cacheHits.WithLabelValues(TierPersistent).Inc()
			// Promote into both memory tiers with their own TTLs.
			m.session.set(key, value, m.config.SessionTTL)
			m.hot.set(key, value, m.config.HotTTL)
			return value, true
		}
	}
	cacheMisses.WithLabelValues(TierPersistent).Inc()

	return nil, false
}

// Set writes the value into all three tiers.
//
// ttl governs the persistent tier; the memory tiers cap it at their own
// configured maximums. A ttl <= 0 uses the configured persistent default.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.config.PersistentTTL
	}

	m.hot.set(key, value, minDuration(ttl, m.config.HotTTL))
	m.session.set(key, value, minDuration(ttl, m.config.SessionTTL))

	if m.persistent != nil {
		if err := m.persistent.WriteTTL(ctx, m.keyPrefix+key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes every key matching pattern from all tiers and returns
// the number of entries removed across tiers.
//
// Pattern syntax is path.Match: "detail:*" removes all detail entries.
// A pattern without wildcards matches exactly one key.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	removed := m.hot.invalidate(pattern)
	removed += m.session.invalidate(pattern)

	if m.persistent != nil {
		prefix := m.keyPrefix + literalPrefix(pattern)
		var matched []string
		err := m.persistent.ScanPrefix(ctx, prefix, func(key string, _ []byte) error {
			bare := strings.TrimPrefix(key, m.keyPrefix)
			if ok, _ := path.Match(pattern, bare); ok {
				matched = append(matched, key)
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		for _, key := range matched {
			if err := m.persistent.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// ResetSession drops the session tier. Called between cycles so per-cycle
// entries do not leak into the next run.
func (m *Manager) ResetSession() {
	m.session.reset()
}

// literalPrefix returns the pattern's leading literal segment, used to
// bound the persistent-tier scan.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// memTier is one in-memory LRU tier with per-entry TTL.
type memTier struct {
	name     string
	capacity int
	maxTTL   time.Duration

	mu      sync.Mutex
	ll      *list.List
	entries map[string]*list.Element
}

// memEntry is the LRU list payload.
type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func newMemTier(name string, capacity int, maxTTL time.Duration) *memTier {
	return &memTier{
		name:     name,
		capacity: capacity,
		maxTTL:   maxTTL,
		ll:       list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (t *memTier) get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memEntry)
	if time.Now().After(entry.expiresAt) {
		t.removeLocked(elem)
		return nil, false
	}
	t.ll.MoveToFront(elem)
	return entry.value, true
}

func (t *memTier) set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 || ttl > t.maxTTL {
		ttl = t.maxTTL
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.entries[key]; ok {
		entry := elem.Value.(*memEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		t.ll.MoveToFront(elem)
		return
	}

	elem := t.ll.PushFront(&memEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	t.entries[key] = elem

	for t.ll.Len() > t.capacity {
		oldest := t.ll.Back()
		if oldest == nil {
			break
		}
		t.removeLocked(oldest)
		cacheEvictions.WithLabelValues(t.name).Inc()
	}
}

func (t *memTier) invalidate(pattern string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, elem := range t.entries {
		if ok, _ := path.Match(pattern, key); ok {
			t.removeLocked(elem)
			removed++
		}
	}
	return removed
}

func (t *memTier) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ll.Init()
	t.entries = make(map[string]*list.Element)
}

// removeLocked removes an element. Must be called with the lock held.
func (t *memTier) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memEntry)
	t.ll.Remove(elem)
	delete(t.entries, entry.key)
}
