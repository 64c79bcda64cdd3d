// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_WriteReadDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "session/abc", []byte(`{"id":"abc"}`)))

	blob, found, err := store.Read(ctx, "session/abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"id":"abc"}`, string(blob))

	require.NoError(t, store.Delete(ctx, "session/abc"))

	_, found, err = store.Read(ctx, "session/abc")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_AbsentKeyIsNotAnError(t *testing.T) {
	store := openTestStore(t)

	blob, found, err := store.Read(context.Background(), "missing")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, blob)
}

func TestStore_TTLExpiry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Badger tracks expiry at second granularity.
	require.NoError(t, store.WriteTTL(ctx, "k", []byte("v"), 2*time.Second))

	_, found, err := store.Read(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(2500 * time.Millisecond)

	_, found, err = store.Read(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "expected TTL expiry")
}

func TestStore_ScanPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "audit/s1/000", []byte("a")))
	require.NoError(t, store.Write(ctx, "audit/s1/001", []byte("b")))
	require.NoError(t, store.Write(ctx, "audit/s2/000", []byte("c")))

	var keys []string
	err := store.ScanPrefix(ctx, "audit/s1/", func(key string, blob []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"audit/s1/000", "audit/s1/001"}, keys)
}

func TestStore_DeletePrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "cache/a", []byte("1")))
	require.NoError(t, store.Write(ctx, "cache/b", []byte("2")))
	require.NoError(t, store.Write(ctx, "session/x", []byte("3")))

	deleted, err := store.DeletePrefix(ctx, "cache/")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, found, err := store.Read(ctx, "session/x")
	require.NoError(t, err)
	assert.True(t, found)
}
