// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs archives session records and audit exports to a Google
// Cloud Storage bucket. It backs the session manager's ArchiveStore so
// finalized sessions survive local retention cleanup.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Client wraps a GCS bucket for session archival.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	storageClient *storage.Client
	bucket        string
	prefix        string
}

// NewClient opens a client against the bucket.
//
// Inputs:
//   - ctx: Bounds client creation.
//   - bucket: Target bucket name. Required.
//   - prefix: Object-name prefix (e.g. "sessions"). May be empty.
//   - saKeyPath: Service-account key file. Empty uses application
//     default credentials.
func NewClient(ctx context.Context, bucket, prefix, saKeyPath string) (*Client, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &Client{storageClient: storageClient, bucket: bucket, prefix: prefix}, nil
}

// Put implements session.ArchiveStore: uploads a session record blob.
func (c *Client) Put(ctx context.Context, sessionID string, blob []byte) error {
	obj := c.storageClient.Bucket(c.bucket).Object(c.objectName(sessionID))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(blob); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", c.bucket, c.objectName(sessionID), err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing gs://%s/%s: %w", c.bucket, c.objectName(sessionID), err)
	}
	return nil
}

// Get implements session.ArchiveStore: downloads a session record.
// Absence is reported with found=false, not an error.
func (c *Client) Get(ctx context.Context, sessionID string) ([]byte, bool, error) {
	obj := c.storageClient.Bucket(c.bucket).Object(c.objectName(sessionID))
	reader, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("opening gs://%s/%s: %w", c.bucket, c.objectName(sessionID), err)
	}
	defer reader.Close()

	blob, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("reading gs://%s/%s: %w", c.bucket, c.objectName(sessionID), err)
	}
	return blob, true, nil
}

// PutAuditExport uploads a session's audit ledger export next to the
// session record.
func (c *Client) PutAuditExport(ctx context.Context, sessionID string, blob []byte) error {
	name := c.objectName(sessionID) + ".audit.json"
	writer := c.storageClient.Bucket(c.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := writer.Write(blob); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", c.bucket, name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing gs://%s/%s: %w", c.bucket, name, err)
	}
	return nil
}

// List returns the IDs of archived sessions.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var ids []string
	prefix := c.objectName("")
	it := c.storageClient.Bucket(c.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", c.bucket, prefix, err)
		}
		name := strings.TrimPrefix(attrs.Name, prefix)
		if strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".audit.json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.storageClient.Close()
}

// objectName maps a session ID to its object path. An empty ID yields
// the listing prefix.
func (c *Client) objectName(sessionID string) string {
	name := sessionID
	if sessionID != "" {
		name += ".json"
	}
	if c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}
