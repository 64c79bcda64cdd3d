// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// CredentialProvider supplies and refreshes an upstream credential.
//
// The retry executor calls Refresh exactly once when an operation fails
// with an authentication-class error, then retries the operation once.
type CredentialProvider interface {
	// Token returns the current credential.
	Token(ctx context.Context) (string, error)

	// Refresh replaces the current credential with a fresh one.
	Refresh(ctx context.Context) error
}

// ErrRefreshUnavailable is returned when a provider has no refresh source.
var ErrRefreshUnavailable = errors.New("no credential refresh source configured")

// RefreshFunc obtains a new credential from an external source (secret
// manager, token endpoint, environment).
type RefreshFunc func(ctx context.Context) (string, error)

// EnclaveProvider keeps the credential in a memguard enclave so the secret
// is encrypted at rest in process memory and only decrypted for the moment
// a token is handed out.
//
// Thread Safety: Safe for concurrent use.
type EnclaveProvider struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
	refresh RefreshFunc
}

// NewEnclaveProvider seals the initial credential and keeps refresh as the
// renewal source. An empty initial credential is allowed; the first Token
// call then forces a refresh.
func NewEnclaveProvider(initial string, refresh RefreshFunc) *EnclaveProvider {
	p := &EnclaveProvider{refresh: refresh}
	if initial != "" {
		p.enclave = memguard.NewEnclave([]byte(initial))
	}
	return p
}

// Token returns the current credential, refreshing first if none is sealed.
func (p *EnclaveProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enclave == nil {
		if err := p.refreshLocked(ctx); err != nil {
			return "", err
		}
	}

	buf, err := p.enclave.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	// buf.String() aliases the locked buffer, which Destroy unmaps;
	// hand out a copy instead.
	return string(buf.Bytes()), nil
}

// Refresh obtains a fresh credential and seals it, replacing the old one.
func (p *EnclaveProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

func (p *EnclaveProvider) refreshLocked(ctx context.Context) error {
	if p.refresh == nil {
		return ErrRefreshUnavailable
	}
	token, err := p.refresh(ctx)
	if err != nil {
		return err
	}
	p.enclave = memguard.NewEnclave([]byte(token))
	return nil
}
