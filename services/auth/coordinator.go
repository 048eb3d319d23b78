// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth coordinates gateway credential refresh so that any number
// of concurrent streams share a single refresh round-trip.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Credential State
// =============================================================================

// Credential is the resolved gateway credential used for upstream calls.
//
// # Description
//
// The coordinator is the only writer of credential state. Everything else
// reads a copy through Current and never mutates it.
type Credential struct {
	APIKey    string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// expiryLeeway treats a credential expiring this soon as already stale,
// so a refresh starts before the upstream returns 401.
const expiryLeeway = 60 * time.Second

// Valid reports whether the credential can still be sent upstream.
func (c Credential) Valid() bool {
	if c.APIKey == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(c.ExpiresAt) > expiryLeeway
}

// TokenSource supplies the provider-issued token exchanged for a gateway
// credential. Implementations wrap whatever storage holds the token; the
// coordinator never inspects it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// =============================================================================
// Refresh Operation Handle
// =============================================================================

// Operation is a handle to one in-flight (or completed) refresh.
//
// # Description
//
// Completion is broadcast by closing the done channel, so any number of
// waiters unblock at once. Waiters arriving after completion observe the
// outcome immediately.
//
// # Thread Safety
//
// Safe for concurrent use. Outcome fields are written exactly once,
// before done is closed.
type Operation struct {
	done chan struct{}
	cred Credential
	err  error
}

func newOperation() *Operation {
	return &Operation{done: make(chan struct{})}
}

// Done returns a channel closed when the refresh resolves.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the refresh resolves or ctx is canceled.
//
// # Outputs
//
//   - Credential: The refreshed credential on success.
//   - error: RefreshError on refresh failure, or ctx.Err() if the caller
//     gave up waiting. A caller abandoning Wait never cancels the shared
//     refresh itself.
func (o *Operation) Wait(ctx context.Context) (Credential, error) {
	select {
	case <-o.done:
		return o.cred, o.err
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// resolve publishes the outcome and wakes all waiters.
func (o *Operation) resolve(cred Credential, err error) {
	o.cred = cred
	o.err = err
	close(o.done)
}

// =============================================================================
// Coordinator
// =============================================================================

// Config configures the refresh coordinator.
type Config struct {
	// Identity performs the actual credential exchange.
	Identity *IdentityClient

	// Tokens supplies the provider-issued token.
	Tokens TokenSource

	// Timeout is the hard ceiling on one refresh attempt.
	// Default: 30 seconds
	Timeout time.Duration

	// Logger for refresh lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Coordinator serializes credential refresh across concurrent streams.
//
// # Description
//
// At most one refresh runs at a time. Concurrent RequestRefresh calls
// receive the same Operation handle and block on its completion rather
// than issuing duplicate exchanges. A refresh that exceeds the timeout
// resolves as failed and the coordinator returns to idle; it never wedges
// in the refreshing state.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	identity *IdentityClient
	tokens   TokenSource
	timeout  time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	cred     Credential
	inflight *Operation
}

// NewCoordinator creates a refresh coordinator.
//
// Panics if Identity or Tokens is nil; both are required dependencies.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Identity == nil {
		panic("auth: Config.Identity is required")
	}
	if cfg.Tokens == nil {
		panic("auth: Config.Tokens is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		identity: cfg.Identity,
		tokens:   cfg.Tokens,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}
}

// Current returns the last resolved credential without blocking.
//
// # Outputs
//
//   - Credential: Copy of the current credential state.
//   - bool: True when the credential is present and not near expiry.
func (c *Coordinator) Current() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred, c.cred.Valid()
}

// Refreshing reports whether a refresh is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// RequestRefresh starts a refresh or joins the one in flight.
//
// # Description
//
// When a refresh is already running the same Operation handle is returned
// regardless of force; concurrent exchanges are never issued. When idle,
// force=false returns an already-resolved Operation if the current
// credential is still valid; force=true starts a fresh exchange anyway.
//
// The refresh runs on its own goroutine with its own timeout context, so
// it survives cancellation of the stream that triggered it.
//
// # Inputs
//
//   - force: Refresh even if the current credential looks valid.
//
// # Outputs
//
//   - *Operation: Handle to wait on. Never nil.
func (c *Coordinator) RequestRefresh(force bool) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != nil {
		return c.inflight
	}

	if !force && c.cred.Valid() {
		op := newOperation()
		op.resolve(c.cred, nil)
		return op
	}

	op := newOperation()
	c.inflight = op
	go c.refresh(op)
	return op
}

// refresh performs one credential exchange and publishes the outcome.
func (c *Coordinator) refresh(op *Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	started := time.Now()
	cred, err := c.exchange(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err == nil {
		c.cred = cred
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("credential refresh failed",
			"error", err,
			"elapsed", time.Since(started))
	} else {
		c.log.Info("credential refreshed",
			"userId", cred.UserID,
			"expiresAt", cred.ExpiresAt,
			"elapsed", time.Since(started))
	}

	op.resolve(cred, err)
}

// exchange reads the provider token and trades it for a gateway credential.
func (c *Coordinator) exchange(ctx context.Context) (Credential, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Credential{}, &RefreshError{Message: "read provider token", Err: err}
	}
	return c.identity.Exchange(ctx, token)
}
