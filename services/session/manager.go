// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Session Manager
// =============================================================================

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// Backend creates sessions on the conversation backend.
	Backend *ConversationClient

	// Journal holds pending writes; used to re-key buffered sends when a
	// placeholder session is reconciled. May be nil.
	Journal *Journal

	// CreateTimeout bounds one backend create call. Default: 10 seconds.
	CreateTimeout time.Duration

	// ReconcileInterval is how often placeholder sessions retry creation.
	// Default: 15 seconds.
	ReconcileInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager resolves the session for each chat turn.
//
// # Description
//
// Rapid-fire turns from one owner must not fan out into several backend
// sessions. The manager tracks the owner's current untitled session for
// reuse, and collapses concurrent creations into a single backend call
// via singleflight.
//
// When the backend is unreachable the turn still proceeds: the manager
// hands out a client-only session with a negative placeholder ID, and a
// background reconciler later swaps in the real backend ID, re-keying
// any journaled writes in the same locked step.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	backend           *ConversationClient
	journal           *Journal
	createTimeout     time.Duration
	reconcileInterval time.Duration
	log               *slog.Logger

	sf singleflight.Group

	mu              sync.Mutex
	current         map[string]*datatypes.ConversationSession
	nextPlaceholder int64
	onRekey         []func(oldID, newID int64)
}

// NewManager creates a session manager.
//
// Panics if Backend is nil.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Backend == nil {
		panic("session: ManagerConfig.Backend is required")
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 10 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		backend:           cfg.Backend,
		journal:           cfg.Journal,
		createTimeout:     cfg.CreateTimeout,
		reconcileInterval: cfg.ReconcileInterval,
		log:               cfg.Logger,
		current:           make(map[string]*datatypes.ConversationSession),
	}
}

// OnRekey registers a hook fired when a placeholder session receives its
// real backend ID. The hook runs while the session record is locked, so
// callers observing the session never see a half-rekeyed state.
func (m *Manager) OnRekey(fn func(oldID, newID int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRekey = append(m.onRekey, fn)
}

// EnsureSession resolves the session for a turn.
//
// # Description
//
// With wantNew=false, the owner's tracked untitled session is reused when
// one exists. Otherwise a creation is started; concurrent calls for the
// same owner share one in-flight backend call. Backend failure falls back
// to a placeholder session rather than failing the turn.
//
// # Inputs
//
//   - ctx: Caller's context. Cancels the wait, not the shared create.
//   - ownerID: Stable user identifier.
//   - modelID: Model the session starts with.
//   - wantNew: Force a fresh session even when one is reusable.
//
// # Outputs
//
//   - datatypes.ConversationSession: Resolved session (copy). May carry a
//     negative placeholder ID.
//   - error: Only ctx.Err(); backend failures degrade to a placeholder.
func (m *Manager) EnsureSession(ctx context.Context, ownerID, modelID string, wantNew bool) (datatypes.ConversationSession, error) {
	if !wantNew {
		m.mu.Lock()
		if s, ok := m.current[ownerID]; ok && s.Title == "" {
			session := *s
			m.mu.Unlock()
			return session, nil
		}
		m.mu.Unlock()
	}

	ch := m.sf.DoChan(ownerID, func() (any, error) {
		return m.create(ownerID, modelID), nil
	})
	select {
	case res := <-ch:
		return res.Val.(datatypes.ConversationSession), nil
	case <-ctx.Done():
		return datatypes.ConversationSession{}, ctx.Err()
	}
}

// create performs one backend create, degrading to a placeholder.
// Runs inside singleflight with its own timeout, detached from any one
// caller's context.
func (m *Manager) create(ownerID, modelID string) datatypes.ConversationSession {
	ctx, cancel := context.WithTimeout(context.Background(), m.createTimeout)
	defer cancel()

	created, err := m.backend.CreateSession(ctx, ownerID, modelID)
	if err != nil {
		m.log.Warn("session create failed, using placeholder",
			"ownerId", ownerID,
			"error", err)
		return m.placeholder(ownerID, modelID)
	}

	m.mu.Lock()
	m.current[ownerID] = created
	session := *created
	m.mu.Unlock()
	return session
}

// placeholder mints a client-only session with the next negative ID.
func (m *Manager) placeholder(ownerID, modelID string) datatypes.ConversationSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPlaceholder--
	now := time.Now()
	s := &datatypes.ConversationSession{
		ID:        m.nextPlaceholder,
		OwnerID:   ownerID,
		ModelID:   modelID,
		CreatedAt: now,
		UpdatedAt: now,
		LocalOnly: true,
	}
	m.current[ownerID] = s
	return *s
}

// Lookup returns the owner's tracked session, if any.
func (m *Manager) Lookup(ownerID string) (datatypes.ConversationSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.current[ownerID]; ok {
		return *s, true
	}
	return datatypes.ConversationSession{}, false
}

// RunReconciler retries backend creation for placeholder sessions until
// ctx is canceled. Call on its own goroutine.
func (m *Manager) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(m.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce attempts to replace every placeholder session with a real
// backend session. Exposed for tests and shutdown flushes.
func (m *Manager) ReconcileOnce(ctx context.Context) {
	m.mu.Lock()
	var stale []*datatypes.ConversationSession
	for _, s := range m.current {
		if s.IsPlaceholder() {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		createCtx, cancel := context.WithTimeout(ctx, m.createTimeout)
		created, err := m.backend.CreateSession(createCtx, s.OwnerID, s.ModelID)
		cancel()
		if err != nil {
			continue
		}
		m.rekey(s, created.ID)
	}
}

// rekey swaps a placeholder ID for the real backend ID.
//
// Journal entries move first, then the in-memory record, then the hooks
// run, all under the session lock: a concurrent send observes either the
// placeholder or the real ID, never a mix.
func (m *Manager) rekey(s *datatypes.ConversationSession, realID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldID := s.ID
	if oldID == realID || !s.IsPlaceholder() {
		return
	}

	if m.journal != nil {
		if _, err := m.journal.Rekey(oldID, realID); err != nil {
			m.log.Error("journal rekey failed",
				"oldId", oldID,
				"newId", realID,
				"error", err)
			return
		}
	}

	s.ID = realID
	s.LocalOnly = false
	s.UpdatedAt = time.Now()

	for _, fn := range m.onRekey {
		fn(oldID, realID)
	}

	m.log.Info("session reconciled",
		"ownerId", s.OwnerID,
		"placeholderId", oldID,
		"sessionId", realID)
}
