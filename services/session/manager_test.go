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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// mockBackend is a conversation backend double with failure toggles.
type mockBackend struct {
	srv           *httptest.Server
	createCalls   atomic.Int32
	messageCalls  atomic.Int32
	failCreates   atomic.Bool
	failMessages  atomic.Bool
	nextSessionID atomic.Int64
	createDelay   time.Duration

	mu       sync.Mutex
	messages map[int64][]datatypes.ChatTurn
}

func newMockBackend(t *testing.T) *mockBackend {
	t.Helper()
	b := &mockBackend{messages: make(map[int64][]datatypes.ChatTurn)}
	b.nextSessionID.Store(100)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		b.createCalls.Add(1)
		if b.createDelay > 0 {
			time.Sleep(b.createDelay)
		}
		if b.failCreates.Load() {
			http.Error(w, "backend down", http.StatusServiceUnavailable)
			return
		}
		var req createSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		id := b.nextSessionID.Add(1)
		now := time.Now()
		_ = json.NewEncoder(w).Encode(datatypes.ConversationSession{
			ID:        id,
			OwnerID:   req.OwnerID,
			ModelID:   req.ModelID,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	mux.HandleFunc("POST /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		b.messageCalls.Add(1)
		if b.failMessages.Load() {
			http.Error(w, "backend down", http.StatusServiceUnavailable)
			return
		}
		var id int64
		fmt.Sscanf(r.PathValue("id"), "%d", &id)
		var turn datatypes.ChatTurn
		_ = json.NewDecoder(r.Body).Decode(&turn)
		b.mu.Lock()
		b.messages[id] = append(b.messages[id], turn)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /sessions/{id}/messages/batch", func(w http.ResponseWriter, r *http.Request) {
		b.messageCalls.Add(1)
		if b.failMessages.Load() {
			http.Error(w, "backend down", http.StatusServiceUnavailable)
			return
		}
		var id int64
		fmt.Sscanf(r.PathValue("id"), "%d", &id)
		var req batchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.messages[id] = append(b.messages[id], req.Messages...)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *mockBackend) client() *ConversationClient {
	return NewConversationClient(b.srv.URL, b.srv.Client(), nil)
}

func (b *mockBackend) stored(sessionID int64) []datatypes.ChatTurn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]datatypes.ChatTurn(nil), b.messages[sessionID]...)
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenInMemoryJournal()
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestEnsureSession_CreatesAndTracks(t *testing.T) {
	t.Parallel()

	backend := newMockBackend(t)
	m := NewManager(ManagerConfig{Backend: backend.client()})

	s, err := m.EnsureSession(context.Background(), "user-1", "openai:gpt-4o", false)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID <= 0 {
		t.Errorf("expected backend ID, got %d", s.ID)
	}
	if s.LocalOnly {
		t.Error("backend-created session must not be local-only")
	}
}

func TestEnsureSession_ReusesUntitledSession(t *testing.T) {
	t.Parallel()

	backend := newMockBackend(t)
	m := NewManager(ManagerConfig{Backend: backend.client()})

	first, _ := m.EnsureSession(context.Background(), "user-1", "openai:gpt-4o", false)
	second, _ := m.EnsureSession(context.Background(), "user-1", "openai:gpt-4o", false)

	if first.ID != second.ID {
		t.Errorf("untitled session should be reused: %d vs %d", first.ID, second.ID)
	}
	if got := backend.createCalls.Load(); got != 1 {
		t.Errorf("expected 1 backend create, got %d", got)
	}
}

func TestEnsureSession_WantNewForcesCreation(t *testing.T) {
	t.Parallel()

	backend := newMockBackend(t)
	m := NewManager(ManagerConfig{Backend: backend.client()})

	first, _ := m.EnsureSession(context.Background(), "user-1", "openai:gpt-4o", false)
	second, _ := m.EnsureSession(context.Background(), "user-1", "openai:gpt-4o", true)

	if first.ID == second.ID {
		t.Error("wantNew should force a fresh session")
	}
}

func TestEnsureSession_ConcurrentCallsShareOneCreate(t *testing.T) {
	t.Parallel()

	backend := newMockBackend(t)
	backend.createDelay = 50 * time.Millisecond
	m := NewManager(ManagerConfig{Backend: backend.client()})

	const callers = 20
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.EnsureSession(context.Background(), "user-1", "openai:gpt-4o", false)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	if got := backend.createCalls.Load(); got != 1 {
		t.Errorf("expected exactly 1 backend create, got %d", got)
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got session %d, caller 0 got %d", i, ids[i], ids[0])
		}
	}
}

func TestEnsureSession_BackendFailureYieldsPlaceholder(t *testing.T) {
	t.Parallel()

	backend := newMockBackend(t)
	backend.failCreates.Store(true)
	m := NewManager(ManagerConfig{Backend: backend.client()})

	s, err := m.EnsureSession(context.Background(), "user-1", "openai:gpt-4o", false)
	if err != nil {
		t.Fatalf("backend failure must degrade, not fail: %v", err)
	}
	if !s.IsPlaceholder() {
		t.Errorf("expected negative placeholder ID, got %d", s.ID)
	}
	if !s.LocalOnly {
		t.Error("placeholder session must be local-only")
	}
}

func TestReconcileOnce_SwapsPlaceholderAndFiresHook(t *testing.T) {
	t.Parallel()

	backend := newMockBackend(t)
	backend.failCreates.Store(true)
	journal := newTestJournal(t)
	m := NewManager(ManagerConfig{Backend: backend.client(), Journal: journal})

	var hookOld, hookNew atomic.Int64
	m.OnRekey(func(oldID, newID int64) {
		hookOld.Store(oldID)
		hookNew.Store(newID)
	})

	s, _ := m.EnsureSession(context.Background(), "user-1", "openai:gpt-4o", false)
	placeholderID := s.ID

	// Journal a write under the placeholder, as the queue would.
	_, err := journal.Append(datatypes.PendingWrite{
		Turn: datatypes.ChatTurn{SessionID: placeholderID, Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Backend recovers; reconciliation swaps in the real ID.
	backend.failCreates.Store(false)
	m.ReconcileOnce(context.Background())

	tracked, ok := m.Lookup("user-1")
	if !ok || tracked.IsPlaceholder() {
		t.Fatalf("session should carry a real ID after reconcile, got %+v", tracked)
	}
	if hookOld.Load() != placeholderID || hookNew.Load() != tracked.ID {
		t.Errorf("rekey hook got (%d,%d), want (%d,%d)",
			hookOld.Load(), hookNew.Load(), placeholderID, tracked.ID)
	}

	// Journaled writes moved to the real session key.
	old, _ := journal.Session(placeholderID)
	if len(old) != 0 {
		t.Errorf("placeholder journal entries should be gone, found %d", len(old))
	}
	moved, _ := journal.Session(tracked.ID)
	if len(moved) != 1 || moved[0].Write.Turn.Content != "hi" {
		t.Errorf("write should ride along to the real session, got %+v", moved)
	}
}

func TestEnsureSession_ContextCancellation(t *testing.T) {
	t.Parallel()

	backend := newMockBackend(t)
	backend.createDelay = 200 * time.Millisecond
	m := NewManager(ManagerConfig{Backend: backend.client()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.EnsureSession(ctx, "user-1", "openai:gpt-4o", false)
	if err == nil {
		t.Fatal("expected context error")
	}
}
