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
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Message Persistence Queue
// =============================================================================

// QueueConfig configures the persistence queue.
type QueueConfig struct {
	// Backend writes turns to the conversation backend.
	Backend *ConversationClient

	// Journal spills pending writes for restart resume. Required; the
	// queue owns journal mutation for the turns it carries.
	Journal *Journal

	// Window is the coalescing delay: turns enqueued for one session
	// within the window flush together. Default: 75ms.
	Window time.Duration

	// MaxAttempts per turn before giving up. Default: 5.
	MaxAttempts int

	// BaseDelay seeds the retry backoff. Default: 250ms.
	BaseDelay time.Duration

	// MaxDelay caps the retry backoff. Default: 5 seconds.
	MaxDelay time.Duration

	// BatchSupported enables the backend's batch endpoint for coalesced
	// flushes. Configured, not probed.
	BatchSupported bool

	// OnPersisted is invoked (non-blocking, own goroutine) for each turn
	// the backend accepted, with Persisted set.
	OnPersisted func(turn datatypes.ChatTurn)

	// OnDegraded is invoked (non-blocking, own goroutine) when a turn
	// exhausts its attempts and stays unpersisted.
	OnDegraded func(turn datatypes.ChatTurn, err error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// queueEntry pairs an in-memory pending write with its journal key.
type queueEntry struct {
	key   string
	write datatypes.PendingWrite
}

// Queue persists completed turns without ever blocking the streaming
// path.
//
// # Description
//
// Enqueue journals the turn locally and returns; a background worker
// coalesces turns per session inside a short window and writes them
// through the backend, retrying with exponential backoff. A turn that
// exhausts its attempts is surfaced through OnDegraded and dropped from
// the retry set; the conversation survives in UI state even though the
// backend copy is missing.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Limitations
//
//   - Order is preserved per session, not across sessions.
type Queue struct {
	backend        *ConversationClient
	journal        *Journal
	window         time.Duration
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	batchSupported bool
	onPersisted    func(datatypes.ChatTurn)
	onDegraded     func(datatypes.ChatTurn, error)
	log            *slog.Logger

	mu      sync.Mutex
	pending map[int64][]queueEntry
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue creates a persistence queue. Call Run to start the worker.
//
// Panics if Backend or Journal is nil.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Backend == nil {
		panic("session: QueueConfig.Backend is required")
	}
	if cfg.Journal == nil {
		panic("session: QueueConfig.Journal is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = 75 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		backend:        cfg.Backend,
		journal:        cfg.Journal,
		window:         cfg.Window,
		maxAttempts:    cfg.MaxAttempts,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		batchSupported: cfg.BatchSupported,
		onPersisted:    cfg.OnPersisted,
		onDegraded:     cfg.OnDegraded,
		log:            cfg.Logger,
		pending:        make(map[int64][]queueEntry),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Enqueue accepts a turn for persistence and returns immediately.
//
// The turn is journaled before this returns, so a crash between Enqueue
// and the backend write is resumable. No network I/O happens here.
func (q *Queue) Enqueue(turn datatypes.ChatTurn) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.Persisted = false

	write := datatypes.PendingWrite{Turn: turn, NextRetryAt: time.Now()}
	key, err := q.journal.Append(write)
	if err != nil {
		// Journal trouble must not block the stream; keep the turn in
		// memory only.
		q.log.Error("journal append failed", "sessionId", turn.SessionID, "error", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending[turn.SessionID] = append(q.pending[turn.SessionID], queueEntry{key: key, write: write})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Rekey moves buffered writes from a placeholder session to its real
// backend ID. Journal entries move with them in one pass.
func (q *Queue) Rekey(oldID, newID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.pending[oldID]
	if len(entries) == 0 {
		return
	}
	delete(q.pending, oldID)

	for i := range entries {
		if entries[i].key != "" {
			_ = q.journal.Remove(entries[i].key)
		}
		entries[i].write.Turn.SessionID = newID
		if key, err := q.journal.Append(entries[i].write); err == nil {
			entries[i].key = key
		} else {
			entries[i].key = ""
		}
	}
	q.pending[newID] = append(q.pending[newID], entries...)
}

// Depth reports the number of unconfirmed writes across all sessions.
// Exposed for the queue depth gauge and the health endpoint.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := 0
	for _, entries := range q.pending {
		depth += len(entries)
	}
	return depth
}

// ResumeFromJournal loads writes left over from a previous run. Call
// before Run.
func (q *Queue) ResumeFromJournal() error {
	entries, err := q.journal.All()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		q.pending[e.Write.Turn.SessionID] = append(
			q.pending[e.Write.Turn.SessionID],
			queueEntry{key: e.Key, write: e.Write})
	}
	if len(entries) > 0 {
		q.log.Info("resumed unconfirmed writes from journal", "count", len(entries))
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run drives the worker until ctx is canceled. Call on its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			// Coalesce: give same-session turns a moment to pile up.
			timer := time.NewTimer(q.window)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			q.flushDue(ctx)
		case <-time.After(q.baseDelay):
			// Periodic sweep picks up entries whose retry time arrived.
			q.flushDue(ctx)
		}
	}
}

// Close stops accepting turns and makes one best-effort final flush.
// Never panics; teardown loss is bounded by the journal.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.flushDue(ctx)
}

// flushDue writes out every entry whose retry time has arrived.
func (q *Queue) flushDue(ctx context.Context) {
	now := time.Now()

	q.mu.Lock()
	batches := make(map[int64][]queueEntry)
	for sessionID, entries := range q.pending {
		if sessionID < 0 {
			// Placeholder sessions wait for reconciliation; their ID
			// must never reach the backend.
			continue
		}
		var due, later []queueEntry
		for _, e := range entries {
			if !e.write.NextRetryAt.After(now) {
				due = append(due, e)
			} else {
				later = append(later, e)
			}
		}
		if len(due) > 0 {
			batches[sessionID] = due
			if len(later) > 0 {
				q.pending[sessionID] = later
			} else {
				delete(q.pending, sessionID)
			}
		}
	}
	q.mu.Unlock()

	ids := make([]int64, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, sessionID := range ids {
		q.flushSession(ctx, sessionID, batches[sessionID])
	}
}

// flushSession attempts one coalesced write for a session.
func (q *Queue) flushSession(ctx context.Context, sessionID int64, entries []queueEntry) {
	var err error
	written := 0
	if q.batchSupported && len(entries) > 1 {
		turns := make([]datatypes.ChatTurn, len(entries))
		for i, e := range entries {
			turns[i] = e.write.Turn
		}
		if err = q.backend.AppendBatch(ctx, sessionID, turns); err == nil {
			written = len(entries)
		}
	} else {
		for written < len(entries) {
			if err = q.backend.AppendMessage(ctx, sessionID, entries[written].write.Turn); err != nil {
				break
			}
			written++
		}
	}

	q.confirm(entries[:written])
	if err == nil {
		return
	}

	q.log.Warn("persistence flush failed",
		"sessionId", sessionID,
		"written", written,
		"turns", len(entries),
		"error", err)
	// Only the unwritten tail goes back for retry; requeueing turns the
	// backend already accepted would duplicate them on the next flush.
	q.requeue(entries[written:], err)
}

// confirm settles turns the backend accepted: their journal entries are
// cleared and OnPersisted observes them with Persisted set.
func (q *Queue) confirm(entries []queueEntry) {
	for _, e := range entries {
		if e.key != "" {
			_ = q.journal.Remove(e.key)
		}
		if q.onPersisted != nil {
			turn := e.write.Turn
			turn.Persisted = true
			go q.onPersisted(turn)
		}
	}
}

// requeue pushes failed entries back with backoff, degrading exhausted
// ones.
func (q *Queue) requeue(entries []queueEntry, cause error) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range entries {
		e.write.Attempts++
		if e.write.Attempts >= q.maxAttempts {
			if e.key != "" {
				_ = q.journal.Remove(e.key)
			}
			q.log.Warn("turn abandoned after max persistence attempts",
				"sessionId", e.write.Turn.SessionID,
				"attempts", e.write.Attempts)
			if q.onDegraded != nil {
				go q.onDegraded(e.write.Turn, cause)
			}
			continue
		}

		e.write.NextRetryAt = now.Add(q.retryDelay(e.write.Attempts))
		if e.key != "" {
			_ = q.journal.Update(e.key, e.write)
		}
		q.pending[e.write.Turn.SessionID] = append(q.pending[e.write.Turn.SessionID], e)
	}
}

// retryDelay returns the capped exponential delay for an attempt count.
func (q *Queue) retryDelay(attempts int) time.Duration {
	delay := q.baseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.maxDelay {
			return q.maxDelay
		}
	}
	if delay > q.maxDelay {
		return q.maxDelay
	}
	return delay
}
