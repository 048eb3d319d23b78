// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Session Types
// =============================================================================

// ConversationSession is a chat session tracked by the conversation backend.
//
// # Description
//
// Sessions group turns for one owner. A session created while the backend
// is unreachable gets a negative placeholder ID and LocalOnly=true; the
// reconciler later swaps the placeholder for the real backend ID.
//
// # Fields
//
//   - ID: Backend identifier. Negative values are client-side placeholders
//     and must never be sent upstream.
//   - OwnerID: Stable identifier of the owning user.
//   - Title: Human-readable title. Empty for untitled sessions, which are
//     candidates for reuse by subsequent turns.
//   - ModelID: Model the session was started with ("provider:model").
//   - LocalOnly: True while the session exists only on this relay.
type ConversationSession struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title,omitempty"`
	ModelID   string    `json:"model_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LocalOnly bool      `json:"local_only,omitempty"`
}

// IsPlaceholder reports whether the session carries a client-side
// placeholder ID that has not been reconciled with the backend yet.
func (s *ConversationSession) IsPlaceholder() bool {
	return s.ID < 0
}

// =============================================================================
// Turn Types
// =============================================================================

// ToolCall is a tool invocation requested by the model during a turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ChatTurn is a single message within a session.
//
// # Description
//
// Turns are immutable once persisted. Persisted=false marks a turn whose
// write to the conversation backend has not been confirmed; such turns
// live in the persistence journal until confirmed or abandoned.
type ChatTurn struct {
	SessionID int64      `json:"session_id"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Persisted bool       `json:"persisted"`
}

// PendingWrite is a journaled turn awaiting confirmation from the
// conversation backend.
type PendingWrite struct {
	Turn        ChatTurn  `json:"turn"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
}
