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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// =============================================================================
// SSE Wire Event Types
// =============================================================================

// Stream event types emitted to clients.
const (
	EventStatus    = "status"
	EventToken     = "token"
	EventReasoning = "reasoning"
	EventToolCall  = "tool_call"
	EventDone      = "done"
	EventError     = "error"
)

// StreamEvent is a single event on the client-facing stream (SSE or
// WebSocket).
//
// # Description
//
// StreamEvent is the wire representation of one canonical stream event.
// Metadata fields (Id, CreatedAt, Hash, PrevHash) are populated by the
// writer at emit time; callers only set the content fields.
//
// The hash chain links each event to its predecessor so clients can detect
// dropped or reordered events after a reconnect.
//
// # Fields
//
//   - Id: UUID v4 assigned at write time.
//   - Type: One of the Event* constants.
//   - CreatedAt: Unix timestamp in milliseconds, assigned at write time.
//   - Content: Token or reasoning text for token/reasoning events.
//   - Message: Human-readable text for status events.
//   - Error: Sanitized error description for error events.
//   - ErrorKind: Machine-readable error category for error events.
//   - SessionId: Resolved session, present on done events (and on status
//     events emitted after session resolution).
//   - FinishReason: Upstream finish reason, present on done events.
//   - ToolCall: Tool invocation payload for tool_call events.
//   - Usage: Token accounting, present on done events when the provider
//     reported it.
type StreamEvent struct {
	Id           string      `json:"id,omitempty"`
	Type         string      `json:"type"`
	CreatedAt    int64       `json:"created_at,omitempty"`
	Content      string      `json:"content,omitempty"`
	Message      string      `json:"message,omitempty"`
	Error        string      `json:"error,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	SessionId    int64       `json:"session_id,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	ToolCall     *ToolCall   `json:"tool_call,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	Hash         string      `json:"hash,omitempty"`
	PrevHash     string      `json:"prev_hash,omitempty"`
}

// NewStreamEvent creates a StreamEvent with the given type.
// Chain With* builders to populate content fields.
func NewStreamEvent(eventType string) StreamEvent {
	return StreamEvent{Type: eventType}
}

// WithContent sets the token or reasoning text.
func (e StreamEvent) WithContent(content string) StreamEvent {
	e.Content = content
	return e
}

// WithMessage sets the status message.
func (e StreamEvent) WithMessage(message string) StreamEvent {
	e.Message = message
	return e
}

// WithError sets the sanitized error text and category.
func (e StreamEvent) WithError(kind, errMsg string) StreamEvent {
	e.ErrorKind = kind
	e.Error = errMsg
	return e
}

// WithSessionId sets the resolved session identifier.
func (e StreamEvent) WithSessionId(id int64) StreamEvent {
	e.SessionId = id
	return e
}

// WithFinishReason sets the upstream finish reason.
func (e StreamEvent) WithFinishReason(reason string) StreamEvent {
	e.FinishReason = reason
	return e
}

// WithToolCall sets the tool invocation payload.
func (e StreamEvent) WithToolCall(tc *ToolCall) StreamEvent {
	e.ToolCall = tc
	return e
}

// WithUsage sets the token accounting payload.
func (e StreamEvent) WithUsage(u *TokenUsage) StreamEvent {
	e.Usage = u
	return e
}

// ChainHash computes the SHA-256 hash that links a stream event into
// the integrity chain.
//
// # Description
//
// Hashes the metadata and content fields in a fixed order:
// Id, Type, CreatedAt, PrevHash, Content, Message, Error, SessionId,
// FinishReason, and the JSON-serialized tool call. The Hash field
// itself is excluded. Writers call this at emit time; clients call it
// to verify a received chain, so both sides must agree on the input
// layout.
//
// # Inputs
//
//   - event: Event to hash. The Hash field is ignored.
//
// # Outputs
//
//   - string: Hex-encoded SHA-256 digest.
func ChainHash(event StreamEvent) string {
	toolCallJSON := ""
	if event.ToolCall != nil {
		if data, err := json.Marshal(event.ToolCall); err == nil {
			toolCallJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%d|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.SessionId,
		event.FinishReason,
		toolCallJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}
