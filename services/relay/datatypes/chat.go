// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the relay service.
//
// This file contains request types for the streaming chat endpoint.
// For session and turn types, see session.go. For SSE wire events,
// see stream.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100

	// MaxStopSequences is the maximum number of stop sequences per request.
	MaxStopSequences = 8
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for message content size
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Checks byte length (not rune count) to prevent
// memory exhaustion with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Stream Request Types
// =============================================================================

// Message is a single conversation turn sent by the client.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatStreamRequest represents a streaming chat request body.
//
// # Description
//
// ChatStreamRequest contains the conversation history and model selection
// for the POST /v1/chat/stream endpoint. Every request carries a unique ID
// and timestamp for audit trails and correlation with persisted turns.
//
// # Fields
//
//   - RequestID: Optional. Unique identifier for this request (UUID v4).
//     Generated server-side when absent.
//   - Timestamp: Optional. Unix timestamp in milliseconds (UTC).
//     Populated server-side when absent.
//   - SessionID: Optional. Backend session to append to. Zero means the
//     relay resolves a session itself (reusing an untitled one or creating
//     a new one). Negative values are client-side placeholders and are
//     accepted; the relay re-keys them once the backend assigns a real ID.
//   - NewSession: Optional. Forces creation of a fresh session even when a
//     reusable untitled session exists.
//   - ModelID: Required. Target model in "provider:model" form,
//     e.g. "openai:gpt-4o" or "anthropic:claude-sonnet".
//   - Messages: Required. Conversation history with 1-100 messages.
//     Content is limited to 32KB per message.
//   - MaxTokens: Optional. Upstream completion token cap.
//   - Stop: Optional. Stop sequences forwarded upstream.
//
// # Validation
//
// Uses go-playground/validator:
//   - RequestID: optional, must be valid UUID v4 when present
//   - ModelID: required
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Content: max 32768 bytes (32KB)
//
// # Limitations
//
//   - Message content limited to 32KB (larger payloads rejected)
//   - Maximum 100 messages per request (history truncation may be needed)
//
// # Assumptions
//
//   - Messages are in chronological order
//   - The last message is the turn being answered
type ChatStreamRequest struct {
	RequestID  string    `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp  int64     `json:"timestamp" validate:"gte=0"`
	SessionID  int64     `json:"session_id"`
	NewSession bool      `json:"new_session"`
	ModelID    string    `json:"model_id" validate:"required"`
	Messages   []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	MaxTokens  int       `json:"max_tokens" validate:"gte=0"`
	Stop       []string  `json:"stop,omitempty" validate:"max=8"`
}

// Validate validates the ChatStreamRequest fields.
//
// # Description
//
// Performs validation using go-playground/validator tags and custom
// validators. Call after binding the JSON request.
//
// # Outputs
//
//   - error: Non-nil if validation failed, with details about which field
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates default values for optional fields.
//
// # Description
//
// Generates RequestID and Timestamp if not provided by the client so every
// request has proper identifiers for tracing and auditing.
func (r *ChatStreamRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// =============================================================================
// Token Usage Types
// =============================================================================

// TokenUsage contains token consumption statistics reported by the
// upstream provider on the final chunk of a stream.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
