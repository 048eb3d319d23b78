// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security-relevant event for compliance logging.
//
// # Event Categories
//
// Events are categorized by type for filtering and alerting:
//   - Authentication: "auth.refresh", "auth.failed"
//   - Chat: "chat.stream", "chat.blocked"
//   - Session: "session.created", "session.reconciled"
//   - Persistence: "persistence.degraded"
//
// # Compliance Fields
//
// For regulatory compliance, always populate:
//   - UserID: Required for GDPR right-to-know requests
//   - Timestamp: Required for audit trail integrity
//   - ResourceType/ResourceID: Required for data lineage
type AuditEvent struct {
	// EventType categorizes the event for filtering and alerting.
	// Format: "category.action" (e.g., "chat.stream", "auth.refresh")
	EventType string

	// Timestamp is when the event occurred (always use UTC).
	// If zero, implementations should set to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// Use "system" for automated actions, "anonymous" if unknown.
	UserID string

	// Action describes what operation was attempted.
	// Common values: "send", "refresh", "create", "flush"
	Action string

	// ResourceType is the category of resource involved.
	// Examples: "chat", "session", "credential"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string

	// Outcome indicates the result of the action.
	// Values: "success", "failed", "blocked", "degraded"
	Outcome string

	// Metadata holds additional event-specific data.
	//
	// Common metadata keys:
	//   - "request_id": turn request identifier
	//   - "session_id": conversation session
	//   - "model": model the turn ran against
	//   - "error": error message for non-success outcomes
	Metadata map[string]any
}

// AuditLogger records security-relevant events.
//
// Implementations must be safe for concurrent use and must never block
// the streaming path; slow sinks should buffer internally.
//
// # Open Source Behavior
//
// The default SlogAuditLogger writes events to the structured log.
// Enterprise implementations ship events to SIEM or compliance stores.
type AuditLogger interface {
	// Log records one audit event. Failures must not propagate to the
	// request path; return the error for the caller to log and drop.
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards all events. Useful in tests.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

// SlogAuditLogger writes audit events to the structured log.
//
// Thread-safe: slog handlers serialize internally.
type SlogAuditLogger struct {
	log *slog.Logger
}

// NewSlogAuditLogger creates a logger-backed audit sink.
// A nil logger falls back to slog.Default().
func NewSlogAuditLogger(log *slog.Logger) *SlogAuditLogger {
	if log == nil {
		log = slog.Default()
	}
	return &SlogAuditLogger{log: log}
}

// Log emits the event at INFO with a stable attribute layout.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.log.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
		slog.Any("metadata", event.Metadata),
	)
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
