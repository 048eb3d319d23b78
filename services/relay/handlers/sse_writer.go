// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EventWriter defines the contract for delivering stream events to a client.
//
// # Description
//
// EventWriter abstracts event serialization and delivery so the streaming
// handler is independent of the transport. The SSE implementation writes
// the wire format (event: type\ndata: json\n\n); the WebSocket
// implementation writes JSON frames.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: Hash of previous event for chain verification
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Streaming handlers emit events and keepalives from different goroutines.
//
// # Assumptions
//
//   - For SSE, the caller has set headers via SetSSEHeaders before writing
type EventWriter interface {
	// WriteEvent writes a single event to the client.
	//
	// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
	// to JSON, and flushes immediately after writing.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	WriteStatus(message string) error

	// WriteToken writes a token event with the given content.
	WriteToken(content string) error

	// WriteReasoning writes a reasoning event for models that stream
	// their reasoning trace separately from answer tokens.
	WriteReasoning(content string) error

	// WriteToolCall writes a tool_call event with the invocation payload.
	WriteToolCall(tc *datatypes.ToolCall) error

	// WriteError writes an error event with a machine-readable kind and a
	// sanitized message. Internal error details must not reach the client.
	WriteError(kind, errMsg string) error

	// WriteDone writes the terminal done event carrying the resolved
	// session, the upstream finish reason, and token usage when reported.
	//
	// Should only be called once per stream.
	WriteDone(sessionID int64, finishReason string, usage *datatypes.TokenUsage) error

	// WriteKeepAlive sends a transport-level heartbeat. Keepalives are
	// ignored by clients and do not advance the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// SSE Implementation
// =============================================================================

// sseWriter writes stream events in Server-Sent Events format.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher interface for immediate send
//   - prevHash: Hash of the last written event (for chain)
//   - mu: Mutex for thread-safe writes
//
// # Thread Safety
//
// Thread-safe via mutex. Hash chain integrity is maintained across
// concurrent writes.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an EventWriter for the given ResponseWriter.
//
// # Description
//
// Wraps the ResponseWriter for SSE output. The caller must set SSE
// headers via SetSSEHeaders before creating the writer.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - EventWriter: Ready to write SSE events.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteStatus("Connecting to model...")
//	writer.WriteToken("Hello")
//	writer.WriteDone(42, "stop", nil)
func NewSSEWriter(w http.ResponseWriter) (EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// WriteEvent writes a single SSE event to the response.
//
// # Description
//
// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
// to JSON, and writes in SSE format. Flushes immediately after writing.
//
// # Inputs
//
//   - event: StreamEvent to write. Id, CreatedAt, Hash, PrevHash are auto-set.
//
// # Outputs
//
//   - error: Non-nil if JSON marshaling or writing failed.
//
// # Assumptions
//
//   - Connection is still open
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Populate metadata
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	// Compute hash of event content (before setting Hash field)
	event.Hash = computeEventHash(event)

	// Update chain for next event
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteStatus writes a status event with the given message.
func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventStatus).WithMessage(message))
}

// WriteToken writes a token event with the given content.
func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventToken).WithContent(content))
}

// WriteReasoning writes a reasoning event with the given content.
func (w *sseWriter) WriteReasoning(content string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventReasoning).WithContent(content))
}

// WriteToolCall writes a tool_call event.
func (w *sseWriter) WriteToolCall(tc *datatypes.ToolCall) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventToolCall).WithToolCall(tc))
}

// WriteError writes an error event.
//
// # Description
//
// Writes an error event to inform the client of a failure. Error messages
// must be sanitized before passing to this method; internal details
// (upstream URLs, credentials, stack traces) must never reach the client.
//
// # Inputs
//
//   - kind: Machine-readable error category (e.g. "rate_limited").
//   - errMsg: Sanitized error message for client display.
//
// # Assumptions
//
//   - Stream will be closed after this event.
func (w *sseWriter) WriteError(kind, errMsg string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventError).WithError(kind, errMsg))
}

// WriteDone writes the terminal done event.
//
// # Description
//
// Writes the final event indicating stream completion. Carries the
// resolved session ID so the client can continue the conversation, the
// upstream finish reason, and token usage when the provider reported it.
//
// # Limitations
//
//   - Should only be called once per stream.
func (w *sseWriter) WriteDone(sessionID int64, finishReason string, usage *datatypes.TokenUsage) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventDone).
		WithSessionId(sessionID).
		WithFinishReason(finishReason).
		WithUsage(usage))
}

// WriteKeepAlive sends a comment line to keep the connection alive.
//
// # Description
//
// Writes an SSE comment (": ping\n\n") to keep the TCP connection active
// during long operations. Comments are ignored by SSE clients but reset
// load balancer timeout counters.
//
// # Limitations
//
//   - Does not update the hash chain.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// computeEventHash computes the chain hash for an outgoing event.
// Shared by the SSE and WebSocket writers so both transports produce
// identical chains for identical event sequences; the formula lives in
// datatypes so clients can verify received chains against it.
func computeEventHash(event datatypes.StreamEvent) string {
	return datatypes.ChainHash(event)
}

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ EventWriter = (*sseWriter)(nil)
