// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the relay's client-facing streaming
// endpoints. The SSE handler and the WebSocket handler share one event
// vocabulary (datatypes.StreamEvent) and one writer contract
// (EventWriter), so both transports deliver identical hash-chained
// event sequences for identical turns.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/stream"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamingChatHandler defines the contract for the streaming chat endpoint.
//
// # Description
//
// StreamingChatHandler abstracts the chat streaming endpoint, enabling
// different implementations and facilitating testing via mocks.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// HTTP handlers are called concurrently by the Gin framework.
//
// # Assumptions
//
//   - All dependencies are properly initialized before handler use
//   - Gin context is valid and not nil
type StreamingChatHandler interface {
	// HandleChatStream processes streaming chat requests over SSE.
	//
	// # Description
	//
	// Handles POST /v1/chat/stream requests. Runs the turn through the
	// stream coordinator and forwards canonical events to the client as
	// they arrive.
	//
	// # Outputs
	//
	// SSE stream with events:
	//   - status: Turn lifecycle updates (session resolved, retrying)
	//   - token: Generated answer text
	//   - reasoning: Model reasoning trace (when the model streams one)
	//   - tool_call: Tool invocations requested by the model
	//   - done: Stream completion with session ID, finish reason, usage
	//   - error: Error events (if failure occurs)
	//
	// # Assumptions
	//
	//   - Client supports SSE
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// streamingChatHandler implements StreamingChatHandler for production use.
//
// # Description
//
// streamingChatHandler coordinates between the HTTP layer and the turn
// state machine. HTTP concerns (parsing, validation, SSE mechanics,
// heartbeats) live here; retry, refresh, and fallback decisions live in
// the stream coordinator.
//
// # Fields
//
//   - coordinator: Turn state machine. Drives the upstream stream.
//   - tracer: OpenTelemetry tracer for distributed tracing.
//   - opts: Extension options (auth, audit).
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
// No shared mutable state between requests.
type streamingChatHandler struct {
	coordinator *stream.Coordinator
	tracer      trace.Tracer
	opts        extensions.ServiceOptions
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamingChatHandler creates a StreamingChatHandler with the provided
// dependencies.
//
// # Inputs
//
//   - coordinator: Turn coordinator. Must not be nil.
//   - opts: Extension options (auth, audit).
//
// # Outputs
//
//   - StreamingChatHandler: Ready for use with Gin router
//
// # Examples
//
//	handler := handlers.NewStreamingChatHandler(coordinator, opts)
//	router.POST("/v1/chat/stream", handler.HandleChatStream)
//
// # Limitations
//
//   - Panics on nil coordinator (programming error)
func NewStreamingChatHandler(coordinator *stream.Coordinator, opts extensions.ServiceOptions) StreamingChatHandler {
	if coordinator == nil {
		panic("NewStreamingChatHandler: coordinator must not be nil")
	}

	return &streamingChatHandler{
		coordinator: coordinator,
		tracer:      otel.Tracer("aleutian.relay.handlers.chat_streaming"),
		opts:        opts,
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes streaming chat requests over SSE.
//
// # Description
//
// Handles POST /v1/chat/stream requests. The flow is:
//  1. Parse and validate request body
//  2. Set SSE headers and create writer
//  3. Emit status event
//  4. Start heartbeat goroutine to prevent connection timeouts
//  5. Run the turn through the coordinator, forwarding events
//  6. Emit done event (or error event on failure)
//
// Recovery (credential refresh, rate-limit backoff, breaker fallback) is
// entirely inside the coordinator; from the client's point of view the
// stream pauses and resumes without duplicated text.
//
// # Inputs
//
//   - c: Gin context containing the HTTP request
//
// Request Body (datatypes.ChatStreamRequest):
//   - model_id: Required. Target model as "provider:model".
//   - messages: Required. Conversation history (1-100 messages).
//   - session_id / new_session: Optional session selection.
//   - max_tokens, stop: Optional generation bounds.
//
// # Outputs
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid request body or validation failure
//   - 500 Internal Server Error: SSE setup failure
//
// Once streaming has started, failures are sent as error events, never
// as HTTP errors.
//
// # Examples
//
// Request:
//
//	POST /v1/chat/stream
//	Accept: text/event-stream
//	{"model_id": "openai:gpt-4o", "messages": [{"role": "user", "content": "Hello"}]}
//
// Response (SSE stream):
//
//	event: status
//	data: {"type":"status","message":"Connecting to model...","id":"...","created_at":...}
//
//	event: token
//	data: {"type":"token","content":"Hello","id":"...","created_at":...}
//
//	event: done
//	data: {"type":"done","session_id":42,"finish_reason":"stop","id":"...","created_at":...}
//
// # Limitations
//
//   - Errors during streaming are sent as events, not HTTP errors
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointSSE

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	// Track active stream (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	state := string(stream.StateFailed)
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTurn(endpoint, state, time.Since(startTime).Seconds())
		}
	}()

	// Auth middleware has already validated the token and stored AuthInfo
	authInfo := middleware.GetAuthInfo(c)
	userID := "anonymous"
	if authInfo != nil {
		userID = authInfo.UserID
	}
	span.SetAttributes(attribute.String("user.id", userID))

	// Step 1: Parse request body
	var req datatypes.ChatStreamRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse streaming chat request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, "validation")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults()

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.model_id", req.ModelID),
		attribute.Int("request.message_count", len(req.Messages)),
	)

	// Step 2: Validate request
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Streaming request validation failed",
			"error", err,
			"requestId", req.RequestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, "validation")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	// Step 3: Set SSE headers and create writer
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer",
			"error", err,
			"requestId", req.RequestID,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	// Step 4: Emit status event
	if err := writer.WriteStatus("Connecting to model..."); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write status event",
			"error", err,
			"requestId", req.RequestID,
		)
		return
	}

	// Step 5: Start heartbeat goroutine to prevent connection timeouts
	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	// Step 6: Run the turn, forwarding events to the client
	result := h.runTurn(ctx, &req, userID, writer, startTime, endpoint)

	// Stop heartbeat
	close(heartbeatDone)

	state = string(result.State)
	span.SetAttributes(
		attribute.String("turn.state", state),
		attribute.String("turn.model_id", result.ModelID),
		attribute.Bool("turn.fell_back", result.FellBack),
	)

	// Step 7: Emit terminal event and record the outcome
	h.finishStream(ctx, &req, result, userID, writer, endpoint, startTime, span)
}

// runTurn executes the turn through the coordinator, mapping canonical
// stream events to wire events as they arrive.
//
// A write failure means the client went away; the stream context is
// canceled so the coordinator closes the upstream connection promptly.
func (h *streamingChatHandler) runTurn(
	ctx context.Context,
	req *datatypes.ChatStreamRequest,
	userID string,
	writer EventWriter,
	startTime time.Time,
	endpoint observability.Endpoint,
) stream.TurnResult {
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	firstTokenSeen := false
	onEvent := func(ev stream.Event) {
		var writeErr error
		switch ev.Kind {
		case stream.EventTextDelta:
			if !firstTokenSeen {
				firstTokenSeen = true
				if m := observability.DefaultMetrics; m != nil {
					m.RecordTimeToFirstToken(endpoint, time.Since(startTime).Seconds())
				}
			}
			writeErr = writer.WriteToken(ev.Text)
		case stream.EventReasoningDelta:
			writeErr = writer.WriteReasoning(ev.Text)
		case stream.EventToolCall:
			writeErr = writer.WriteToolCall(ev.ToolCall)
		case stream.EventFinish, stream.EventError:
			// Terminal events are delivered by finishStream from the
			// turn result, which carries session and usage data the
			// coordinator assembles after the stream ends.
		}
		if writeErr != nil {
			slog.Debug("Client write failed, canceling stream",
				"error", writeErr,
				"requestId", req.RequestID,
			)
			cancelStream()
		}
	}

	turnReq := stream.TurnRequest{
		RequestID:  req.RequestID,
		OwnerID:    userID,
		NewSession: req.NewSession,
		ModelID:    req.ModelID,
		Messages:   req.Messages,
		MaxTokens:  req.MaxTokens,
		Stop:       req.Stop,
		OnSession: func(session datatypes.ConversationSession) {
			_ = writer.WriteEvent(datatypes.NewStreamEvent(datatypes.EventStatus).
				WithMessage("Session ready").
				WithSessionId(session.ID))
		},
	}

	return h.coordinator.Run(streamCtx, turnReq, onEvent)
}

// finishStream emits the terminal wire event for the turn and records
// metrics and audit entries for the outcome.
func (h *streamingChatHandler) finishStream(
	ctx context.Context,
	req *datatypes.ChatStreamRequest,
	result stream.TurnResult,
	userID string,
	writer EventWriter,
	endpoint observability.Endpoint,
	startTime time.Time,
	span trace.Span,
) {
	m := observability.DefaultMetrics

	if result.FellBack && m != nil {
		m.RecordFallback(result.ModelID)
	}

	switch result.State {
	case stream.StateCompleted:
		if result.Usage != nil && m != nil {
			m.RecordTokens(result.Usage.InputTokens, result.Usage.OutputTokens, result.ModelID)
		}
		if err := writer.WriteDone(result.Session.ID, result.FinishReason, result.Usage); err != nil {
			span.RecordError(err)
			slog.Error("Failed to write done event",
				"error", err,
				"requestId", req.RequestID,
			)
			return
		}
		h.auditTurn(ctx, req, result, userID, "success", time.Since(startTime))
		span.SetStatus(codes.Ok, "stream completed")

	case stream.StateCanceled:
		// Client disconnect. Nothing left to write; partial content has
		// already been handed to the persistence queue.
		if m != nil {
			m.RecordClientDisconnect(endpoint)
		}
		h.auditTurn(ctx, req, result, userID, "canceled", time.Since(startTime))
		span.SetStatus(codes.Ok, "stream canceled by client")

	default:
		kind := stream.KindOf(result.Err)
		if m != nil {
			m.RecordError(endpoint, string(kind))
		}
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "turn failed")
		slog.Error("Streaming turn failed",
			"error", result.Err,
			"requestId", req.RequestID,
			"state", result.State,
		)
		if err := writer.WriteError(string(kind), clientErrorMessage(kind)); err != nil {
			slog.Error("Failed to write error event",
				"error", err,
				"requestId", req.RequestID,
			)
		}
		h.auditTurn(ctx, req, result, userID, "failed", time.Since(startTime))
	}
}

// auditTurn records the turn outcome with the configured audit sink.
func (h *streamingChatHandler) auditTurn(
	ctx context.Context,
	req *datatypes.ChatStreamRequest,
	result stream.TurnResult,
	userID string,
	outcome string,
	elapsed time.Duration,
) {
	metadata := map[string]any{
		"request_id":    req.RequestID,
		"session_id":    fmt.Sprintf("%d", result.Session.ID),
		"model":         result.ModelID,
		"processing_ms": fmt.Sprintf("%d", elapsed.Milliseconds()),
	}
	if result.Err != nil {
		metadata["error"] = result.Err.Error()
	}

	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.stream",
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "send",
		ResourceType: "chat",
		ResourceID:   "stream",
		Outcome:      outcome,
		Metadata:     metadata,
	})
}

// =============================================================================
// Helper Functions
// =============================================================================

// runHeartbeat sends periodic keepalives until the stream ends.
//
// # Description
//
// Writes a transport-level keepalive every heartbeatInterval so load
// balancers don't kill the connection between tokens. Stops when the
// request context is canceled, the done channel closes, or a write
// fails (client gone).
func runHeartbeat(ctx context.Context, writer EventWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("Heartbeat write failed, stopping", "error", err)
				}
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// clientErrorMessage maps an error kind to a sanitized client-facing
// message. Internal details (upstream URLs, credential state, stack
// traces) must never reach the client.
func clientErrorMessage(kind stream.ErrorKind) string {
	switch kind {
	case stream.KindAuthExpired:
		return "Authentication with the model gateway failed"
	case stream.KindRateLimited:
		return "The model is receiving too many requests, please retry shortly"
	case stream.KindModelUnavailable:
		return "The model is currently unavailable"
	case stream.KindParseError:
		return "The model returned an unreadable response"
	case stream.KindPersistenceFailure:
		return "The conversation could not be saved"
	default:
		return "An unexpected error occurred"
	}
}
