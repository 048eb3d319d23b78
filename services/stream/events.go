// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream turns heterogeneous upstream model streams into one
// canonical event sequence and drives the per-turn recovery state machine.
package stream

import (
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Canonical Event Types
// =============================================================================

// EventKind identifies a canonical stream event.
type EventKind string

const (
	// EventTextDelta is an incremental piece of assistant-visible text.
	EventTextDelta EventKind = "text-delta"

	// EventReasoningDelta is an incremental piece of model reasoning,
	// rendered separately from assistant text.
	EventReasoningDelta EventKind = "reasoning-delta"

	// EventToolCall is a tool invocation fragment requested by the model.
	EventToolCall EventKind = "tool-call"

	// EventFinish terminates the turn. Emitted at most once per stream.
	EventFinish EventKind = "finish"

	// EventError reports an upstream error chunk.
	EventError EventKind = "error"
)

// Event is one canonical stream event produced by the normalizer.
//
// # Description
//
// Event is a tagged variant: Kind selects which payload fields are
// meaningful. Text carries the delta for text-delta and reasoning-delta
// events. FinishReason and Usage are set on finish events when the
// upstream reported them. ErrKind and Message are set on error events.
//
// Events for one turn form a strict sequence; order is the order the
// upstream produced the content.
type Event struct {
	Kind         EventKind
	Text         string
	ToolCall     *datatypes.ToolCall
	FinishReason string
	Usage        *datatypes.TokenUsage
	ErrKind      ErrorKind
	Message      string
}

// textDelta builds a text-delta event.
func textDelta(s string) Event {
	return Event{Kind: EventTextDelta, Text: s}
}

// reasoningDelta builds a reasoning-delta event.
func reasoningDelta(s string) Event {
	return Event{Kind: EventReasoningDelta, Text: s}
}
