// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Source Formats
// =============================================================================

// SourceFormat hints which upstream chunk shape to try first.
// FormatAuto probes the payload keys and works for every known upstream.
type SourceFormat string

const (
	FormatAuto       SourceFormat = ""
	FormatOpenAI     SourceFormat = "openai"
	FormatStructured SourceFormat = "structured"
	FormatTyped      SourceFormat = "typed"
	FormatNDJSON     SourceFormat = "ndjson"
)

// doneSentinel terminates OpenAI-compatible SSE streams.
const doneSentinel = "[DONE]"

// =============================================================================
// Normalizer
// =============================================================================

// Normalizer converts raw upstream chunks into canonical Events.
//
// # Description
//
// One Normalizer handles one turn. It recognizes the chunk shapes of every
// supported upstream:
//
//   - OpenAI-compatible: choices[].delta.{content,reasoning,reasoning_content}
//   - Structured blocks: output[].{content,reasoning,thinking,analysis}
//   - Typed events: {"type":"text-delta"|"reasoning-delta"|...}
//   - NDJSON chat lines: {"message":{"content":...},"done":bool}
//   - Inline reasoning tags inside content text: <thinking>, <think>,
//     [THINKING], and the control-token form <|thinking|>
//
// Inline tags may be split across chunk boundaries, so the scanner carries
// partial tag text between Normalize calls; call Flush at end of stream to
// drain it. When an upstream sends structured reasoning fields, inline-tag
// extraction is disabled for the rest of the turn so the same content is
// never counted as both text and reasoning.
//
// Malformed chunks are counted and skipped, never fatal: a broken chunk
// loses at most its own content.
//
// A Finish event is emitted at most once; later finish signals (including
// the [DONE] sentinel after a finish_reason chunk) are absorbed.
//
// # Thread Safety
//
// Not safe for concurrent use. Each turn gets its own Normalizer.
//
// # Limitations
//
//   - Tool call arguments arrive as fragments; callers accumulate them.
type Normalizer struct {
	inThinking     bool
	closer         string
	carry          string
	structuredSeen bool
	finished       bool
	pendingUsage   *datatypes.TokenUsage
	skipped        int
}

// NewNormalizer creates a normalizer for a single turn.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// SkippedChunks returns how many chunks were dropped as malformed.
func (n *Normalizer) SkippedChunks() int {
	return n.skipped
}

// Finished reports whether a Finish event has been emitted.
func (n *Normalizer) Finished() bool {
	return n.finished
}

// Normalize converts one raw chunk payload into zero or more Events.
//
// # Description
//
// The payload is the data portion of one upstream chunk: the text after
// "data: " for SSE upstreams, or one line for NDJSON upstreams. The format
// hint short-circuits shape detection when the caller knows the upstream;
// FormatAuto probes the payload keys.
//
// # Inputs
//
//   - raw: One chunk payload. May be the [DONE] sentinel.
//   - format: Shape hint, or FormatAuto.
//
// # Outputs
//
//   - []Event: Canonical events in upstream order. Nil for empty,
//     malformed, or metadata-only chunks.
func (n *Normalizer) Normalize(raw []byte, format SourceFormat) []Event {
	payload := strings.TrimSpace(string(raw))
	if payload == "" {
		return nil
	}
	if payload == doneSentinel {
		return n.finish("stop", nil)
	}
	if !json.Valid(raw) {
		n.skipped++
		return nil
	}

	// Upstream error chunks share one shape across providers.
	if events, ok := n.tryErrorChunk(raw); ok {
		return events
	}

	switch format {
	case FormatOpenAI:
		return n.parseOpenAI(raw)
	case FormatStructured:
		return n.parseStructured(raw)
	case FormatTyped:
		return n.parseTyped(raw)
	case FormatNDJSON:
		return n.parseNDJSON(raw)
	}

	var probe struct {
		Choices json.RawMessage `json:"choices"`
		Output  json.RawMessage `json:"output"`
		Type    string          `json:"type"`
		Message json.RawMessage `json:"message"`
		Done    *bool           `json:"done"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		n.skipped++
		return nil
	}

	switch {
	case probe.Type != "":
		return n.parseTyped(raw)
	case len(probe.Choices) > 0:
		return n.parseOpenAI(raw)
	case len(probe.Output) > 0:
		return n.parseStructured(raw)
	case len(probe.Message) > 0 || probe.Done != nil:
		return n.parseNDJSON(raw)
	default:
		n.skipped++
		return nil
	}
}

// Flush drains carried partial-tag text at end of stream.
//
// Call once after the last chunk. Text held back because it looked like
// the start of a reasoning tag is emitted as a plain delta of whatever
// mode the scanner was in.
func (n *Normalizer) Flush() []Event {
	if n.carry == "" {
		return nil
	}
	text := n.carry
	n.carry = ""
	if n.inThinking {
		return []Event{reasoningDelta(text)}
	}
	return []Event{textDelta(text)}
}

// =============================================================================
// Shape Parsers
// =============================================================================

// tryErrorChunk handles the {"error":{"message","type"}} shape shared by
// OpenAI-compatible upstreams.
func (n *Normalizer) tryErrorChunk(raw []byte) ([]Event, bool) {
	var chunk struct {
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil || chunk.Error == nil {
		return nil, false
	}

	kind := KindModelUnavailable
	switch {
	case strings.Contains(chunk.Error.Type, "auth"):
		kind = KindAuthExpired
	case strings.Contains(chunk.Error.Type, "rate"):
		kind = KindRateLimited
	}
	return []Event{{
		Kind:    EventError,
		ErrKind: kind,
		Message: chunk.Error.Message,
	}}, true
}

// parseOpenAI handles choices[].delta chunks.
//
// The reasoning field name varies by vendor: reasoning_content is covered
// by the client library's delta type, plain "reasoning" needs a side
// decode.
func (n *Normalizer) parseOpenAI(raw []byte) []Event {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(raw, &chunk); err != nil {
		n.skipped++
		return nil
	}

	var side struct {
		Choices []struct {
			Delta struct {
				Reasoning string `json:"reasoning"`
			} `json:"delta"`
		} `json:"choices"`
	}
	_ = json.Unmarshal(raw, &side)

	var events []Event
	for i, choice := range chunk.Choices {
		reasoning := choice.Delta.ReasoningContent
		if reasoning == "" && i < len(side.Choices) {
			reasoning = side.Choices[i].Delta.Reasoning
		}
		if reasoning != "" {
			n.structuredSeen = true
			events = append(events, reasoningDelta(reasoning))
		}
		if choice.Delta.Content != "" {
			events = append(events, n.scanText(choice.Delta.Content)...)
		}
		for _, tc := range choice.Delta.ToolCalls {
			events = append(events, Event{
				Kind: EventToolCall,
				ToolCall: &datatypes.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				},
			})
		}
		if choice.FinishReason != "" {
			events = append(events, n.finish(string(choice.FinishReason), usageOf(chunk.Usage))...)
		}
	}

	// Usage-only chunks precede [DONE] on some upstreams; hold the
	// numbers for the finish event.
	if len(chunk.Choices) == 0 && chunk.Usage != nil {
		n.pendingUsage = usageOf(chunk.Usage)
	}
	return events
}

// parseStructured handles output-block chunks:
// {"output":[{"type":"reasoning","content":"..."},...]}.
func (n *Normalizer) parseStructured(raw []byte) []Event {
	var chunk struct {
		Output []struct {
			Type      string `json:"type"`
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			Thinking  string `json:"thinking"`
			Analysis  string `json:"analysis"`
		} `json:"output"`
		FinishReason string `json:"finish_reason"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil {
		n.skipped++
		return nil
	}

	var events []Event
	for _, block := range chunk.Output {
		reasoning := block.Reasoning
		if reasoning == "" {
			reasoning = block.Thinking
		}
		if reasoning == "" {
			reasoning = block.Analysis
		}
		if reasoning == "" && block.Type == "reasoning" {
			reasoning = block.Content
		}

		if reasoning != "" {
			n.structuredSeen = true
			events = append(events, reasoningDelta(reasoning))
			continue
		}
		if block.Content != "" {
			events = append(events, n.scanText(block.Content)...)
		}
	}
	if chunk.FinishReason != "" {
		events = append(events, n.finish(chunk.FinishReason, nil)...)
	}
	return events
}

// parseTyped handles self-describing event chunks.
func (n *Normalizer) parseTyped(raw []byte) []Event {
	var chunk struct {
		Type         string          `json:"type"`
		Delta        string          `json:"delta"`
		Text         string          `json:"text"`
		ID           string          `json:"id"`
		Name         string          `json:"name"`
		Arguments    json.RawMessage `json:"arguments"`
		FinishReason string          `json:"finishReason"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil {
		n.skipped++
		return nil
	}

	text := chunk.Delta
	if text == "" {
		text = chunk.Text
	}

	switch chunk.Type {
	case "text-delta", "text_delta":
		return n.scanText(text)
	case "reasoning-delta", "reasoning_delta", "reasoning":
		n.structuredSeen = true
		return []Event{reasoningDelta(text)}
	case "tool-call", "tool_call":
		return []Event{{
			Kind: EventToolCall,
			ToolCall: &datatypes.ToolCall{
				ID:        chunk.ID,
				Name:      chunk.Name,
				Arguments: chunk.Arguments,
			},
		}}
	case "finish", "done":
		reason := chunk.FinishReason
		if reason == "" {
			reason = "stop"
		}
		return n.finish(reason, nil)
	default:
		n.skipped++
		return nil
	}
}

// parseNDJSON handles line-per-chunk chat upstreams:
// {"message":{"content":"..."},"done":false} or {"response":"...","done":true}.
func (n *Normalizer) parseNDJSON(raw []byte) []Event {
	var chunk struct {
		Message *struct {
			Content  string `json:"content"`
			Thinking string `json:"thinking"`
		} `json:"message"`
		Response   string `json:"response"`
		Done       bool   `json:"done"`
		DoneReason string `json:"done_reason"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil {
		n.skipped++
		return nil
	}

	var events []Event
	if chunk.Message != nil {
		if chunk.Message.Thinking != "" {
			n.structuredSeen = true
			events = append(events, reasoningDelta(chunk.Message.Thinking))
		}
		if chunk.Message.Content != "" {
			events = append(events, n.scanText(chunk.Message.Content)...)
		}
	}
	if chunk.Response != "" {
		events = append(events, n.scanText(chunk.Response)...)
	}
	if chunk.Done {
		reason := chunk.DoneReason
		if reason == "" {
			reason = "stop"
		}
		events = append(events, n.finish(reason, nil)...)
	}
	return events
}

// finish emits the terminal event exactly once per turn.
func (n *Normalizer) finish(reason string, usage *datatypes.TokenUsage) []Event {
	if n.finished {
		return nil
	}
	n.finished = true
	if usage == nil {
		usage = n.pendingUsage
	}
	return []Event{{
		Kind:         EventFinish,
		FinishReason: reason,
		Usage:        usage,
	}}
}

// usageOf converts the client library's usage block.
func usageOf(u *openai.Usage) *datatypes.TokenUsage {
	if u == nil {
		return nil
	}
	return &datatypes.TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
}

// =============================================================================
// Inline Tag Scanner
// =============================================================================

// tagPair is one recognized inline reasoning delimiter pair.
type tagPair struct {
	open  string
	close string
}

// Ordered longest-open-first so "<thinking>" wins over "<think>" at the
// same position.
var reasoningTags = []tagPair{
	{open: "<|thinking|>", close: "<|/thinking|>"},
	{open: "[THINKING]", close: "[/THINKING]"},
	{open: "<thinking>", close: "</thinking>"},
	{open: "<think>", close: "</think>"},
}

// scanText splits content text into text and reasoning deltas around
// inline tags. Partial tags at the end of the input are carried to the
// next call.
func (n *Normalizer) scanText(s string) []Event {
	if n.structuredSeen && !n.inThinking {
		// Upstream reports reasoning through structured fields; content
		// text passes through untouched.
		return []Event{textDelta(s)}
	}

	input := n.carry + s
	n.carry = ""

	var events []Event
	emit := func(text string, reasoning bool) {
		if text == "" {
			return
		}
		if reasoning {
			events = append(events, reasoningDelta(text))
		} else {
			events = append(events, textDelta(text))
		}
	}

	for input != "" {
		if n.inThinking {
			idx := strings.Index(input, n.closer)
			if idx >= 0 {
				emit(input[:idx], true)
				input = input[idx+len(n.closer):]
				n.inThinking = false
				n.closer = ""
				continue
			}
			hold := partialTagSuffix(input, []string{n.closer})
			emit(input[:len(input)-len(hold)], true)
			n.carry = hold
			return events
		}

		openIdx, pair := earliestOpener(input)
		if openIdx >= 0 {
			emit(input[:openIdx], false)
			input = input[openIdx+len(pair.open):]
			n.inThinking = true
			n.closer = pair.close
			continue
		}

		openers := make([]string, len(reasoningTags))
		for i, p := range reasoningTags {
			openers[i] = p.open
		}
		hold := partialTagSuffix(input, openers)
		emit(input[:len(input)-len(hold)], false)
		n.carry = hold
		return events
	}
	return events
}

// earliestOpener finds the first opening tag in the input. Longer tags
// win on position ties.
func earliestOpener(s string) (int, tagPair) {
	best := -1
	var bestPair tagPair
	for _, pair := range reasoningTags {
		idx := strings.Index(s, pair.open)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best {
			best = idx
			bestPair = pair
		}
	}
	return best, bestPair
}

// partialTagSuffix returns the longest suffix of s that is a proper
// prefix of any candidate tag. This is the text that must be held back
// because the rest of the tag may arrive in the next chunk.
func partialTagSuffix(s string, tags []string) string {
	maxLen := 0
	for _, tag := range tags {
		if len(tag) > maxLen {
			maxLen = len(tag)
		}
	}
	start := len(s) - maxLen + 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s); i++ {
		suffix := s[i:]
		for _, tag := range tags {
			if len(suffix) < len(tag) && strings.HasPrefix(tag, suffix) {
				return suffix
			}
		}
	}
	return ""
}
