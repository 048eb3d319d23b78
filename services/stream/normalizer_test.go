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
	"strings"
	"testing"
)

// normalizeAll feeds every chunk through one normalizer and flushes.
func normalizeAll(t *testing.T, chunks []string) []Event {
	t.Helper()
	n := NewNormalizer()
	var events []Event
	for _, chunk := range chunks {
		events = append(events, n.Normalize([]byte(chunk), FormatAuto)...)
	}
	events = append(events, n.Flush()...)
	return events
}

// collect concatenates deltas by kind for assertion convenience.
func collect(events []Event) (text, reasoning string) {
	var tb, rb strings.Builder
	for _, e := range events {
		switch e.Kind {
		case EventTextDelta:
			tb.WriteString(e.Text)
		case EventReasoningDelta:
			rb.WriteString(e.Text)
		}
	}
	return tb.String(), rb.String()
}

func TestNormalize_OpenAIDelta_Content(t *testing.T) {
	t.Parallel()

	events := normalizeAll(t, []string{
		`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	})

	text, reasoning := collect(events)
	if text != "Hello" {
		t.Errorf("expected text %q, got %q", "Hello", text)
	}
	if reasoning != "" {
		t.Errorf("expected no reasoning, got %q", reasoning)
	}

	last := events[len(events)-1]
	if last.Kind != EventFinish || last.FinishReason != "stop" {
		t.Errorf("expected terminal finish(stop), got %+v", last)
	}
}

func TestNormalize_FinishEmittedExactlyOnce(t *testing.T) {
	t.Parallel()

	// finish_reason chunk followed by [DONE] must not produce two
	// terminal events.
	events := normalizeAll(t, []string{
		`{"choices":[{"delta":{"content":"hi"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	})

	finishes := 0
	for _, e := range events {
		if e.Kind == EventFinish {
			finishes++
		}
	}
	if finishes != 1 {
		t.Errorf("expected exactly 1 finish event, got %d", finishes)
	}
}

func TestNormalize_OpenAIReasoningContent(t *testing.T) {
	t.Parallel()

	events := normalizeAll(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"step one. "}}]}`,
		`{"choices":[{"delta":{"reasoning":"step two."}}]}`,
		`{"choices":[{"delta":{"content":"Answer."},"finish_reason":"stop"}]}`,
	})

	text, reasoning := collect(events)
	if reasoning != "step one. step two." {
		t.Errorf("unexpected reasoning %q", reasoning)
	}
	if text != "Answer." {
		t.Errorf("unexpected text %q", text)
	}
}

func TestNormalize_StructuredFieldsDisableInlineTags(t *testing.T) {
	t.Parallel()

	// Once reasoning arrives structured, tag-looking content must pass
	// through verbatim rather than being extracted a second time.
	events := normalizeAll(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"thinking here"}}]}`,
		`{"choices":[{"delta":{"content":"<thinking>not reasoning</thinking>"}}]}`,
	})

	text, reasoning := collect(events)
	if reasoning != "thinking here" {
		t.Errorf("unexpected reasoning %q", reasoning)
	}
	if text != "<thinking>not reasoning</thinking>" {
		t.Errorf("content should pass through untouched, got %q", text)
	}
}

func TestNormalize_InlineThinkingTags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		open  string
		close string
	}{
		{"AngleBrackets", "<thinking>", "</thinking>"},
		{"ShortForm", "<think>", "</think>"},
		{"SquareBrackets", "[THINKING]", "[/THINKING]"},
		{"ControlTokens", "<|thinking|>", "<|/thinking|>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			chunk := `{"choices":[{"delta":{"content":"before ` +
				tt.open + `hidden` + tt.close + ` after"}}]}`
			events := normalizeAll(t, []string{chunk})

			text, reasoning := collect(events)
			if text != "before  after" {
				t.Errorf("unexpected text %q", text)
			}
			if reasoning != "hidden" {
				t.Errorf("unexpected reasoning %q", reasoning)
			}
		})
	}
}

func TestNormalize_TagSplitAcrossChunks(t *testing.T) {
	t.Parallel()

	// The opening and closing tags both straddle chunk boundaries.
	events := normalizeAll(t, []string{
		`{"choices":[{"delta":{"content":"A<thin"}}]}`,
		`{"choices":[{"delta":{"content":"king>deep"}}]}`,
		`{"choices":[{"delta":{"content":" thought</thi"}}]}`,
		`{"choices":[{"delta":{"content":"nking>B"}}]}`,
	})

	text, reasoning := collect(events)
	if text != "AB" {
		t.Errorf("expected text %q, got %q", "AB", text)
	}
	if reasoning != "deep thought" {
		t.Errorf("expected reasoning %q, got %q", "deep thought", reasoning)
	}
}

func TestNormalize_OrderPreservedAcrossModeSwitch(t *testing.T) {
	t.Parallel()

	events := normalizeAll(t, []string{
		`{"choices":[{"delta":{"content":"one <think>two</think> three"}}]}`,
	})

	var got []string
	for _, e := range events {
		got = append(got, string(e.Kind)+":"+e.Text)
	}
	want := []string{"text-delta:one ", "reasoning-delta:two", "text-delta: three"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestNormalize_TextBeforeHeldPartialTagEmittedImmediately(t *testing.T) {
	t.Parallel()

	// The chunk's text must come back from the same Normalize call that
	// starts holding the trailing partial tag, not wait for the next one.
	n := NewNormalizer()
	events := n.Normalize([]byte(`{"choices":[{"delta":{"content":"hello <thin"}}]}`), FormatAuto)

	text, _ := collect(events)
	if text != "hello " {
		t.Errorf("text ahead of a held partial tag = %q, want %q", text, "hello ")
	}

	// Same inside a reasoning span with a straddled closer.
	n2 := NewNormalizer()
	_ = n2.Normalize([]byte(`{"choices":[{"delta":{"content":"<think>deep"}}]}`), FormatAuto)
	events = n2.Normalize([]byte(`{"choices":[{"delta":{"content":" thought</thi"}}]}`), FormatAuto)

	_, reasoning := collect(events)
	if reasoning != " thought" {
		t.Errorf("reasoning ahead of a held partial closer = %q, want %q", reasoning, " thought")
	}
}

func TestNormalize_FlushDrainsPartialTag(t *testing.T) {
	t.Parallel()

	// Stream ends mid-tag; the held text must not be lost.
	events := normalizeAll(t, []string{
		`{"choices":[{"delta":{"content":"tail<thin"}}]}`,
	})

	text, _ := collect(events)
	if text != "tail<thin" {
		t.Errorf("flush should emit held text, got %q", text)
	}
}

func TestNormalize_MalformedChunksAreSkipped(t *testing.T) {
	t.Parallel()

	n := NewNormalizer()
	var events []Event
	for _, chunk := range []string{
		`{"choices":[{"delta":{"content":"keep"}}]}`,
		`{not json`,
		`{"unknown_shape":true}`,
		`{"choices":[{"delta":{"content":" going"}}]}`,
	} {
		events = append(events, n.Normalize([]byte(chunk), FormatAuto)...)
	}

	text, _ := collect(events)
	if text != "keep going" {
		t.Errorf("surrounding chunks must survive, got %q", text)
	}
	if n.SkippedChunks() != 2 {
		t.Errorf("expected 2 skipped chunks, got %d", n.SkippedChunks())
	}
}

func TestNormalize_TypedEvents(t *testing.T) {
	t.Parallel()

	events := normalizeAll(t, []string{
		`{"type":"reasoning-delta","delta":"hmm "}`,
		`{"type":"text-delta","delta":"hello"}`,
		`{"type":"tool-call","id":"call_1","name":"search","arguments":{"q":"go"}}`,
		`{"type":"finish","finishReason":"tool_calls"}`,
	})

	text, reasoning := collect(events)
	if text != "hello" || reasoning != "hmm " {
		t.Errorf("unexpected deltas: text=%q reasoning=%q", text, reasoning)
	}

	var sawTool, sawFinish bool
	for _, e := range events {
		if e.Kind == EventToolCall {
			sawTool = true
			if e.ToolCall.Name != "search" || e.ToolCall.ID != "call_1" {
				t.Errorf("unexpected tool call %+v", e.ToolCall)
			}
		}
		if e.Kind == EventFinish {
			sawFinish = true
			if e.FinishReason != "tool_calls" {
				t.Errorf("unexpected finish reason %q", e.FinishReason)
			}
		}
	}
	if !sawTool || !sawFinish {
		t.Error("expected tool-call and finish events")
	}
}

func TestNormalize_StructuredOutputBlocks(t *testing.T) {
	t.Parallel()

	events := normalizeAll(t, []string{
		`{"output":[{"type":"reasoning","content":"let me see"},{"type":"text","content":"Sure."}]}`,
		`{"output":[],"finish_reason":"stop"}`,
	})

	text, reasoning := collect(events)
	if reasoning != "let me see" {
		t.Errorf("unexpected reasoning %q", reasoning)
	}
	if text != "Sure." {
		t.Errorf("unexpected text %q", text)
	}
}

func TestNormalize_NDJSONChat(t *testing.T) {
	t.Parallel()

	events := normalizeAll(t, []string{
		`{"message":{"content":"Hi"},"done":false}`,
		`{"message":{"content":" there"},"done":false}`,
		`{"message":{"content":""},"done":true,"done_reason":"stop"}`,
	})

	text, _ := collect(events)
	if text != "Hi there" {
		t.Errorf("unexpected text %q", text)
	}
	last := events[len(events)-1]
	if last.Kind != EventFinish || last.FinishReason != "stop" {
		t.Errorf("expected finish(stop), got %+v", last)
	}
}

func TestNormalize_ErrorChunk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		chunk    string
		wantKind ErrorKind
	}{
		{"RateLimit", `{"error":{"message":"slow down","type":"rate_limit_error"}}`, KindRateLimited},
		{"Auth", `{"error":{"message":"bad key","type":"authentication_error"}}`, KindAuthExpired},
		{"Server", `{"error":{"message":"boom","type":"server_error"}}`, KindModelUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			events := normalizeAll(t, []string{tt.chunk})
			if len(events) != 1 || events[0].Kind != EventError {
				t.Fatalf("expected one error event, got %v", events)
			}
			if events[0].ErrKind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, events[0].ErrKind)
			}
		})
	}
}

func TestNormalize_UsageOnFinalChunk(t *testing.T) {
	t.Parallel()

	events := normalizeAll(t, []string{
		`{"choices":[{"delta":{"content":"x"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34}}`,
		`[DONE]`,
	})

	last := events[len(events)-1]
	if last.Kind != EventFinish {
		t.Fatalf("expected terminal finish, got %+v", last)
	}
	if last.Usage == nil || last.Usage.InputTokens != 12 || last.Usage.OutputTokens != 34 {
		t.Errorf("usage from the final chunk should ride the finish event, got %+v", last.Usage)
	}
}
