// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
)

// newStreamServer serves /v1/chat/stream through the relay's real SSE
// writer, so tests exercise the same wire format and hash chain that
// production emits.
func newStreamServer(t *testing.T, emit func(w handlers.EventWriter)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/stream" {
			http.NotFound(w, r)
			return
		}
		handlers.SetSSEHeaders(w)
		writer, err := handlers.NewSSEWriter(w)
		if err != nil {
			t.Errorf("NewSSEWriter: %v", err)
			return
		}
		emit(writer)
	}))
}

func testRequest() datatypes.ChatStreamRequest {
	return datatypes.ChatStreamRequest{
		ModelID:  "llama3",
		Messages: []datatypes.Message{{Role: "user", Content: "hello"}},
	}
}

func TestStreamChat_AccumulatesTurn(t *testing.T) {
	srv := newStreamServer(t, func(w handlers.EventWriter) {
		_ = w.WriteStatus("Connecting to model...")
		_ = w.WriteToken("Hel")
		_ = w.WriteToken("lo")
		_ = w.WriteReasoning("thinking about greetings")
		_ = w.WriteDone(7, "stop", &datatypes.TokenUsage{InputTokens: 3, OutputTokens: 2})
	})
	defer srv.Close()

	var seen []string
	c := New(Config{BaseURL: srv.URL})
	result, err := c.StreamChat(context.Background(), testRequest(), func(event datatypes.StreamEvent) error {
		seen = append(seen, event.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}

	if result.Answer != "Hello" {
		t.Errorf("Answer = %q, want Hello", result.Answer)
	}
	if result.Reasoning != "thinking about greetings" {
		t.Errorf("Reasoning = %q", result.Reasoning)
	}
	if result.SessionID != 7 {
		t.Errorf("SessionID = %d, want 7", result.SessionID)
	}
	if result.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", result.FinishReason)
	}
	if result.Usage == nil || result.Usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v", result.Usage)
	}
	if result.HasError() {
		t.Error("HasError() = true for a clean turn")
	}

	want := []string{"status", "token", "token", "reasoning", "done"}
	if len(seen) != len(want) {
		t.Fatalf("handler saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestStreamChat_ChainVerifies(t *testing.T) {
	srv := newStreamServer(t, func(w handlers.EventWriter) {
		_ = w.WriteStatus("ready")
		_ = w.WriteToken("a")
		_ = w.WriteToken("b")
		_ = w.WriteDone(1, "stop", nil)
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	result, err := c.StreamChat(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}

	verification := VerifyChain(result.Events)
	if !verification.Valid {
		t.Fatalf("chain invalid: %s", verification.ErrorMessage)
	}
	if verification.ChainLength != 4 {
		t.Errorf("ChainLength = %d, want 4", verification.ChainLength)
	}
	if verification.FinalHash == "" {
		t.Error("FinalHash is empty for a valid chain")
	}
}

func TestStreamChat_KeepalivesIgnored(t *testing.T) {
	srv := newStreamServer(t, func(w handlers.EventWriter) {
		_ = w.WriteToken("x")
		_ = w.WriteKeepAlive()
		_ = w.WriteToken("y")
		_ = w.WriteDone(1, "stop", nil)
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	result, err := c.StreamChat(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if result.Answer != "xy" {
		t.Errorf("Answer = %q, want xy", result.Answer)
	}
	if len(result.Events) != 3 {
		t.Errorf("got %d events, want 3 (keepalive must not surface)", len(result.Events))
	}
}

func TestStreamChat_ErrorEvent(t *testing.T) {
	srv := newStreamServer(t, func(w handlers.EventWriter) {
		_ = w.WriteToken("partial")
		_ = w.WriteError("rate_limited", "The model is receiving too many requests, please retry shortly")
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	result, err := c.StreamChat(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChat() error = %v, want nil (server failures arrive as events)", err)
	}
	if !result.HasError() {
		t.Fatal("HasError() = false after error event")
	}
	if result.ErrorKind != "rate_limited" {
		t.Errorf("ErrorKind = %q, want rate_limited", result.ErrorKind)
	}
	if result.Answer != "partial" {
		t.Errorf("Answer = %q, partial content should be preserved", result.Answer)
	}
}

func TestStreamChat_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.StreamChat(context.Background(), testRequest(), nil)
	if err == nil {
		t.Fatal("StreamChat() error = nil, want server error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error %q should mention the status code", err)
	}
}

func TestStreamChat_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		handlers.SetSSEHeaders(w)
		writer, _ := handlers.NewSSEWriter(w)
		_ = writer.WriteDone(1, "stop", nil)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "tok-123"})
	if _, err := c.StreamChat(context.Background(), testRequest(), nil); err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestStreamChat_HandlerAbortsStream(t *testing.T) {
	srv := newStreamServer(t, func(w handlers.EventWriter) {
		for range 100 {
			if err := w.WriteToken("x"); err != nil {
				return
			}
		}
		_ = w.WriteDone(1, "stop", nil)
	})
	defer srv.Close()

	abort := errors.New("enough")
	c := New(Config{BaseURL: srv.URL})
	_, err := c.StreamChat(context.Background(), testRequest(), func(event datatypes.StreamEvent) error {
		return abort
	})
	if !errors.Is(err, abort) {
		t.Errorf("StreamChat() error = %v, want handler abort", err)
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	srv := newStreamServer(t, func(w handlers.EventWriter) {
		_ = w.WriteToken("genuine")
		_ = w.WriteToken("content")
		_ = w.WriteDone(1, "stop", nil)
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	result, err := c.StreamChat(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}

	result.Events[1].Content = "forged"

	verification := VerifyChain(result.Events)
	if verification.Valid {
		t.Fatal("tampered chain verified as valid")
	}
	if verification.InvalidEventIndex != 1 {
		t.Errorf("InvalidEventIndex = %d, want 1", verification.InvalidEventIndex)
	}
}

func TestVerifyChain_DetectsDroppedEvent(t *testing.T) {
	srv := newStreamServer(t, func(w handlers.EventWriter) {
		_ = w.WriteToken("a")
		_ = w.WriteToken("b")
		_ = w.WriteToken("c")
		_ = w.WriteDone(1, "stop", nil)
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	result, err := c.StreamChat(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}

	// Drop the middle event; the successor's PrevHash no longer links.
	events := append([]datatypes.StreamEvent{result.Events[0]}, result.Events[2:]...)

	verification := VerifyChain(events)
	if verification.Valid {
		t.Fatal("chain with a dropped event verified as valid")
	}
}

func TestVerifyChain_EmptyIsValid(t *testing.T) {
	verification := VerifyChain(nil)
	if !verification.Valid {
		t.Error("empty chain should be valid")
	}
	if verification.InvalidEventIndex != -1 {
		t.Errorf("InvalidEventIndex = %d, want -1", verification.InvalidEventIndex)
	}
}
