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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/breaker"
	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/auth"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/stream"
)

// ===== Test Doubles =====

// fixedProvider replays the same chunk sequence on every attempt.
type fixedProvider struct {
	chunks  []string
	openErr error
}

func (p *fixedProvider) Name() string                { return "mock" }
func (p *fixedProvider) Format() stream.SourceFormat { return stream.FormatTyped }

func (p *fixedProvider) Stream(ctx context.Context, _ stream.Request, _ string) (stream.ChunkStream, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &fixedStream{chunks: p.chunks}, nil
}

type fixedStream struct {
	chunks []string
	pos    int
}

func (s *fixedStream) Next() ([]byte, error) {
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return []byte(chunk), nil
	}
	return nil, io.EOF
}

func (s *fixedStream) Close() error { return nil }

type staticSessions struct {
	session datatypes.ConversationSession
}

func (f *staticSessions) EnsureSession(context.Context, string, string, bool) (datatypes.ConversationSession, error) {
	return f.session, nil
}

// newHandlerCreds builds a real auth coordinator against a stub
// identity backend that always issues the same key.
func newHandlerCreds(t *testing.T) *auth.Coordinator {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"api_key":"key-1","user_id":"u-1","expires_at":%d}`,
			time.Now().Add(time.Hour).Unix())
	}))
	t.Cleanup(srv.Close)

	return auth.NewCoordinator(auth.Config{
		Identity: auth.NewIdentityClient(srv.URL, srv.Client()),
		Tokens: auth.TokenSourceFunc(func(context.Context) (string, error) {
			return "refresh-token", nil
		}),
	})
}

func newStreamRouter(t *testing.T, provider stream.Provider) *gin.Engine {
	t.Helper()
	coordinator := stream.NewCoordinator(stream.Config{
		Providers:   map[string]stream.Provider{"mock": provider},
		Credentials: newHandlerCreds(t),
		Sessions:    &staticSessions{session: datatypes.ConversationSession{ID: 7, OwnerID: "u-1"}},
		Breakers:    breaker.NewRegistry(breaker.DefaultConfig()),
		Backoff:     stream.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	})
	handler := NewStreamingChatHandler(coordinator, extensions.DefaultOptions())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/chat/stream", handler.HandleChatStream)
	return router
}

func postStream(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func eventsByType(events []datatypes.StreamEvent, eventType string) []datatypes.StreamEvent {
	var out []datatypes.StreamEvent
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// ===== Scenarios =====

func TestHandleChatStream_HappyPath(t *testing.T) {
	router := newStreamRouter(t, &fixedProvider{chunks: []string{
		`{"type":"text-delta","delta":"Hel"}`,
		`{"type":"text-delta","delta":"lo"}`,
		`{"type":"finish","finishReason":"stop"}`,
	}})

	rec := postStream(router, `{"model_id":"mock:little","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := parseSSEEvents(t, rec.Body.String())

	var answer strings.Builder
	for _, ev := range eventsByType(events, datatypes.EventToken) {
		answer.WriteString(ev.Content)
	}
	if answer.String() != "Hello" {
		t.Errorf("streamed answer = %q, want Hello", answer.String())
	}

	done := eventsByType(events, datatypes.EventDone)
	if len(done) != 1 {
		t.Fatalf("got %d done events, want 1", len(done))
	}
	if done[0].SessionId != 7 {
		t.Errorf("done SessionId = %d, want 7", done[0].SessionId)
	}
	if done[0].FinishReason != "stop" {
		t.Errorf("done FinishReason = %q, want stop", done[0].FinishReason)
	}
}

func TestHandleChatStream_SessionAnnouncedBeforeTokens(t *testing.T) {
	router := newStreamRouter(t, &fixedProvider{chunks: []string{
		`{"type":"text-delta","delta":"Hi"}`,
		`{"type":"finish","finishReason":"stop"}`,
	}})

	rec := postStream(router, `{"model_id":"mock:little","messages":[{"role":"user","content":"hi"}]}`)
	events := parseSSEEvents(t, rec.Body.String())

	firstToken := -1
	sessionStatus := -1
	for i, ev := range events {
		if ev.Type == datatypes.EventToken && firstToken == -1 {
			firstToken = i
		}
		if ev.Type == datatypes.EventStatus && ev.SessionId == 7 && sessionStatus == -1 {
			sessionStatus = i
		}
	}
	if sessionStatus == -1 {
		t.Fatal("no status event announcing the session")
	}
	if firstToken != -1 && sessionStatus > firstToken {
		t.Errorf("session announced at index %d, after first token at %d", sessionStatus, firstToken)
	}
}

func TestHandleChatStream_InvalidBodyRejected(t *testing.T) {
	router := newStreamRouter(t, &fixedProvider{})

	rec := postStream(router, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleChatStream_MissingModelRejected(t *testing.T) {
	router := newStreamRouter(t, &fixedProvider{})

	rec := postStream(router, `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleChatStream_FailureSentAsErrorEvent(t *testing.T) {
	router := newStreamRouter(t, &fixedProvider{
		openErr: stream.NewError(stream.KindFatal, "bad request upstream", nil),
	})

	rec := postStream(router, `{"model_id":"mock:little","messages":[{"role":"user","content":"hi"}]}`)

	// Streaming had already started, so the failure arrives as an event.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	events := parseSSEEvents(t, rec.Body.String())
	errorEvents := eventsByType(events, datatypes.EventError)
	if len(errorEvents) != 1 {
		t.Fatalf("got %d error events, want 1", len(errorEvents))
	}
	if errorEvents[0].ErrorKind != string(stream.KindFatal) {
		t.Errorf("ErrorKind = %q, want %q", errorEvents[0].ErrorKind, stream.KindFatal)
	}
	if strings.Contains(errorEvents[0].Error, "upstream") {
		t.Errorf("client error message leaks internal detail: %q", errorEvents[0].Error)
	}
}

func TestHandleChatStream_ReasoningForwarded(t *testing.T) {
	router := newStreamRouter(t, &fixedProvider{chunks: []string{
		`{"type":"reasoning-delta","delta":"thinking..."}`,
		`{"type":"text-delta","delta":"Answer"}`,
		`{"type":"finish","finishReason":"stop"}`,
	}})

	rec := postStream(router, `{"model_id":"mock:little","messages":[{"role":"user","content":"hi"}]}`)
	events := parseSSEEvents(t, rec.Body.String())

	reasoning := eventsByType(events, datatypes.EventReasoning)
	if len(reasoning) != 1 || reasoning[0].Content != "thinking..." {
		t.Errorf("reasoning events = %+v, want one with content thinking...", reasoning)
	}
}

func TestHandleChatStream_ConcurrentRequests(t *testing.T) {
	router := newStreamRouter(t, &fixedProvider{chunks: []string{
		`{"type":"text-delta","delta":"ok"}`,
		`{"type":"finish","finishReason":"stop"}`,
	}})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := postStream(router, `{"model_id":"mock:little","messages":[{"role":"user","content":"hi"}]}`)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		}()
	}
	wg.Wait()
}
