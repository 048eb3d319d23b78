// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client provides a Go client for the relay's streaming chat API.
//
// This package follows the layered streaming architecture:
//
//	HTTP Response Body → SSE line parsing → StreamHandler → StreamResult
//
// The client accumulates the full turn (answer, reasoning, tool calls,
// usage) while delivering each event to the caller's handler in real
// time, and retains the raw event sequence so the hash chain can be
// verified after the stream completes.
//
// # Basic Usage
//
//	c := client.New(client.Config{
//	    BaseURL: "http://localhost:8080",
//	    Token:   jwtToken,
//	})
//
//	result, err := c.StreamChat(ctx, datatypes.ChatStreamRequest{
//	    ModelID:  "llama3",
//	    Messages: []datatypes.Message{{Role: "user", Content: "hello"}},
//	}, func(event datatypes.StreamEvent) error {
//	    if event.Type == datatypes.EventToken {
//	        fmt.Print(event.Content)
//	    }
//	    return nil
//	})
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds client configuration. Only BaseURL is required.
type Config struct {
	// BaseURL is the relay URL without a trailing slash.
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// Timeout bounds a whole streaming turn. Default: 5 minutes.
	// Ignored when HTTPClient is set.
	Timeout time.Duration
}

// StreamHandler receives each event as it arrives. Returning an error
// aborts the stream.
type StreamHandler func(event datatypes.StreamEvent) error

// =============================================================================
// Result
// =============================================================================

// StreamResult is the accumulated outcome of one streaming turn.
type StreamResult struct {
	RequestID    string
	SessionID    int64
	Answer       string
	Reasoning    string
	ToolCalls    []datatypes.ToolCall
	FinishReason string
	Usage        *datatypes.TokenUsage

	// ErrorKind and ErrorMessage are set when the server ended the
	// turn with an error event. The turn itself still returns nil;
	// check HasError.
	ErrorKind    string
	ErrorMessage string

	// Events is the full received sequence, in order, for chain
	// verification.
	Events []datatypes.StreamEvent

	StartedAt    int64
	FirstTokenAt int64
	CompletedAt  int64
}

// HasError reports whether the server ended the turn with an error event.
func (r *StreamResult) HasError() bool {
	return r.ErrorKind != "" || r.ErrorMessage != ""
}

// Duration returns the wall time of the turn.
func (r *StreamResult) Duration() time.Duration {
	if r.CompletedAt == 0 || r.StartedAt == 0 {
		return 0
	}
	return time.Duration(r.CompletedAt-r.StartedAt) * time.Millisecond
}

// =============================================================================
// Client
// =============================================================================

// Client talks to the relay's streaming chat endpoint.
//
// # Thread Safety
//
// Safe for concurrent use. Each StreamChat call is independent.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a Client from config.
func New(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.Token,
	}
}

// StreamChat sends a chat turn and streams the response.
//
// # Description
//
// POSTs the request to /v1/chat/stream, reads the SSE response, and
// invokes handler for every event. Canceling ctx aborts the stream;
// the result accumulated so far is discarded and ctx.Err() returned.
//
// A server-side turn failure arrives as an error event, not as a Go
// error: the returned result has HasError() == true. Go errors are
// reserved for transport and protocol failures.
//
// # Inputs
//
//   - ctx: Cancellation and deadline control.
//   - req: The turn. EnsureDefaults is applied before sending.
//   - handler: Per-event callback. May be nil.
//
// # Outputs
//
//   - *StreamResult: Accumulated turn, including the raw event
//     sequence for VerifyChain.
//   - error: Non-nil on marshal, network, HTTP status, or parse
//     failures, or when the handler aborted the stream.
func (c *Client) StreamChat(ctx context.Context, req datatypes.ChatStreamRequest, handler StreamHandler) (*StreamResult, error) {
	req.EnsureDefaults()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return nil, fmt.Errorf("server error (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(bodyBytes))
	}

	result := &StreamResult{
		RequestID: req.RequestID,
		StartedAt: time.Now().UnixMilli(),
	}
	if err := c.readStream(ctx, resp.Body, result, handler); err != nil {
		return nil, err
	}
	if result.CompletedAt == 0 {
		result.CompletedAt = time.Now().UnixMilli()
	}
	return result, nil
}

// readStream consumes SSE lines until a terminal event or EOF.
func (c *Client) readStream(ctx context.Context, body io.Reader, result *StreamResult, handler StreamHandler) error {
	var answer, reasoning strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, ok := cutDataLine(scanner.Text())
		if !ok {
			continue
		}

		var event datatypes.StreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("parse event: %w", err)
		}
		result.Events = append(result.Events, event)

		switch event.Type {
		case datatypes.EventToken:
			if result.FirstTokenAt == 0 {
				result.FirstTokenAt = time.Now().UnixMilli()
			}
			answer.WriteString(event.Content)
		case datatypes.EventReasoning:
			reasoning.WriteString(event.Content)
		case datatypes.EventToolCall:
			if event.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *event.ToolCall)
			}
		case datatypes.EventDone:
			result.SessionID = event.SessionId
			result.FinishReason = event.FinishReason
			result.Usage = event.Usage
			result.CompletedAt = time.Now().UnixMilli()
		case datatypes.EventError:
			result.ErrorKind = event.ErrorKind
			result.ErrorMessage = event.Error
			result.CompletedAt = time.Now().UnixMilli()
		case datatypes.EventStatus:
			if event.SessionId != 0 {
				result.SessionID = event.SessionId
			}
		}

		if handler != nil {
			if err := handler(event); err != nil {
				return err
			}
		}

		if event.Type == datatypes.EventDone || event.Type == datatypes.EventError {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	result.Answer = answer.String()
	result.Reasoning = reasoning.String()
	return nil
}

// cutDataLine extracts the JSON payload from an SSE data line.
// Comments (": ping" keepalives), event-name lines, and blank lines
// carry no payload.
func cutDataLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if payload, ok := strings.CutPrefix(line, "data:"); ok {
		return strings.TrimSpace(payload), true
	}
	return "", false
}
