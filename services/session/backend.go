// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session deduplicates session creation against the conversation
// backend and persists turns asynchronously.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// ConversationClient talks to the conversation backend's REST API.
//
// # Description
//
// The backend owns durable session and message storage. All calls are
// plain request/response; streaming never touches this client.
type ConversationClient struct {
	httpClient *http.Client
	baseURL    string

	// apiKey supplies the bearer credential per call, so refreshed
	// credentials are picked up without rebuilding the client.
	apiKey func() string
}

// NewConversationClient creates a backend client.
//
// apiKey may be nil when the backend is unauthenticated (local dev).
func NewConversationClient(baseURL string, httpClient *http.Client, apiKey func() string) *ConversationClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &ConversationClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

type createSessionRequest struct {
	OwnerID string `json:"owner_id"`
	ModelID string `json:"model_id"`
}

// CreateSession creates a new session for the owner.
func (cc *ConversationClient) CreateSession(ctx context.Context, ownerID, modelID string) (*datatypes.ConversationSession, error) {
	var session datatypes.ConversationSession
	err := cc.post(ctx, "/sessions", createSessionRequest{
		OwnerID: ownerID,
		ModelID: modelID,
	}, &session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

// AppendMessage appends one turn to a session.
func (cc *ConversationClient) AppendMessage(ctx context.Context, sessionID int64, turn datatypes.ChatTurn) error {
	path := fmt.Sprintf("/sessions/%d/messages", sessionID)
	if err := cc.post(ctx, path, turn, nil); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

type batchRequest struct {
	Messages []datatypes.ChatTurn `json:"messages"`
}

// AppendBatch appends several turns to a session in one call.
//
// Only valid against backends that expose the batch endpoint; callers
// gate on their configuration.
func (cc *ConversationClient) AppendBatch(ctx context.Context, sessionID int64, turns []datatypes.ChatTurn) error {
	path := fmt.Sprintf("/sessions/%d/messages/batch", sessionID)
	if err := cc.post(ctx, path, batchRequest{Messages: turns}, nil); err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return nil
}

// post issues one JSON POST and decodes the response into out when
// non-nil.
func (cc *ConversationClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cc.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cc.apiKey != nil {
		if key := cc.apiKey(); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := cc.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
