// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshError is a failed credential exchange.
//
// Status is the identity backend's HTTP status, or zero for transport and
// token-source failures. Recoverable reports whether retrying later could
// succeed; a 401/403 from the identity backend means the provider token
// itself is dead and the user has to re-authenticate.
type RefreshError struct {
	Status  int
	Message string
	Err     error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth refresh: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("auth refresh: %s (status %d)", e.Message, e.Status)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether a later retry could succeed.
func (e *RefreshError) Recoverable() bool {
	return e.Status != http.StatusUnauthorized && e.Status != http.StatusForbidden
}

// IdentityClient talks to the identity backend's exchange endpoint.
//
// The endpoint accepts a provider-issued token and answers with a
// short-lived gateway API key bound to the user.
type IdentityClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewIdentityClient creates a client for the identity backend.
func NewIdentityClient(baseURL string, httpClient *http.Client) *IdentityClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &IdentityClient{httpClient: httpClient, baseURL: baseURL}
}

type exchangeRequest struct {
	Token string `json:"token"`
}

type exchangeResponse struct {
	APIKey    string `json:"api_key"`
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds, optional
}

// Exchange trades a provider token for a gateway credential.
//
// # Description
//
// POSTs the token to /auth on the identity backend. When the response
// omits expires_at and the returned key is a JWT, the exp claim is used
// as the expiry hint instead. The claim is read without signature
// verification; it only schedules proactive refresh and is never trusted
// for authorization.
func (ic *IdentityClient) Exchange(ctx context.Context, token string) (Credential, error) {
	body, err := json.Marshal(exchangeRequest{Token: token})
	if err != nil {
		return Credential{}, &RefreshError{Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ic.baseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return Credential{}, &RefreshError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ic.httpClient.Do(req)
	if err != nil {
		return Credential{}, &RefreshError{Message: "identity backend unreachable", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return Credential{}, &RefreshError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("exchange rejected: %s", truncate(string(respBody), 200)),
		}
	}

	var parsed exchangeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Credential{}, &RefreshError{Message: "decode response", Err: err}
	}
	if parsed.APIKey == "" {
		return Credential{}, &RefreshError{Message: "response missing api_key"}
	}

	cred := Credential{
		APIKey:   parsed.APIKey,
		UserID:   parsed.UserID,
		IssuedAt: time.Now(),
	}
	if parsed.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(parsed.ExpiresAt, 0)
	} else if exp := jwtExpiry(parsed.APIKey); !exp.IsZero() {
		cred.ExpiresAt = exp
	}
	return cred, nil
}

// jwtExpiry extracts the exp claim from a JWT-shaped key, or zero time.
func jwtExpiry(key string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(key, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
