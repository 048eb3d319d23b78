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
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Upstream Provider Contract
// =============================================================================

// Request is one streaming completion request to an upstream provider.
type Request struct {
	// Model is the provider-local model name (no provider prefix).
	Model string

	// Messages is the full conversation history, oldest first.
	Messages []datatypes.Message

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// Stop sequences forwarded upstream.
	Stop []string
}

// ChunkStream yields raw chunk payloads from one upstream response.
//
// Next returns one payload at a time (the data portion of an SSE event,
// or one NDJSON line) and io.EOF when the upstream closes cleanly. Close
// releases the underlying connection and is safe to call more than once.
type ChunkStream interface {
	Next() ([]byte, error)
	Close() error
}

// Provider issues streaming completion calls against one upstream API.
//
// # Description
//
// Implementations live in services/provider. Stream returns as soon as
// response headers arrive; chunk payloads flow through the returned
// ChunkStream. Connection-level failures and non-2xx statuses surface as
// *Error values so the coordinator can categorize them.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider key ("openai", "local", ...).
	Name() string

	// Format hints the chunk shape this upstream produces.
	Format() SourceFormat

	// Stream opens one streaming completion.
	Stream(ctx context.Context, req Request, apiKey string) (ChunkStream, error)
}

// SplitModelID splits "provider:model" into its parts.
//
// # Outputs
//
//   - string: Provider key.
//   - string: Provider-local model name.
//   - error: Non-nil when the ID has no provider prefix.
func SplitModelID(modelID string) (string, string, error) {
	provider, model, found := strings.Cut(modelID, ":")
	if !found || provider == "" || model == "" {
		return "", "", fmt.Errorf("model id %q is not in provider:model form", modelID)
	}
	return provider, model, nil
}
