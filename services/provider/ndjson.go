package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/stream"
)

// NDJSONProvider streams from line-delimited chat upstreams (the local
// runner style: POST /api/chat with stream:true, one JSON object per line).
type NDJSONProvider struct {
	httpClient *http.Client
	baseURL    string
	name       string
}

var _ stream.Provider = (*NDJSONProvider)(nil)

type ndjsonChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

// NewNDJSONProvider creates a client for a line-delimited chat endpoint.
func NewNDJSONProvider(name, baseURL string, httpClient *http.Client) *NDJSONProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing NDJSON provider", "name", name, "base_url", baseURL)
	return &NDJSONProvider{
		httpClient: httpClient,
		baseURL:    baseURL,
		name:       name,
	}
}

func (p *NDJSONProvider) Name() string { return p.name }

func (p *NDJSONProvider) Format() stream.SourceFormat { return stream.FormatNDJSON }

// Stream opens the upstream chat stream. Each Next call yields one JSON
// line; the line with done:true terminates the turn.
func (p *NDJSONProvider) Stream(ctx context.Context, req stream.Request, apiKey string) (stream.ChunkStream, error) {
	ctx, span := tracer.Start(ctx, "NDJSONProvider.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", p.name),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	options := make(map[string]any)
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}
	payload := ndjsonChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
		Options:  options,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stream.NewError(stream.KindFatal, "failed to marshal chat request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stream.NewError(stream.KindFatal, "failed to build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Upstream chat call failed", "provider", p.name, "error", err)
		return nil, stream.NewError(stream.KindModelUnavailable,
			fmt.Sprintf("%s unreachable", p.name), err)
	}
	if resp.StatusCode != http.StatusOK {
		serr := statusError(resp)
		slog.Warn("Upstream chat returned an error",
			"provider", p.name, "status_code", resp.StatusCode, "kind", string(serr.Kind))
		span.SetStatus(codes.Error, serr.Message)
		return nil, serr
	}
	return newLineStream(resp.Body), nil
}
