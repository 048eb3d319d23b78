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

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/stream"
)

// OpenAICompat streams chat completions from an OpenAI-compatible
// gateway (chat/completions with SSE framing).
type OpenAICompat struct {
	httpClient *http.Client
	baseURL    string
	name       string
}

var _ stream.Provider = (*OpenAICompat)(nil)

// NewOpenAICompat creates a client for an OpenAI-compatible endpoint.
// baseURL includes the version prefix, e.g. "https://gw.example.com/v1".
func NewOpenAICompat(name, baseURL string, httpClient *http.Client) *OpenAICompat {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing OpenAI-compatible provider", "name", name, "base_url", baseURL)
	return &OpenAICompat{
		httpClient: httpClient,
		baseURL:    baseURL,
		name:       name,
	}
}

func (p *OpenAICompat) Name() string { return p.name }

func (p *OpenAICompat) Format() stream.SourceFormat { return stream.FormatOpenAI }

// Stream opens the upstream SSE stream. The returned ChunkStream yields
// one SSE data payload per Next call; the [DONE] sentinel passes through
// for the normalizer to terminate on.
func (p *OpenAICompat) Stream(ctx context.Context, req stream.Request, apiKey string) (stream.ChunkStream, error) {
	ctx, span := tracer.Start(ctx, "OpenAICompat.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", p.name),
		attribute.String("llm.model", req.Model),
	)

	body := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      toOpenAIMessages(req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		body.MaxCompletionTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		body.Stop = req.Stop
	}

	payload, err := json.Marshal(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stream.NewError(stream.KindFatal, "failed to marshal chat request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stream.NewError(stream.KindFatal, "failed to build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

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
	return newSSEStream(resp.Body), nil
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return out
}
