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
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRelay/pkg/breaker"
	"github.com/AleutianAI/AleutianRelay/services/auth"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Turn States
// =============================================================================

// TurnState is the coordinator's per-turn state.
type TurnState string

const (
	StatePreparing      TurnState = "PREPARING"
	StateStreaming      TurnState = "STREAMING"
	StateCompleted      TurnState = "COMPLETED"
	StateAuthRetry      TurnState = "AUTH_RETRY"
	StateRateLimitRetry TurnState = "RATE_LIMIT_RETRY"
	StateFailed         TurnState = "FAILED"
	StateCanceled       TurnState = "CANCELED"
)

// =============================================================================
// Collaborator Contracts
// =============================================================================

// SessionResolver resolves the session for a turn.
type SessionResolver interface {
	EnsureSession(ctx context.Context, ownerID, modelID string, wantNew bool) (datatypes.ConversationSession, error)
}

// CredentialSource reads and refreshes the gateway credential.
type CredentialSource interface {
	Current() (auth.Credential, bool)
	RequestRefresh(force bool) *auth.Operation
}

// Persister accepts completed turns for asynchronous persistence.
type Persister interface {
	Enqueue(turn datatypes.ChatTurn)
}

// =============================================================================
// Configuration
// =============================================================================

// Config wires the coordinator's collaborators.
type Config struct {
	// Providers maps provider key to upstream client.
	Providers map[string]Provider

	// Credentials supplies and refreshes the gateway credential.
	Credentials CredentialSource

	// Sessions resolves sessions. Required.
	Sessions SessionResolver

	// Persistence enqueues finished turns. May be nil (turns are not
	// persisted).
	Persistence Persister

	// Breakers gates per-model admission. Required.
	Breakers *breaker.Registry

	// Fallback maps a model ID to its substitute. May be nil.
	Fallback func(modelID string) (string, bool)

	// Limiter paces upstream request issuance. May be nil.
	Limiter *rate.Limiter

	// MaxRetryAttempts bounds rate-limit retries and unavailable
	// retries (counted separately). Default: 5.
	MaxRetryAttempts int

	// Backoff is the shared retry timing policy.
	Backoff Backoff

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Turn Request / Result
// =============================================================================

// TurnRequest describes one user turn to stream.
type TurnRequest struct {
	RequestID  string
	OwnerID    string
	NewSession bool
	ModelID    string
	Messages   []datatypes.Message
	MaxTokens  int
	Stop       []string

	// OnSession is called once the session is resolved, before any
	// stream events. May be nil.
	OnSession func(datatypes.ConversationSession)
}

// TurnResult is the terminal outcome of one turn.
type TurnResult struct {
	State         TurnState
	Session       datatypes.ConversationSession
	ModelID       string
	FellBack      bool
	Content       string
	Reasoning     string
	ToolCalls     []datatypes.ToolCall
	FinishReason  string
	Usage         *datatypes.TokenUsage
	SkippedChunks int
	Err           error
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator drives one chat turn from submission to terminal state.
//
// # Description
//
// Run executes the turn state machine:
//
//	PREPARING ──► STREAMING ──► COMPLETED
//	                 │ 401          │ 429
//	                 ▼              ▼
//	            AUTH_RETRY    RATE_LIMIT_RETRY ──► STREAMING
//	                 │ (once)       │ (≤ attempts)
//	                 ▼              ▼
//	               FAILED         FAILED
//
// Recovery rules:
//
//   - 401: one coordinated credential refresh, then one reissue. A second
//     401 fails the turn.
//   - 429: backoff honoring Retry-After, bounded attempts.
//   - 5xx/network: breaker failure recorded; when the model's breaker
//     opens, the configured fallback is substituted at most once per turn.
//     Both denied means ErrNoHealthyModel, which is terminal.
//   - 401/429 replies still count as breaker successes: the endpoint
//     answered, which is what a half-open probe needs to know.
//   - A half-open probe slot claimed at admission is resolved on every
//     exit. Paths that never reach a verdict for the probed endpoint
//     (fatal errors, cancellation) release the slot as a failure so the
//     key reopens with a fresh cooldown instead of wedging.
//
// Reissued attempts replay the upstream response from the start; deltas
// already delivered to the caller are suppressed by prefix so the UI
// never sees duplicated text.
//
// Cancellation closes the upstream connection and never cancels a shared
// credential refresh. Partial content is preserved (persisted) only when
// the turn was canceled explicitly, which over this transport is the
// client closing the stream.
//
// # Thread Safety
//
// Safe for concurrent use; all per-turn state lives on the Run stack.
type Coordinator struct {
	providers   map[string]Provider
	credentials CredentialSource
	sessions    SessionResolver
	persistence Persister
	breakers    *breaker.Registry
	fallback    func(string) (string, bool)
	limiter     *rate.Limiter
	maxRetries  int
	backoff     Backoff
	log         *slog.Logger
	tracer      trace.Tracer
}

// NewCoordinator creates a turn coordinator.
//
// Panics on missing required collaborators.
func NewCoordinator(cfg Config) *Coordinator {
	if len(cfg.Providers) == 0 {
		panic("stream: Config.Providers is required")
	}
	if cfg.Credentials == nil {
		panic("stream: Config.Credentials is required")
	}
	if cfg.Sessions == nil {
		panic("stream: Config.Sessions is required")
	}
	if cfg.Breakers == nil {
		panic("stream: Config.Breakers is required")
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		providers:   cfg.Providers,
		credentials: cfg.Credentials,
		sessions:    cfg.Sessions,
		persistence: cfg.Persistence,
		breakers:    cfg.Breakers,
		fallback:    cfg.Fallback,
		limiter:     cfg.Limiter,
		maxRetries:  cfg.MaxRetryAttempts,
		backoff:     cfg.Backoff,
		log:         cfg.Logger,
		tracer:      otel.Tracer("aleutian.relay.stream"),
	}
}

// Run drives one turn to a terminal state, delivering canonical events
// to onEvent as they arrive.
//
// # Inputs
//
//   - ctx: Stream lifetime. Cancellation ends the turn.
//   - req: The turn to execute.
//   - onEvent: Per-event callback, invoked on the streaming goroutine.
//
// # Outputs
//
//   - TurnResult: Terminal state plus accumulated content. Result.Err
//     carries the categorized failure for FAILED turns.
func (c *Coordinator) Run(ctx context.Context, req TurnRequest, onEvent func(Event)) TurnResult {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Run",
		trace.WithAttributes(
			attribute.String("model.id", req.ModelID),
			attribute.String("request.id", req.RequestID),
		))
	defer span.End()

	res := TurnResult{State: StatePreparing, ModelID: req.ModelID}

	// Session resolution never fails the turn; the resolver degrades to
	// a placeholder on backend trouble.
	session, err := c.sessions.EnsureSession(ctx, req.OwnerID, req.ModelID, req.NewSession)
	if err != nil {
		res.State = StateCanceled
		res.Err = err
		return res
	}
	res.Session = session
	if req.OnSession != nil {
		req.OnSession(session)
	}

	cred, ok := c.credentials.Current()
	if !ok {
		cred, err = c.credentials.RequestRefresh(false).Wait(ctx)
		if err != nil {
			return c.fail(&res, span, c.asAuthFailure(err))
		}
	}

	delivered := &deliveredState{}
	authRetried := false
	rateAttempts := 0
	unavailAttempts := 0

	// claimedProbe holds the key of a half-open probe slot this turn
	// claimed at admission. The slot must be resolved before Run returns
	// or every later Check on the key is denied.
	claimedProbe := ""
	defer func() {
		if claimedProbe != "" {
			c.breakers.RecordFailure(claimedProbe)
		}
	}()
	recordSuccess := func(model string) {
		c.breakers.RecordSuccess(model)
		if claimedProbe == model {
			claimedProbe = ""
		}
	}
	recordFailure := func(model string) {
		c.breakers.RecordFailure(model)
		if claimedProbe == model {
			claimedProbe = ""
		}
	}

	for {
		if ctx.Err() != nil {
			return c.cancel(ctx, &res, req, delivered)
		}

		model, admitErr := c.admit(&res, &claimedProbe)
		if admitErr != nil {
			return c.fail(&res, span, admitErr)
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return c.cancel(ctx, &res, req, delivered)
			}
		}

		attemptErr := c.attempt(ctx, model, cred, req, onEvent, delivered, &res)
		if attemptErr == nil {
			recordSuccess(model)
			res.State = StateCompleted
			res.Content = delivered.text.String()
			res.Reasoning = delivered.reasoning.String()
			res.ToolCalls = delivered.toolCalls
			c.persistTurns(req, &res)
			c.log.Info("turn completed",
				"requestId", req.RequestID,
				"sessionId", res.Session.ID,
				"model", model,
				"finishReason", res.FinishReason)
			return res
		}

		if ctx.Err() != nil || errors.Is(attemptErr, context.Canceled) {
			return c.cancel(ctx, &res, req, delivered)
		}

		kind := KindOf(attemptErr)
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.String("error.kind", string(kind)),
			attribute.String("model.id", model),
		))

		switch kind {
		case KindAuthExpired:
			// The endpoint answered; clear any half-open probe.
			recordSuccess(model)
			if authRetried {
				return c.fail(&res, span, attemptErr)
			}
			authRetried = true
			res.State = StateAuthRetry
			cred, err = c.refreshCredential(ctx, cred)
			if err != nil {
				return c.fail(&res, span, c.asAuthFailure(err))
			}

		case KindRateLimited:
			recordSuccess(model)
			rateAttempts++
			if rateAttempts >= c.maxRetries {
				return c.fail(&res, span, attemptErr)
			}
			res.State = StateRateLimitRetry
			delay := RetryAfterOf(attemptErr)
			if delay <= 0 {
				delay = c.backoff.Delay(rateAttempts)
			}
			c.log.Warn("rate limited, backing off",
				"requestId", req.RequestID,
				"model", model,
				"attempt", rateAttempts,
				"delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return c.cancel(ctx, &res, req, delivered)
			}

		case KindModelUnavailable:
			recordFailure(model)
			if !res.FellBack && c.breakers.State(model) == breaker.CircuitOpen {
				if sub, ok := c.substituteFallback(model, &res, &claimedProbe); ok {
					c.log.Warn("model unavailable, substituting fallback",
						"requestId", req.RequestID,
						"model", model,
						"fallback", sub)
					continue
				}
			}
			unavailAttempts++
			if unavailAttempts >= c.maxRetries {
				return c.fail(&res, span, attemptErr)
			}
			if err := sleep(ctx, c.backoff.Delay(unavailAttempts)); err != nil {
				return c.cancel(ctx, &res, req, delivered)
			}

		default:
			return c.fail(&res, span, attemptErr)
		}
	}
}

// admit runs the breaker check for the turn's current model, applying at
// most one fallback substitution. Both denied is terminal, not retried.
func (c *Coordinator) admit(res *TurnResult, claimedProbe *string) (string, error) {
	model := res.ModelID
	if c.checkAdmission(model, claimedProbe) {
		return model, nil
	}
	if res.FellBack {
		return "", NewError(KindFatal, "model and fallback both unavailable", ErrNoHealthyModel)
	}
	if sub, ok := c.substituteFallback(model, res, claimedProbe); ok {
		return sub, nil
	}
	return "", NewError(KindFatal, "no fallback available", ErrNoHealthyModel)
}

// checkAdmission runs the breaker check for one key, noting in
// *claimedProbe when the check claimed a half-open probe slot. A key
// whose slot this turn already holds passes without another Check.
func (c *Coordinator) checkAdmission(model string, claimedProbe *string) bool {
	if *claimedProbe == model {
		return true
	}
	allowed, state := c.breakers.Check(model)
	if allowed && state == breaker.CircuitHalfOpen {
		*claimedProbe = model
	}
	return allowed
}

// substituteFallback switches the turn to the configured fallback model
// when the fallback's own breaker admits it.
func (c *Coordinator) substituteFallback(model string, res *TurnResult, claimedProbe *string) (string, bool) {
	if c.fallback == nil {
		return "", false
	}
	sub, ok := c.fallback(model)
	if !ok || sub == model {
		return "", false
	}
	if !c.checkAdmission(sub, claimedProbe) {
		return "", false
	}
	res.ModelID = sub
	res.FellBack = true
	return sub, true
}

// attempt opens one upstream stream and pumps it to completion.
// Returns nil when the turn finished; a categorized error otherwise.
func (c *Coordinator) attempt(ctx context.Context, model string, cred auth.Credential,
	req TurnRequest, onEvent func(Event), delivered *deliveredState, res *TurnResult) error {

	providerKey, localModel, err := SplitModelID(model)
	if err != nil {
		return NewError(KindFatal, "invalid model id", err)
	}
	prov, ok := c.providers[providerKey]
	if !ok {
		return NewError(KindFatal, "unknown provider "+providerKey, nil)
	}

	cs, err := prov.Stream(ctx, Request{
		Model:     localModel,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	}, cred.APIKey)
	if err != nil {
		return err
	}
	defer cs.Close()

	res.State = StateStreaming
	norm := NewNormalizer()
	replay := newReplayFilter(delivered)

	for {
		payload, err := cs.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.dispatch(norm.Flush(), replay, onEvent, res)
				res.SkippedChunks += norm.SkippedChunks()
				if !norm.Finished() {
					return NewError(KindModelUnavailable, "upstream closed stream before finish", nil)
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var se *Error
			if errors.As(err, &se) {
				return se
			}
			return NewError(KindModelUnavailable, "upstream read failed", err)
		}

		events := norm.Normalize(payload, prov.Format())
		if errEv := findError(events); errEv != nil {
			return NewError(errEv.ErrKind, errEv.Message, nil)
		}
		c.dispatch(events, replay, onEvent, res)

		if norm.Finished() {
			res.SkippedChunks += norm.SkippedChunks()
			return nil
		}
	}
}

// dispatch filters replayed prefixes and forwards events to the caller.
func (c *Coordinator) dispatch(events []Event, replay *replayFilter, onEvent func(Event), res *TurnResult) {
	for _, ev := range events {
		switch ev.Kind {
		case EventTextDelta:
			if fresh := replay.text(ev.Text); fresh != "" {
				onEvent(textDelta(fresh))
			}
		case EventReasoningDelta:
			if fresh := replay.reasoning(ev.Text); fresh != "" {
				onEvent(reasoningDelta(fresh))
			}
		case EventToolCall:
			if replay.toolCall(ev.ToolCall) {
				onEvent(ev)
			}
		case EventFinish:
			res.FinishReason = ev.FinishReason
			if ev.Usage != nil {
				res.Usage = ev.Usage
			}
			onEvent(ev)
		}
	}
}

// findError returns the first error event, if any.
func findError(events []Event) *Event {
	for i := range events {
		if events[i].Kind == EventError {
			return &events[i]
		}
	}
	return nil
}

// refreshCredential performs the single coordinated refresh for a 401.
// If the shared refresh hands back the key the upstream just rejected,
// it forces one fresh exchange.
func (c *Coordinator) refreshCredential(ctx context.Context, old auth.Credential) (auth.Credential, error) {
	cred, err := c.credentials.RequestRefresh(false).Wait(ctx)
	if err != nil {
		return auth.Credential{}, err
	}
	if cred.APIKey == old.APIKey {
		return c.credentials.RequestRefresh(true).Wait(ctx)
	}
	return cred, nil
}

// asAuthFailure maps refresh failures into the taxonomy. A refresh that
// itself failed or timed out terminates the turn; only an upstream 401
// with a refresh still ahead of it is recoverable.
func (c *Coordinator) asAuthFailure(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindFatal, "credential refresh timed out", err)
	}
	var re *auth.RefreshError
	if errors.As(err, &re) && !re.Recoverable() {
		return NewError(KindFatal, "re-authentication required", err)
	}
	return NewError(KindFatal, "credential refresh failed", err)
}

// fail finalizes a FAILED turn.
func (c *Coordinator) fail(res *TurnResult, span trace.Span, err error) TurnResult {
	res.State = StateFailed
	res.Err = err
	span.RecordError(err)
	c.log.Warn("turn failed",
		"sessionId", res.Session.ID,
		"model", res.ModelID,
		"errorKind", string(KindOf(err)),
		"error", err)
	return *res
}

// cancel finalizes a canceled turn, preserving partial content.
func (c *Coordinator) cancel(ctx context.Context, res *TurnResult, req TurnRequest, delivered *deliveredState) TurnResult {
	res.State = StateCanceled
	res.Err = ctx.Err()
	res.Content = delivered.text.String()
	res.Reasoning = delivered.reasoning.String()
	res.ToolCalls = delivered.toolCalls
	if res.FinishReason == "" {
		res.FinishReason = "canceled"
	}
	if res.Content != "" || res.Reasoning != "" {
		// Explicit stop keeps what the user already saw.
		c.persistTurns(req, res)
	}
	return *res
}

// persistTurns enqueues the user turn and the assistant turn.
func (c *Coordinator) persistTurns(req TurnRequest, res *TurnResult) {
	if c.persistence == nil {
		return
	}
	now := time.Now()
	if len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "user" {
			c.persistence.Enqueue(datatypes.ChatTurn{
				SessionID: res.Session.ID,
				Role:      last.Role,
				Content:   last.Content,
				CreatedAt: now,
			})
		}
	}
	c.persistence.Enqueue(datatypes.ChatTurn{
		SessionID: res.Session.ID,
		Role:      "assistant",
		Content:   res.Content,
		Reasoning: res.Reasoning,
		ToolCalls: res.ToolCalls,
		Usage:     res.Usage,
		CreatedAt: now,
	})
}

// =============================================================================
// Replay Suppression
// =============================================================================

// deliveredState accumulates everything already handed to the caller
// across attempts.
type deliveredState struct {
	text      strings.Builder
	reasoning strings.Builder
	toolCalls []datatypes.ToolCall
}

// replayFilter suppresses the already-delivered prefix when an attempt
// replays the upstream response after a mid-stream reissue.
type replayFilter struct {
	d             *deliveredState
	seenText      int
	seenReasoning int
	seenToolCalls int
}

func newReplayFilter(d *deliveredState) *replayFilter {
	return &replayFilter{d: d}
}

// text returns the not-yet-delivered portion of a text delta.
func (f *replayFilter) text(s string) string {
	already := f.d.text.Len()
	start := f.seenText
	f.seenText += len(s)

	overlap := already - start
	if overlap >= len(s) {
		return ""
	}
	if overlap > 0 {
		s = s[overlap:]
	}
	f.d.text.WriteString(s)
	return s
}

// reasoning returns the not-yet-delivered portion of a reasoning delta.
func (f *replayFilter) reasoning(s string) string {
	already := f.d.reasoning.Len()
	start := f.seenReasoning
	f.seenReasoning += len(s)

	overlap := already - start
	if overlap >= len(s) {
		return ""
	}
	if overlap > 0 {
		s = s[overlap:]
	}
	f.d.reasoning.WriteString(s)
	return s
}

// toolCall reports whether a tool-call fragment is new.
func (f *replayFilter) toolCall(tc *datatypes.ToolCall) bool {
	f.seenToolCalls++
	if f.seenToolCalls <= len(f.d.toolCalls) {
		return false
	}
	if tc != nil {
		f.d.toolCalls = append(f.d.toolCalls, *tc)
	}
	return true
}
