// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the streaming relay service.
//
// # Architecture
//
//	Client (SSE / WebSocket)
//	   │
//	   ▼
//	Gin router ── auth middleware ── streaming handlers
//	   │
//	   ▼
//	stream.Coordinator ── breaker.Registry ── provider clients
//	   │                        │
//	   ▼                        ▼
//	auth.Coordinator       fallback table (hot reload)
//	   │
//	   ▼
//	session.Manager ── session.Queue ── conversation backend
//
// Run wires the pieces from a config.Config and blocks until the context
// is canceled or the HTTP server fails.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRelay/pkg/breaker"
	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/auth"
	"github.com/AleutianAI/AleutianRelay/services/provider"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/session"
	"github.com/AleutianAI/AleutianRelay/services/stream"
)

// Run starts the relay and blocks until ctx is canceled.
//
// # Description
//
// Builds every component from cfg, starts the background workers
// (persistence queue, session reconciler, config watcher), and serves
// HTTP. Shutdown is graceful: the HTTP server drains in-flight streams,
// then the persistence queue makes a final flush.
//
// # Inputs
//
//   - ctx: Cancellation stops the service.
//   - cfg: Loaded configuration. Must not be nil.
//   - configPath: Path Watch reloads fallbacks from. Empty disables
//     hot reload.
//
// # Outputs
//
//   - error: Non-nil if startup or serving failed. Context cancellation
//     is a clean shutdown, not an error.
func Run(ctx context.Context, cfg *config.Config, configPath string) error {
	if cfg == nil {
		return fmt.Errorf("relay: config is required")
	}

	observability.InitMetrics()
	metrics := observability.DefaultMetrics

	traceShutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "aleutian-relay",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		Exporter:       cfg.TraceExporter,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(shutdownCtx); err != nil {
			slog.Warn("Trace shutdown incomplete", "error", err)
		}
	}()

	// Credential coordination against the identity service.
	creds := auth.NewCoordinator(auth.Config{
		Identity: auth.NewIdentityClient(cfg.IdentityURL, nil),
		Tokens: auth.TokenSourceFunc(func(context.Context) (string, error) {
			if cfg.RefreshToken == "" {
				return "", fmt.Errorf("no refresh token configured")
			}
			return cfg.RefreshToken, nil
		}),
	})

	// Conversation backend, journal, session manager, persistence queue.
	backend := session.NewConversationClient(cfg.BackendURL, nil, func() string {
		if cred, ok := creds.Current(); ok {
			return cred.APIKey
		}
		return ""
	})

	var journal *session.Journal
	if cfg.Queue.JournalPath != "" {
		journal, err = session.OpenJournal(cfg.Queue.JournalPath)
	} else {
		journal, err = session.OpenInMemoryJournal()
	}
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	queue := session.NewQueue(session.QueueConfig{
		Backend:        backend,
		Journal:        journal,
		Window:         cfg.Queue.CoalesceWindow,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BatchSupported: cfg.Queue.BatchSupported,
		OnPersisted: func(datatypes.ChatTurn) {
			metrics.RecordPersistenceWrite()
		},
		OnDegraded: func(turn datatypes.ChatTurn, cause error) {
			metrics.RecordPersistenceDegraded()
			slog.Error("Turn abandoned after retry budget",
				"sessionId", turn.SessionID,
				"error", cause,
			)
		},
	})
	if err := queue.ResumeFromJournal(); err != nil {
		slog.Warn("Journal resume failed, starting with empty queue", "error", err)
	}

	sessions := session.NewManager(session.ManagerConfig{
		Backend: backend,
		Journal: journal,
	})
	// Buffered writes follow the session when a placeholder is
	// reconciled to its real backend ID.
	sessions.OnRekey(queue.Rekey)

	// Per-model circuit breaking, with state transitions exported.
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		OnStateChange: func(key string, from, to breaker.CircuitState) {
			metrics.RecordBreakerTransition(key, to.String())
			slog.Warn("Circuit state changed", "model", key, "from", from.String(), "to", to.String())
		},
	})

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return err
	}

	fallbacks := config.NewFallbackTable(cfg.Fallbacks)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(cfg.RateLimitBurst, 1))
	}

	coordinator := stream.NewCoordinator(stream.Config{
		Providers:        providers,
		Credentials:      creds,
		Sessions:         sessions,
		Persistence:      queue,
		Breakers:         breakers,
		Fallback:         fallbacks.Lookup,
		Limiter:          limiter,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		Backoff:          stream.DefaultBackoff(),
	})

	opts := buildOptions(cfg)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, coordinator, breakers, queue, opts)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		queue.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		sessions.RunReconciler(groupCtx)
		return nil
	})
	group.Go(func() error {
		return reportQueueDepth(groupCtx, queue, metrics)
	})
	if configPath != "" {
		group.Go(func() error {
			return config.Watch(groupCtx, configPath, fallbacks)
		})
	}
	group.Go(func() error {
		slog.Info("Relay listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
		queue.Close()
		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// buildProviders constructs the configured upstream clients.
func buildProviders(specs []config.ProviderConfig) (map[string]stream.Provider, error) {
	providers := make(map[string]stream.Provider, len(specs))
	for _, spec := range specs {
		switch spec.Kind {
		case "openai":
			providers[spec.Name] = provider.NewOpenAICompat(spec.Name, spec.BaseURL, nil)
		case "ndjson":
			providers[spec.Name] = provider.NewNDJSONProvider(spec.Name, spec.BaseURL, nil)
		default:
			// Load validates kinds; reaching this means a programming error.
			return nil, fmt.Errorf("relay: unknown provider kind %q", spec.Kind)
		}
		slog.Info("Registered provider", "name", spec.Name, "kind", spec.Kind)
	}
	return providers, nil
}

// buildOptions selects the extension implementations for this deployment.
func buildOptions(cfg *config.Config) extensions.ServiceOptions {
	opts := extensions.DefaultOptions()
	if cfg.JWTSecret != "" {
		opts = opts.WithAuth(extensions.NewJWTAuthProvider([]byte(cfg.JWTSecret)))
		slog.Info("JWT authentication enabled")
	}
	return opts
}

// reportQueueDepth samples the persistence queue into the depth gauge.
func reportQueueDepth(ctx context.Context, queue *session.Queue, metrics *observability.RelayMetrics) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.SetPersistenceQueueDepth(queue.Depth())
		}
	}
}
