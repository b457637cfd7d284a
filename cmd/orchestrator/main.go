package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/session-orchestrator/internal/callback"
	"github.com/p-blackswan/session-orchestrator/internal/config"
	"github.com/p-blackswan/session-orchestrator/internal/eventlog"
	"github.com/p-blackswan/session-orchestrator/internal/health"
	"github.com/p-blackswan/session-orchestrator/internal/httpapi"
	"github.com/p-blackswan/session-orchestrator/internal/index"
	"github.com/p-blackswan/session-orchestrator/internal/metrics"
	"github.com/p-blackswan/session-orchestrator/internal/sandbox"
	"github.com/p-blackswan/session-orchestrator/internal/session"
	"github.com/p-blackswan/session-orchestrator/internal/store"
	"github.com/p-blackswan/session-orchestrator/pkg/tokenstore"
)

const (
	tokenCleanupInterval = time.Hour
	eventRetention       = 30 * 24 * time.Hour
	pruneInterval        = 6 * time.Hour
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("runtime_mode", cfg.RuntimeMode).
		Bool("runtime_enabled", cfg.RuntimeEnabled()).
		Msg("starting session orchestrator")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Durable store shared by the index and the event log
	db, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer db.Close()

	m := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := db.Ping(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	ix := index.New(db.DB(), logger)
	events := eventlog.New(db.DB(), logger)
	tokens := tokenstore.NewMemoryStore()
	issuer := sandbox.NewTokenIssuer(cfg.SandboxTokenSecret)
	callbacks := callback.NewDelivery(cfg.CallbackSecret, cfg.CallbackTimeout, cfg.CallbackRetries, m, logger)

	// Sandbox runtime selection
	var runtime sandbox.Runtime
	switch {
	case cfg.RuntimeMode == "k8s" && cfg.RuntimeEnabled():
		pr, err := sandbox.NewPodRuntime(sandbox.PodRuntimeConfig{
			KubeconfigPath: cfg.KubeconfigPath,
			Namespace:      cfg.RuntimeNamespace,
			Image:          cfg.RuntimeImage,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init pod runtime")
		}
		runtime = pr
		logger.Info().Str("namespace", cfg.RuntimeNamespace).Msg("pod sandbox runtime initialized")
	case cfg.RuntimeMode == "http" && cfg.RuntimeEnabled():
		runtime = sandbox.NewHTTPRuntime(cfg.RuntimeURL, cfg.RuntimeToken, cfg.RuntimeTimeout, logger)
		logger.Info().Str("url", cfg.RuntimeURL).Msg("http sandbox runtime initialized")
	default:
		runtime = sandbox.NopRuntime{}
		logger.Warn().Msg("no sandbox runtime configured, sessions will not execute")
	}

	limits := session.Limits{
		MaxSpawnDepth:     cfg.Limits.MaxSpawnDepth,
		MaxActiveChildren: cfg.Limits.MaxActiveChildren,
		MaxTotalChildren:  cfg.Limits.MaxTotalChildren,
		ReplayPageSize:    cfg.Limits.ReplayPageSize,
		EventWindowSize:   cfg.Limits.EventWindowSize,
		WSTokenTTL:        cfg.WSTokenTTL,
		DefaultModel:      cfg.Limits.DefaultModel,
	}

	registry := session.NewRegistry(session.Deps{
		Index:     ix,
		Log:       events,
		Tokens:    tokens,
		Runtime:   runtime,
		Issuer:    issuer,
		Callbacks: callbacks,
		Metrics:   m,
		Logger:    logger,
		Limits:    limits,
	})
	spawner := session.NewSpawner(registry, limits, m, logger)

	server := httpapi.NewServer(httpapi.Config{
		ListenAddr:  cfg.ListenAddr,
		CORSOrigins: cfg.CORSOrigins,
	}, registry, spawner, ix, checker, m, issuer, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	go tokenCleanupLoop(ctx, tokens, logger)
	go eventPruneLoop(ctx, ix, events, logger)

	// Wait for shutdown signal
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	logger.Info().Msg("session orchestrator stopped")
}

// tokenCleanupLoop evicts expired WebSocket tokens.
func tokenCleanupLoop(ctx context.Context, tokens tokenstore.Store, logger zerolog.Logger) {
	ticker := time.NewTicker(tokenCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tokens.Cleanup(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("token cleanup failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("removed", n).Msg("expired ws tokens cleaned up")
			}
		}
	}
}

// eventPruneLoop trims old events from terminal sessions. Live sessions keep
// their full history for replay.
func eventPruneLoop(ctx context.Context, ix *index.Index, events *eventlog.Log, logger zerolog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneTerminalSessions(ctx, ix, events, logger)
		}
	}
}

func pruneTerminalSessions(ctx context.Context, ix *index.Index, events *eventlog.Log, logger zerolog.Logger) {
	cutoff := time.Now().Add(-eventRetention)
	for _, status := range []string{index.StatusArchived, index.StatusCompleted, index.StatusCancelled} {
		recs, err := ix.List(ctx, status, 500, 0)
		if err != nil {
			logger.Error().Err(err).Str("status", status).Msg("listing sessions for prune")
			return
		}
		for _, rec := range recs {
			n, err := events.Prune(ctx, rec.ID, cutoff)
			if err != nil {
				logger.Error().Err(err).Str("session_id", rec.ID).Msg("pruning events")
				continue
			}
			if n > 0 {
				logger.Info().Str("session_id", rec.ID).Int("removed", n).Msg("old events pruned")
			}
		}
	}
}
