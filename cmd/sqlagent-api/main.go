package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlagent/sqlagent/internal/api"
	"github.com/sqlagent/sqlagent/internal/archive"
	"github.com/sqlagent/sqlagent/internal/auth"
	"github.com/sqlagent/sqlagent/internal/cache"
	redisstore "github.com/sqlagent/sqlagent/internal/cache/redis"
	"github.com/sqlagent/sqlagent/internal/config"
	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/session"
	s3store "github.com/sqlagent/sqlagent/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlagent-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		logger.Error("failed to open session store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = repo.Close() }()

	durable, err := redisstore.New(redisstore.Config{
		URL:       cfg.Cache.RedisURL,
		KeyPrefix: cfg.Cache.KeyPrefix,
		OpTimeout: cfg.Cache.OpTimeout,
	})
	if err != nil {
		logger.Error("failed to initialize redis cache store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = durable.Close() }()

	connectorOpts := connector.Options{QueryTimeout: cfg.Target.QueryTimeout, MaxRows: cfg.Target.MaxRows}
	bindings := cache.New(durable, func(ctx context.Context, d connector.Descriptor) (*connector.Connector, error) {
		return connector.Open(ctx, d, connectorOpts)
	}, cache.Config{
		TTL:                cfg.Cache.TTL,
		RevalidateInterval: cfg.Cache.RevalidateInterval,
		IdleTTL:            cfg.Cache.IdleTTL,
		SweepInterval:      cfg.Cache.SweepInterval,
		DefaultDriver:      cfg.Target.DefaultDriver,
	}, logger)
	defer func() { _ = bindings.Close() }()
	go func() {
		if err := bindings.Run(ctx); err != nil {
			logger.Error("connector janitor stopped", slog.Any("error", err))
		}
	}()

	client, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
		MaxRetries:  cfg.AI.MaxRetries,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to initialize language model client", slog.Any("error", err))
		os.Exit(1)
	}
	translator, err := nl2sql.NewLLMTranslator(client, cfg.AI.Model)
	if err != nil {
		logger.Error("failed to initialize sql generator", slog.Any("error", err))
		os.Exit(1)
	}
	summarizer, err := nl2sql.NewLLMSummarizer(client)
	if err != nil {
		logger.Error("failed to initialize summarizer", slog.Any("error", err))
		os.Exit(1)
	}

	deps := session.Dependencies{
		Bindings:   bindings,
		Repository: repo,
		Completer:  client,
		Translator: translator,
		Summarizer: summarizer,
		Logger:     logger,
	}
	readiness := []api.ReadinessCheck{
		api.CheckStoreConfig(cfg),
		repo.HealthCheck,
		durable.Ping,
	}
	if cfg.Archive.Enabled {
		objectStore, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize transcript archive", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Archiver = archive.New(objectStore, logger)
		readiness = append(readiness, api.CheckArchiveConfig(cfg), objectStore.Ping)
	}

	orchestrator, err := session.New(session.Config{
		MaxSteps:      cfg.Agent.MaxSteps,
		BusyPolicy:    cfg.Agent.BusyPolicy,
		DefaultDriver: cfg.Target.DefaultDriver,
		IdleTTL:       cfg.Cache.IdleTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, deps)
	if err != nil {
		logger.Error("failed to initialize session orchestrator", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := orchestrator.Run(ctx); err != nil {
			logger.Error("session slot janitor stopped", slog.Any("error", err))
		}
	}()

	apiDeps := api.Dependencies{
		Logger:            logger,
		Sessions:          orchestrator,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		if validator.Len() == 0 {
			logger.Warn("auth is required but no static keys are configured; every request will be rejected")
		}
		apiDeps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, apiDeps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("store", cfg.Store.Backend),
			slog.Bool("archive", cfg.Archive.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
