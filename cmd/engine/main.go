package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/disaster-incident-service/internal/adapter/aieval"
	"github.com/couchcryptid/disaster-incident-service/internal/adapter/httpapi"
	kafkaadapter "github.com/couchcryptid/disaster-incident-service/internal/adapter/kafka"
	"github.com/couchcryptid/disaster-incident-service/internal/adapter/ops"
	"github.com/couchcryptid/disaster-incident-service/internal/cluster"
	"github.com/couchcryptid/disaster-incident-service/internal/config"
	"github.com/couchcryptid/disaster-incident-service/internal/lifecycle"
	"github.com/couchcryptid/disaster-incident-service/internal/notify"
	"github.com/couchcryptid/disaster-incident-service/internal/observability"
	"github.com/couchcryptid/disaster-incident-service/internal/pipeline"
	"github.com/couchcryptid/disaster-incident-service/internal/scoring"
	"github.com/couchcryptid/disaster-incident-service/internal/store"
	"github.com/couchcryptid/disaster-incident-service/internal/trust"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Trust table: data, not code, so weights can be tuned without a redeploy.
	table := trust.Default()
	if cfg.TrustTablePath != "" {
		table, err = trust.Load(cfg.TrustTablePath)
		if err != nil {
			logger.Error("failed to load trust table", "error", err, "path", cfg.TrustTablePath)
			os.Exit(1)
		}
		logger.Info("trust table loaded", "path", cfg.TrustTablePath)
	}

	// Store: Postgres when DB_URL is set, in-memory otherwise.
	var st store.Store
	if cfg.DBURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DBURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		st = pg
		logger.Info("postgres store ready")
	} else {
		st = store.NewMemory()
		logger.Warn("no DB_URL set, using in-memory store")
	}

	// AI evaluation collaborator (feature-flagged via AIEVAL_ENABLED / AIEVAL_URL).
	var evaluator scoring.Evaluator
	if cfg.AIEvalEnabled {
		evaluator = aieval.NewClient(cfg.AIEvalURL, cfg.AIEvalToken, cfg.AIEvalTimeout, cfg.AIEvalRate, metrics)
		metrics.AIEvalEnabled.Set(1)
		logger.Info("ai evaluation enabled", "timeout", cfg.AIEvalTimeout, "rate", cfg.AIEvalRate)
	} else {
		logger.Info("ai evaluation disabled, rule-based scoring only")
	}

	clusterer := cluster.New(cluster.Config{
		RadiusKM:   cfg.Policy.ClusterRadiusKM,
		IdleWindow: cfg.Policy.ClusterIdleWindow,
	}, clock, logger, metrics)
	scorer := scoring.New(table, cfg.Policy)
	manager := lifecycle.New(st, scorer, evaluator, cfg.Policy, clock, logger, metrics)
	dispatcher := notify.New(st, cfg.Policy, clock, logger, metrics)
	engine := pipeline.NewEngine(st, clusterer, manager, dispatcher, logger, metrics)

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)

	p := pipeline.New(reader, engine, writer, clusterer, dispatcher, st,
		clock, logger, metrics, cfg.BatchSize, cfg.MaintenanceInterval)

	opsSrv := ops.NewServer(cfg.HTTPAddr, p, logger)
	apiRouter := httpapi.NewRouter(cfg.APIKeys, engine, manager, dispatcher, st, clock, logger)
	apiSrv := &http.Server{Addr: cfg.APIAddr, Handler: apiRouter}

	go func() {
		if err := opsSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", "error", err)
		}
	}()
	go func() {
		logger.Info("api server starting", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", "error", err)
		}
	}()
	go func() {
		if err := p.RunMaintenance(ctx); err != nil {
			logger.Error("maintenance loop error", "error", err)
		}
	}()
	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", "error", err)
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}

	logger.Info("shutdown complete")
}
