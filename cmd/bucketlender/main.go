package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BucketLender/internal/config"
	"BucketLender/internal/core"
	"BucketLender/internal/event"
	"BucketLender/internal/ingestion"
	"BucketLender/internal/keeper"
	"BucketLender/internal/observability"
	"BucketLender/internal/persistence"
	"BucketLender/internal/projection"
	"BucketLender/internal/query"
	"BucketLender/internal/server"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
)

func main() {
	_ = godotenv.Load()
	logger := observability.NewLogger("main")
	logger.Info().Msg("BucketLender starting")

	cfg := config.LoadProcess()
	lenderCfg, err := config.LoadLender(cfg.LenderConfig)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.LenderConfig).Msg("lender config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Workers outlive ctx so they can drain what the core already emitted.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(nil)
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	// --- Deterministic core ---
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	idempotencyDB := persistence.NewPostgresIdempotencyChecker(db)
	deterministicCore, err := core.NewDeterministicCore(core.Config{
		Lender:         lenderCfg.Config,
		Vault:          lenderCfg.Vault,
		LRUCapacity:    cfg.LRUCapacity,
		DBChecker:      idempotencyDB,
		Metrics:        metrics,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build core")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ctx, deterministicCore, snapMgr, idempotencyDB, cfg.LRUCapacity, metrics); err != nil {
		logger.Fatal().Err(err).Msg("recovery")
	}
	if err := projection.Rebuild(ctx, db); err != nil {
		logger.Fatal().Err(err).Msg("rebuild projections")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	health.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	rawChan := make(chan ingestion.RawEvent, cfg.EventChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Services ---
	submitChan := make(chan ingestion.Submission, cfg.EventChanSize)
	ingestService := ingestion.NewIngestService(submitChan, event.PartitionAPI)
	queryService := query.NewQueryService(db)

	api := server.NewAPIServer(server.APIConfig{
		Addr:           cfg.HTTPAddr,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, ingestService, queryService, metrics)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr)
	opsServer := server.NewOpsServer(cfg.OpsAddr, health, nil)

	lenderKeeper := keeper.New(ingestService, metrics)
	if err := lenderKeeper.Register(cfg.RebalanceSchedule); err != nil {
		logger.Fatal().Err(err).Msg("keeper schedule")
	}

	// --- Goroutines ---
	errChan := make(chan error, 8)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlush, metrics)
	persistWorker.Forward(publishChan)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence: %w", err)
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	go projWorker.Run(workerCtx)

	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
	go publisher.Run(workerCtx)

	snapshots := make(chan *core.SnapshotState, 1)
	go runSnapshots(ctx, snapshots, snapMgr, persistWorker.LastPersisted, metrics)

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		runCore(ctx, deterministicCore, coreInputs{
			raw:          rawChan,
			submissions:  submitChan,
			snapshotTick: time.NewTicker(cfg.SnapshotInterval).C,
			snapshots:    snapshots,
			persistChan:  persistChan,
		}, metrics)
	}()

	go func() { errChan <- api.Start(ctx) }()
	go func() { errChan <- grpcServer.Start(ctx) }()
	go func() { errChan <- opsServer.Start(ctx) }()
	go lenderKeeper.Start(ctx)

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("ops", cfg.OpsAddr).
		Msg("BucketLender ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	health.SetReady(false)
	grpcServer.SetServing(false)
	subscriber.Stop()
	cancel()
	<-coreDone

	// Only the core sends on these; let the workers drain them.
	close(persistChan)
	close(projectionChan)
	<-persistDone
	close(publishChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := takeSnapshot(shutdownCtx, snapMgr, deterministicCore.CreateSnapshotState(), persistWorker.LastPersisted, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	cancelWorkers()

	logger.Info().Msg("BucketLender shutdown complete")
}
