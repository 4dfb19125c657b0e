package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarginLedger/internal/config"
	"MarginLedger/internal/core"
	"MarginLedger/internal/exchange"
	"MarginLedger/internal/fee"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/oracle"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"
	"MarginLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := observability.NewLoggerWithLevel("marginledger", observability.ParseLevel(cfg.LogLevel))
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("marginledger stopped")
	}
	log.Info().Msg("marginledger shutdown complete")
}

// collaborators are the oracle, the rate sink the feed writes to, and the execution venues.
type collaborators struct {
	oracle   oracle.Oracle
	rateSink ingestion.RateSink
	exchange exchange.Exchange
	ping     observability.Check // nil when there is no remote store
	closer   func() error
}

func buildCollaborators(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*collaborators, error) {
	sim := exchange.NewSimulator(cfg.AssetRegistry())
	static := oracle.NewStatic(cfg.Oracle.MaxAge.Duration, nil)
	if err := cfg.SeedPaper(sim, static); err != nil {
		return nil, err
	}

	if cfg.Mode == "paper" {
		log.Info().Int("venues", len(cfg.Paper.Venues)).Msg("paper mode: in-memory oracle and simulated venues")
		return &collaborators{oracle: static, rateSink: static, exchange: sim, closer: func() error { return nil }}, nil
	}

	rdb, err := oracle.NewRedisClient(ctx, oracle.RedisConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return nil, err
	}
	redisOracle := oracle.NewRedisOracle(rdb, cfg.Oracle.MaxAge.Duration)
	log.Info().Str("redis", cfg.Redis.Addr).Msg("live mode: redis oracle")
	return &collaborators{
		oracle:   redisOracle,
		rateSink: redisOracle,
		exchange: sim,
		ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		closer:   rdb.Close,
	}, nil
}

func openDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	health.AddCheck("postgres", db.PingContext)
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, migrationsFS(cfg.Service.MigrationsDir), log).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Domain configuration ---
	assets := cfg.AssetRegistry()
	pools, err := cfg.BuildPools(time.Now())
	if err != nil {
		return err
	}
	riskParams, err := cfg.BuildRiskParams()
	if err != nil {
		return err
	}
	schedule, err := cfg.BuildFeeSchedule()
	if err != nil {
		return err
	}
	collab, err := buildCollaborators(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer collab.closer()
	if collab.ping != nil {
		health.AddCheck("redis", collab.ping)
	}
	fees, err := fee.NewEngine(schedule, collab.oracle, assets)
	if err != nil {
		return err
	}

	// --- Core ---
	persistCore := make(chan core.CoreOutput, cfg.Service.PersistChanSize)
	projectionCore := make(chan core.CoreOutput, cfg.Service.ProjectionChanSize)
	engine, err := core.NewDeterministicCore(core.Config{
		Assets:         assets,
		Pools:          pools,
		RiskParams:     riskParams,
		Fees:           fees,
		Oracle:         collab.oracle,
		Exchange:       collab.exchange,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db, cfg.Postgres.IdempotencyTimeout.Duration),
		DedupCapacity:  cfg.Service.DedupCapacity,
		Metrics:        metrics,
		Logger:         log,
		PersistChan:    persistCore,
		ProjectionChan: projectionCore,
	})
	if err != nil {
		return err
	}

	snapshots := persistence.NewSnapshotManager(db)
	if err := recoverState(ctx, engine, snapshots, cfg.Service.StrictRecovery, log); err != nil {
		return err
	}

	persistOut := make(chan persistence.CoreOutput, cfg.Service.PersistChanSize)
	projectionOut := make(chan projection.ProjectionOutput, cfg.Service.ProjectionChanSize)
	projWorker := projection.NewProjectionWorker(db, projectionOut, metrics, log)
	if err := rebuildAndSeed(ctx, db, engine, projWorker, log); err != nil {
		return err
	}

	// --- NATS ---
	var (
		js          jetstream.JetStream
		subscriber  *ingestion.NATSSubscriber
		publishChan chan ingestion.PublishableEvent
	)
	commandsRaw := make(chan ingestion.RawEvent, cfg.Service.CommandChanSize)
	ratesRaw := make(chan ingestion.RawEvent, cfg.Service.CommandChanSize)
	if cfg.NATS.Enabled {
		nc, jsCtx, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
		js = jsCtx
		if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
			return err
		}
		subscriber = ingestion.NewNATSSubscriber(js, log)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(commandsRaw, ratesRaw)); err != nil {
			return err
		}
		publishChan = make(chan ingestion.PublishableEvent, cfg.Service.PublishChanSize)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	// --- Pipeline workers: drained after the core stops, so they get their own context ---
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	pipeline, pipelineCtx := errgroup.WithContext(drainCtx)

	persistWorker := persistence.NewPersistenceWorker(db, persistOut, cfg.Service.PersistBatchSize,
		cfg.Service.PersistFlushTimeout.Duration, metrics, log)
	pipeline.Go(func() error { return persistWorker.Run(pipelineCtx) })
	pipeline.Go(func() error { return projWorker.Run(pipelineCtx) })
	pipeline.Go(func() error {
		return bridgePersist(pipelineCtx, persistCore, persistOut, publishChan, metrics, log)
	})
	pipeline.Go(func() error { return bridgeProjection(pipelineCtx, projectionCore, projectionOut) })
	if publishChan != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, log)
		pipeline.Go(func() error { return publisher.Run(pipelineCtx) })
	}

	// --- Serving ---
	submissions := make(chan ingestion.Submission, cfg.Service.CommandChanSize)
	intake := ingestion.NewCommandIntake(submissions)

	srv, err := server.New(server.Config{
		GRPCAddr:       cfg.Service.GRPCAddr,
		HTTPAddr:       cfg.Service.HTTPAddr,
		CommandTimeout: cfg.Service.CommandTimeout.Duration,
	}, server.Deps{
		Query:  query.NewQueryService(db, assets),
		Intake: intake,
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, log)
		},
		Health:  health,
		Metrics: metrics,
		Log:     log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	coreDone := make(chan struct{})
	g.Go(func() error {
		defer close(coreDone)
		loop := &coreLoop{
			engine:      engine,
			snapshots:   snapshots,
			interval:    cfg.Service.SnapshotInterval,
			keep:        cfg.Service.SnapshotKeep,
			metrics:     metrics,
			log:         log.With().Str("component", "core-loop").Logger(),
			persist:     persistCore,
			submissions: submissions,
		}
		return loop.run(gctx)
	})

	if subscriber != nil {
		g.Go(func() error {
			return ingestion.RouteCommands(gctx, commandsRaw, submissions, func(raw ingestion.RawEvent, err error) {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping NATS command")
			})
		})
		feed := ingestion.NewRateFeed(collab.rateSink, ratesRaw, metrics, log)
		g.Go(func() error { return feed.Run(gctx) })
	}

	g.Go(func() error { return srv.ServeGRPC(gctx) })
	g.Go(func() error { return srv.ServeHTTP(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Service.MetricsAddr, log) })

	srv.SetServing(true)
	log.Info().
		Int64("next_sequence", engine.GetSequence()).
		Str("mode", cfg.Mode).
		Str("grpc", cfg.Service.GRPCAddr).
		Str("http", cfg.Service.HTTPAddr).
		Str("metrics", cfg.Service.MetricsAddr).
		Msg("marginledger ready")

	<-gctx.Done()
	log.Info().Msg("shutting down")
	srv.SetServing(false)
	intake.Close()
	if subscriber != nil {
		subscriber.Stop()
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// The core loop has returned: nothing sends on the core channels any more.
	<-coreDone
	close(persistCore)
	close(projectionCore)
	if err := pipeline.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("pipeline drain failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := takeSnapshot(shutdownCtx, engine, snapshots, cfg.Service.SnapshotKeep, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Int64("sequence", engine.GetSequence()-1).Msg("final snapshot saved")
	}
	return runErr
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
