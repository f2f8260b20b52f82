package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarginLedger/internal/config"
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("MARGIN_CONFIG"), "path to marginledger.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observability.SetDefaultLevel(cfg.LogLevel)
	logger := observability.NewLogger("main")
	logger.Info().Msg("MarginLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
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
	logger.Info().Msg("postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", func() error {
		pingCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		return db.PingContext(pingCtx)
	})

	// --- Market bootstrap ---
	oracle, registry, err := cfg.BuildMarket()
	if err != nil {
		logger.Fatal().Err(err).Msg("build market")
	}
	procCfg, err := cfg.ProcessorConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("processor config")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure); the publish channel drops.
	persistChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.Core.PublishChanSize)
	outboundChan := make(chan core.CoreOutput, cfg.Core.PublishChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Core.PublishChanSize)

	// --- Core ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	processor, err := core.NewProcessor(procCfg, oracle, registry, persistChan, publishChan, dbChecker, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("create processor")
	}

	// --- Recovery: load snapshot + replay ---
	snapStore := persistence.NewSnapshotStore(db)
	recovery := persistence.NewRecovery(snapStore, ingestion.DecodePayload)
	recovered, err := recovery.Run(ctx, processor)
	if err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}
	hash := processor.GetStateHash()
	logger.Info().
		Int64("snapshot_sequence", recovered.SnapshotSequence).
		Int64("replayed", recovered.Replayed).
		Int64("next_sequence", processor.GetSequence()).
		Hex("state_hash", hash[:]).
		Msg("recovery complete")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func() error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, metrics)
	outboundPublisher := ingestion.NewOutboundPublisher(js, outboundChan)

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics)
	projWorker := projection.NewProjectionWorker(db, projectionChan)
	snapshotter := persistence.NewSnapshotter(snapStore, processor, cfg.Core.SnapshotInterval, metrics)

	// --- gRPC + HTTP gateway ---
	queryService := query.NewQueryService(processor, db, metrics)
	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		QueryService:  queryService,
		Snapshotter:   snapshotter,
		HealthChecker: healthChecker,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// The persistence worker drains after cancel, so it runs on its own
	// context and stops when persistChan is closed.
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(context.Background()); err != nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	go fanOut(ctx, publishChan, metrics, outboundChan, projectionChan)

	commandsDone := make(chan struct{})
	go func() {
		defer close(commandsDone)
		runIngestionLoop(ctx, rawEventChan, processor, metrics, logger)
	}()

	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	go func() {
		errChan <- snapshotter.Run(ctx)
	}()

	go monitorChannels(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"outbound":   func() (int, int) { return len(outboundChan), cap(outboundChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"inbound":    func() (int, int) { return len(rawEventChan), cap(rawEventChan) },
	})

	go func() {
		if err := serveMetrics(ctx, cfg.Server.MetricsAddr, logger); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Ready once recovery is done and every goroutine is started.
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", processor.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("MarginLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the command loop finish, flush persistence, then take
	// a final snapshot.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	cancel()
	<-commandsDone

	close(persistChan)
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence worker did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := snapshotter.Take(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", processor.GetSequence()-1).Msg("final snapshot saved")
	}

	logger.Info().Msg("MarginLedger shutdown complete")
}

// runIngestionLoop parses raw NATS messages and applies them to the core.
// Messages are acked once parsed and queued, not after apply: rejected
// commands are logged and counted, never redelivered.
func runIngestionLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawEvent,
	processor *core.Processor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	type queued struct {
		evt      event.Event
		received time.Time
	}
	typedEventChan := make(chan queued, 4096)

	go func() {
		defer close(typedEventChan)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					return
				}

				evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
				if err != nil {
					metrics.ParseErrors.WithLabelValues(raw.Subject).Inc()
					logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
					raw.AckFunc() // Invalid commands are acked to avoid a redelivery loop
					continue
				}

				select {
				case typedEventChan <- queued{evt: evt, received: raw.Timestamp}:
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	for q := range typedEventChan {
		out, err := processor.ProcessEvent(q.evt)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("command", q.evt.EventType().String()).
				Str("key", q.evt.IdempotencyKey()).
				Msg("command rejected")
			continue
		}
		if out == nil {
			continue // duplicate
		}
		metrics.IngestToApply.WithLabelValues(q.evt.EventType().String()).Observe(time.Since(q.received).Seconds())
	}
}

// fanOut copies every published output to the outbound publisher and the
// projection worker. Both are best effort: a full channel drops.
func fanOut(ctx context.Context, in <-chan core.CoreOutput, metrics *observability.Metrics, outs ...chan<- core.CoreOutput) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			for _, ch := range outs {
				select {
				case ch <- out:
				default:
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func monitorChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, stat := range channels {
				size, capacity := stat()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
