package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/market"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/query"
	"PerpVAMM/internal/server"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("main")
	if err := godotenv.Load(); err != nil {
		logger.Debug().Err(err).Msg("no .env file loaded")
	}
	logger.Info().Msg("PerpVAMM starting...")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	cfg := DefaultConfig()

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()

	// --- Markets ---
	marketsFile, err := LoadMarketsFile(cfg.MarketsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.MarketsFile).Msg("load markets")
	}
	registry := market.NewMemoryRegistry()
	now := time.Now()
	for _, mc := range marketsFile.Markets {
		m, err := mc.Build(now)
		if err != nil {
			logger.Fatal().Err(err).Msg("build market")
		}
		if err := registry.Register(m); err != nil {
			logger.Fatal().Err(err).Str("market", mc.ID).Msg("register market")
		}
		logger.Info().Str("market", m.ID).Str("token", m.Token).Bool("paused", m.Paused).Msg("market registered")
	}

	// --- Roles ---
	dir := auth.NewDirectory()
	if err := dir.GrantList(cfg.Liquidators, auth.RoleLiquidator); err != nil {
		logger.Fatal().Err(err).Msg("parse PERP_LIQUIDATORS")
	}
	if err := dir.GrantList(cfg.Admins, auth.RoleAdmin); err != nil {
		logger.Fatal().Err(err).Msg("parse PERP_ADMINS")
	}

	// --- Custody, fees, oracle ---
	wallets := ledger.NewMemoryLedger()

	treasury, err := uuid.Parse(cfg.TreasuryAccount)
	if err != nil {
		treasury = uuid.New()
		logger.Warn().Str("treasury", treasury.String()).Msg("PERP_TREASURY_ACCOUNT unset or invalid, using a generated account")
	}
	fees, err := state.NewFeeDistributor(wallets, state.NewInsuranceFund(), treasury, cfg.InsuranceShareBps)
	if err != nil {
		logger.Fatal().Err(err).Msg("fee distributor")
	}
	feed := oracle.NewCommitRevealFeed(cfg.OracleRevealWindow)

	// --- Postgres (optional) ---
	var (
		db          *sql.DB
		dbChecker   core.DBIdempotencyChecker
		persistChan chan *event.EventEnvelope
		journalChan chan []ledger.Journal
		lastSeq     int64
		tip         [32]byte
	)
	if cfg.PostgresURL != "" {
		db, err = sql.Open("postgres", cfg.PostgresURL)
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
		logger.Info().Msg("Postgres connected")
		healthChecker.AddCheck("postgres", db.PingContext)

		if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")

		lastSeq, tip, err = persistence.NewEventLogReader(db).Tip(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("read event log tip")
		}

		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
		persistChan = make(chan *event.EventEnvelope, cfg.PersistChanSize)
		journalChan = make(chan []ledger.Journal, cfg.PersistChanSize)
		wallets.SetJournalSink(journalChan)
	} else {
		logger.Warn().Msg("PERP_POSTGRES_DSN unset, events are not persisted")
	}

	idempotency := core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, dbChecker)
	if pg, ok := dbChecker.(*persistence.PostgresIdempotencyChecker); ok {
		keys, err := pg.RecentKeys(ctx, cfg.IdempotencyLRUCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load recent request ids")
		} else {
			idempotency.Warm(keys)
			logger.Info().Int("keys", len(keys)).Msg("request id cache warmed")
		}
	}

	// --- Engine ---
	projectionChan := make(chan *event.EventEnvelope, cfg.ProjectionChanSize)
	coreLogger := observability.NewLogger("core")
	engineDeps := core.Deps{
		Registry:    registry,
		Positions:   state.NewPositionStore(),
		Ledger:      wallets,
		Feed:        feed,
		Fees:        fees,
		Idempotency: idempotency,
		Metrics:     metrics,
		Logger:      &coreLogger,
		Persist:     persistChan,
		Projection:  projectionChan,
	}
	engine, err := core.NewEngine(core.Config{
		OracleMaxAge: cfg.OracleMaxAge,
		TwapWindow:   cfg.TwapWindow,
	}, engineDeps)
	if err != nil {
		logger.Fatal().Err(err).Msg("build engine")
	}
	if lastSeq > 0 {
		engine.Resume(lastSeq, tip)
		logger.Info().Int64("sequence", lastSeq).Msg("event sequence resumed")
	}

	// --- Redis projection (optional) ---
	var (
		history   query.History
		redisChan chan *event.EventEnvelope
		store     *projection.RedisStore
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse PERP_REDIS_URL")
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis ping")
		}
		logger.Info().Msg("Redis connected")
		healthChecker.AddCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		store = projection.NewRedisStore(rdb, int64(cfg.RedisHistoryCap))
		history = store
		redisChan = make(chan *event.EventEnvelope, cfg.ProjectionChanSize)
	}

	// --- Oracle ingestion ---
	rawEventChan := make(chan ingestion.RawEvent, 4096)
	priceProcessor := ingestion.NewPriceProcessor(feed, ingestion.DefaultSubjects(), metrics)
	ingestService := ingestion.NewManualIngestService(rawEventChan)

	// --- NATS (optional) ---
	var (
		natsSubscriber *ingestion.NATSSubscriber
		publisher      *ingestion.OutboundPublisher
		publishChan    chan *event.EventEnvelope
	)
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		logger.Info().Msg("NATS connected")
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure outbound stream")
		}

		natsSubscriber = ingestion.NewNATSSubscriber(js, rawEventChan)
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		publishChan = make(chan *event.EventEnvelope, 4096)
		publisher = ingestion.NewOutboundPublisher(js, publishChan, metrics)
	}

	// --- HTTP ---
	hub := server.NewWSHub(metrics)
	hubChan := make(chan *event.EventEnvelope, cfg.ProjectionChanSize)
	queryService := query.NewQueryService(history, engine, wallets, db)
	httpServer := server.New(cfg.HTTPAddr, server.Deps{
		Engine:  engine,
		Markets: registry,
		Dir:     dir,
		Query:   queryService,
		Ingest:  ingestService,
		Wallets: wallets,
		Hub:     hub,
		Metrics: metrics,
		Health:  healthChecker,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var producers sync.WaitGroup // everything that can drive the engine

	// 1. Persistence worker, on its own context so it outlives the producers
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persistDone := make(chan struct{})
	if persistChan != nil {
		persistWorker := persistence.NewPersistenceWorker(db, persistChan, journalChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
		go func() {
			defer close(persistDone)
			if err := persistWorker.Run(persistCtx); err != nil {
				errChan <- fmt.Errorf("persistence worker: %w", err)
			}
		}()
	} else {
		close(persistDone)
	}

	// 2. Fan-out of committed envelopes to the hub, projection and publisher
	go func() {
		fanOut(ctx, projectionChan, metrics, map[string]chan<- *event.EventEnvelope{
			"ws":      hubChan,
			"redis":   redisChan,
			"publish": publishChan,
		})
	}()

	// 3. WebSocket hub
	go func() {
		if err := hub.Run(ctx, hubChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("ws hub: %w", err)
		}
	}()

	// 4. Redis projection worker
	if store != nil {
		projWorker := projection.NewProjectionWorker(engine, store, redisChan, metrics)
		go func() {
			if err := projWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("projection worker: %w", err)
			}
		}()
	}

	// 5. Outbound publisher
	if publisher != nil {
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("outbound publisher: %w", err)
			}
		}()
	}

	// 6. Oracle messages (NATS and admin injection) -> commit-reveal feed
	go func() {
		if err := priceProcessor.Run(ctx, rawEventChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("price processor: %w", err)
		}
	}()

	// 7. HTTP API
	producers.Add(1)
	go func() {
		defer producers.Done()
		if err := httpServer.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// 8. Periodic funding poke
	if cfg.FundingPokeInterval > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			runFundingPoker(ctx, engine, registry, cfg.FundingPokeInterval, logger)
		}()
	}

	// 9. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 10. Channel gauges
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
				metrics.SetChannelMetrics("oracle_raw", len(rawEventChan), cap(rawEventChan))
				if persistChan != nil {
					metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				}
			}
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Int("markets", len(registry.List())).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpVAMM ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down...")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down...")
	}

	// --- Graceful shutdown ---
	// Stop every producer before closing the persist channel; the engine
	// sends on it without checking.
	healthChecker.SetReady(false)
	cancel()
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	producers.Wait()

	if persistChan != nil {
		wallets.SetJournalSink(nil)
		close(persistChan)
		close(journalChan)
	}

	select {
	case <-persistDone:
		logger.Info().Msg("persistence flushed")
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence flush timed out")
		persistCancel()
	}

	logger.Info().Msg("PerpVAMM shutdown complete")
}

// fanOut copies every committed envelope to each configured consumer. A full
// consumer loses the envelope rather than stalling the others.
func fanOut(ctx context.Context, in <-chan *event.EventEnvelope, metrics *observability.Metrics, outs map[string]chan<- *event.EventEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			for name, out := range outs {
				if out == nil {
					continue
				}
				select {
				case out <- env:
				default:
					metrics.ProjectionDrops.WithLabelValues(name).Inc()
				}
			}
		}
	}
}

// runFundingPoker accrues funding on every live market at a fixed interval
// so idle markets keep an up-to-date index.
func runFundingPoker(ctx context.Context, engine *core.Engine, markets server.MarketLister, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range markets.List() {
				if _, err := engine.PokeFunding(ctx, id); err != nil {
					switch core.Classify(err) {
					case core.CategoryPaused, core.CategoryStalePrice:
						logger.Debug().Err(err).Str("market", id).Msg("funding poke skipped")
					default:
						logger.Warn().Err(err).Str("market", id).Msg("funding poke failed")
					}
				}
			}
		}
	}
}
