package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/config"
	"github.com/tonsurance/hedge-engine/internal/coordinator"
	"github.com/tonsurance/hedge-engine/internal/keeper"
	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/montecarlo"
	"github.com/tonsurance/hedge-engine/internal/pricing"
	"github.com/tonsurance/hedge-engine/internal/report"
	"github.com/tonsurance/hedge-engine/internal/reserve"
	"github.com/tonsurance/hedge-engine/internal/risk"
	"github.com/tonsurance/hedge-engine/internal/service"
	"github.com/tonsurance/hedge-engine/internal/store"
	"github.com/tonsurance/hedge-engine/internal/venue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(os.Getenv("HEDGE_CONFIG"))
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if cfg.Database.URL != "" {
			// Wrap with Redis read-through cache.
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	}

	// --- Reserve refill sink ---
	var sink reserve.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		ks := reserve.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() { ks.Close() })
		sink = ks
		slog.Info("publishing reserve refills to Kafka", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	} else {
		slog.Warn("kafka brokers not set, reserve refills are kept in memory")
		sink = reserve.NewMemorySink()
	}

	// --- WebSocket hub ---
	hub := service.NewWSHub(logger)
	go hub.Run(ctx)

	// --- Hedge coordinator ---
	coord := coordinator.New(st, cfg.CoordinatorIdentities(), sink,
		coordinator.WithLogger(logger),
		coordinator.WithNotifier(hub),
	)

	// --- Venue connectors and keepers ---
	connectors := make([]venue.Connector, 0, len(model.Venues))
	keepers := make([]*keeper.Keeper, 0, len(model.Venues))
	for _, v := range model.Venues {
		conn := newConnector(cfg, v, logger)
		connectors = append(connectors, conn)
		keepers = append(keepers, keeper.New(cfg.KeeperConfig(v), conn, coord, logger.With("venue", v)))
	}

	// --- Pricing oracle and risk calculator ---
	// The oracle sizes hedge costs with the calculator's live hedge ratio.
	var calc *risk.Calculator
	oracle := pricing.NewOracle(cfg.PricingConfig(),
		pricing.WithLogger(logger),
		pricing.WithRatioSource(pricing.RatioFunc(func() decimal.Decimal { return calc.HedgeRatio() })),
	)
	calc = risk.NewCalculator(st, oracle, cfg.RiskConfig(), logger)

	var book pricing.QuoteBook = pricing.NewMemoryQuoteBook()
	if rdb != nil {
		book = pricing.NewRedisQuoteBook(rdb)
	}
	quoter := pricing.NewQuoter(oracle, book, logger)
	updater := pricing.NewUpdater(cfg.UpdaterConfig(), oracle, connectors, logger)

	dispatcher := keeper.NewDispatcher(keepers, oracle, calc, cfg.OptimizerConstraints(), cfg.FallbackWeights(), logger)

	// --- Monte Carlo engine and risk report ---
	scenarios := montecarlo.MultiSource{
		montecarlo.StaticSource(cfg.Scenarios),
		montecarlo.StoreSource{Store: st},
		montecarlo.HistoricalSource{
			Events:   cfg.HistoricalEvents,
			HalfLife: cfg.MonteCarlo.HistoricalHalfLife,
		},
	}
	engine := montecarlo.NewEngine(cfg.MonteCarloConfig(), scenarios, logger)
	builder := report.NewBuilder(cfg.ReportConfig(), st, calc, engine, logger)
	scheduler, err := report.NewScheduler(cfg.Report.Schedule, cfg.Report.Timeout, builder, logger)
	if err != nil {
		slog.Error("invalid report schedule", "err", err)
		os.Exit(1)
	}

	// --- Background workers ---
	for _, k := range keepers {
		if err := k.Start(ctx); err != nil {
			slog.Error("keeper start failed", "venue", k.Venue(), "err", err)
			os.Exit(1)
		}
		go keeper.NewRetrier(k, logger).Run(ctx)
	}
	if err := updater.Start(ctx); err != nil {
		slog.Error("oracle updater start failed", "err", err)
		os.Exit(1)
	}
	scheduler.Start()

	// --- HTTP server ---
	svc := service.NewService(service.Deps{
		Store:       st,
		Coordinator: coord,
		Quoter:      quoter,
		Dispatcher:  dispatcher,
		Limiter:     cfg.ConcentrationLimiter(),
		Risk:        calc,
		Reports:     builder,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      service.NewRouter(svc, hub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("hedge-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down hedge-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		slog.Error("report scheduler stop error", "err", err)
	}
	if err := updater.Stop(shutdownCtx); err != nil {
		slog.Error("oracle updater stop error", "err", err)
	}
	for _, k := range keepers {
		if err := k.Stop(shutdownCtx); err != nil {
			slog.Error("keeper stop error", "venue", k.Venue(), "err", err)
		}
	}
	fmt.Println("hedge-engine stopped")
}

// newConnector returns the venue's HTTP connector, or a simulator quoting
// fixed terms when no base URL is configured.
func newConnector(cfg *config.Config, v model.Venue, logger *slog.Logger) venue.Connector {
	vc := cfg.Venues[v]
	if vc.BaseURL != "" {
		opts := append(cfg.ConnectorOptions(v), venue.WithLogger(logger))
		return venue.NewHTTPConnector(v, vc.BaseURL, vc.APIKey, opts...)
	}

	slog.Warn("venue base url not set, using simulator", "venue", v)
	sim := venue.NewSimulator(v)
	rates := map[model.Venue]decimal.Decimal{
		model.VenuePredictionMarket: decimal.NewFromFloat(0.025),  // odds
		model.VenuePerpetuals:       decimal.NewFromFloat(-0.005), // daily funding
		model.VenueReinsurance:      decimal.NewFromFloat(4.5),    // per $1000
	}
	for _, ct := range model.CoverageTypes {
		sim.SetQuote(ct, rates[v], decimal.NewFromInt(1_000_000), 0.9)
	}
	return sim
}
