package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"market_session/internal/api"
	"market_session/internal/cache"
	"market_session/internal/domain"
	"market_session/internal/eod"
	"market_session/internal/feed"
	"market_session/internal/infra"
	"market_session/internal/infra/storage"
	"market_session/internal/infra/stream"
	"market_session/internal/infra/upstream"
	"market_session/internal/order"
	"market_session/internal/scheduler"
	"market_session/internal/service"
	"market_session/internal/session"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config     *infra.Config
	Logger     *slog.Logger
	Metrics    *infra.Metrics
	Storage    *storage.Storage
	Clock      *session.Clock
	Quotes     *service.QuoteCache
	Indices    *service.IndexBoard
	Results    *cache.ResultCache
	Aggregates *service.Aggregates
	Upstream   *upstream.Client
	Pending    *order.PendingQueue
	Engine     *order.Engine
	Scheduler  *scheduler.Scheduler
	Server     *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads configuration, opens storage, seeds the catalog and wires every component.
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping market session engine...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Metrics = infra.NewMetrics()

	// 3. Session clock
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}
	b.Clock = session.NewClock(sessionCfg)

	// 4. Initialize Storage (DB)
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("driver", cfg.Database.Driver))

	// 5. Seed catalog and accounts
	if err := b.SeedCatalog(); err != nil {
		return err
	}

	return b.wire()
}

// SeedCatalog upserts the configured instruments and creates missing demo accounts.
func (b *Bootstrap) SeedCatalog() error {
	if err := b.Storage.SeedInstruments(b.Config.Market.Instruments); err != nil {
		return err
	}
	for _, u := range b.Config.Market.Users {
		if err := b.Storage.EnsureUser(&domain.User{ID: u.ID, Name: u.Name, Balance: u.Balance}); err != nil {
			return fmt.Errorf("seed user %d: %w", u.ID, err)
		}
	}
	slog.Info("✅ Catalog seeded",
		slog.Int("instruments", len(b.Config.Market.Instruments)),
		slog.Int("users", len(b.Config.Market.Users)),
	)
	return nil
}

func (b *Bootstrap) wire() error {
	cfg := b.Config
	logger := b.Logger

	stocks, err := b.Storage.ActiveStocks(context.Background())
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	instruments := make([]domain.Instrument, 0, len(stocks))
	symbols := make([]string, 0, len(stocks))
	for i := range stocks {
		instruments = append(instruments, stocks[i].Instrument())
		symbols = append(symbols, stocks[i].Symbol)
	}

	b.Quotes = service.NewQuoteCache(nil)
	b.Indices = service.NewIndexBoard(service.NewQuoteCache(nil), cfg.Indices.List)
	b.Results = cache.New(cache.Options{
		RefreshTimeout: time.Duration(cfg.Cache.RefreshTimeoutSec) * time.Second,
		Metrics:        b.Metrics,
		Logger:         logger,
	})
	b.Aggregates = service.NewAggregates(b.Quotes, b.Results, cfg.Aggregate, cfg.Cache.MoversLimit, logger)
	b.Upstream = upstream.NewClientFromConfig(cfg, b.Metrics, logger)

	b.Pending = order.NewPendingQueue(b.Storage)
	b.Engine = order.NewEngine(order.Deps{
		Ledger:  b.Storage,
		Pending: b.Pending,
		Quotes:  b.Quotes,
		Fetcher: b.Upstream,
		Clock:   b.Clock,
		Limits:  order.LimitsFromConfig(cfg),
		Metrics: b.Metrics,
		Logger:  logger,
	})

	feeds := []scheduler.SupervisedFeed{{
		Name: "poller",
		Feed: feed.NewPoller(b.Upstream, b.Quotes, instruments, feed.PollerConfig{
			Interval: time.Duration(cfg.Feed.PollIntervalSec) * time.Second,
			Timeout:  time.Duration(cfg.Feed.TimeoutSec) * time.Second,
		}, b.Metrics, logger),
	}}
	if len(cfg.Indices.List) > 0 {
		feeds = append(feeds, scheduler.SupervisedFeed{
			Name: "indices",
			Feed: feed.NewPoller(b.Upstream, b.Indices.Quotes(), b.Indices.Instruments(), feed.PollerConfig{
				Name:     "indices",
				Interval: time.Duration(cfg.Indices.PollIntervalSec) * time.Second,
				Timeout:  time.Duration(cfg.Feed.TimeoutSec) * time.Second,
			}, b.Metrics, logger),
		})
	}
	if cfg.Stream.Enabled {
		feeds = append(feeds, scheduler.SupervisedFeed{
			Name: "stream",
			Feed: stream.NewWorker(b.Quotes, stream.Options{
				URL:     cfg.Stream.URL,
				Symbols: symbols,
				Metrics: b.Metrics,
				Logger:  logger,
			}),
			AlwaysOn: cfg.Stream.AlwaysOn,
		})
	}

	persister := eod.NewPersister(eod.Sources{b.Quotes, b.Indices.Quotes()}, b.Storage, b.Clock.Today, nil, b.Metrics, logger)
	b.Scheduler = scheduler.New(scheduler.Options{
		Clock:    b.Clock,
		Feeds:    feeds,
		OnOpen:   []func(){b.Quotes.ResetSession, b.Indices.Quotes().ResetSession, b.Aggregates.Invalidate},
		Warmers:  []func(context.Context){b.Aggregates.Warm},
		EOD:      persister,
		Markers:  b.Storage,
		Interval: time.Duration(cfg.Scheduler.TickSec) * time.Second,
		Logger:   logger,
	})
	if err := b.Scheduler.Restore(time.Now()); err != nil {
		logger.Warn("EOD marker not restored", slog.Any("error", err))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := &api.Handler{
		Engine:     b.Engine,
		Pending:    b.Pending,
		Quotes:     b.Quotes,
		Indices:    b.Indices,
		Aggregates: b.Aggregates,
		Clock:      b.Clock,
		Scheduler:  b.Scheduler,
		DB:         b.Storage,
		Metrics:    infra.MetricsHandler(infra.NewRegistry(b.Metrics)),
		Logger:     logger,
	}
	handler.Register(router)

	b.Server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Run drives the scheduler, the cache sweeper and the HTTP server until ctx is done.
func (b *Bootstrap) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Scheduler.Run(ctx)
	})

	g.Go(func() error {
		b.Results.RunSweeper(ctx, time.Duration(b.Config.Cache.SweepIntervalSec)*time.Second)
		return nil
	})

	g.Go(func() error {
		slog.Info("✅ HTTP server listening", slog.String("addr", b.Server.Addr))
		if err := b.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return b.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	b.Results.Wait()
	return err
}

// Close releases storage.
func (b *Bootstrap) Close() {
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Storage close failed", slog.Any("error", err))
		}
	}
}
