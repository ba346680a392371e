// Package feed keeps the live quote cache current by polling an upstream QuoteSource.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"market_session/internal/domain"
	"market_session/internal/infra"
)

var errIterationPanic = errors.New("feed iteration panicked")

// QuoteSink receives upstream observations.
type QuoteSink interface {
	UpsertBatch(updates map[string]domain.QuoteUpdate)
}

// PollerConfig holds the poll cadence. Name tags the log lines and defaults to "poller".
type PollerConfig struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
}

// Poller periodically fetches quotes for a fixed instrument list and writes them to a sink.
// It implements domain.Feed.
type Poller struct {
	source      domain.QuoteSource
	sink        QuoteSink
	instruments []domain.Instrument
	cfg         PollerConfig
	metrics     *infra.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ domain.Feed = (*Poller)(nil)

// NewPoller creates a stopped poller.
func NewPoller(source domain.QuoteSource, sink QuoteSink, instruments []domain.Instrument, cfg PollerConfig, metrics *infra.Metrics, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Name == "" {
		cfg.Name = "poller"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:      source,
		sink:        sink,
		instruments: instruments,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With(slog.String("feed", cfg.Name)),
	}
}

// Start launches the poll loop. Calling Start on a running poller does nothing.
// The loop ends on Stop or when ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.metrics.IncrementFeeds()

	p.wg.Add(1)
	go p.loop(ctx, p.stopCh)

	p.logger.Info("Feed poller started",
		slog.Int("instruments", len(p.instruments)),
		slog.Duration("interval", p.cfg.Interval),
	)
	return nil
}

// Stop signals the loop and waits for the in-flight iteration to complete.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running || p.stopCh == nil {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	close(p.stopCh)
	p.stopCh = nil
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Feed poller stopped")
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.metrics.DecrementFeeds()
		p.wg.Done()
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.iterate(ctx)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// iterate runs one fetch-and-upsert cycle. The stop signal does not cancel it.
func (p *Poller) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordFeedIteration(0, errIterationPanic)
			p.logger.Error("Feed iteration panic recovered", slog.Any("panic", r))
		}
	}()

	if len(p.instruments) == 0 {
		return
	}

	iterCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	updates, err := p.source.FetchQuotes(iterCtx, p.instruments)
	if len(updates) > 0 {
		p.sink.UpsertBatch(updates)
	}
	p.metrics.RecordFeedIteration(len(updates), err)

	if err != nil {
		p.logger.Warn("Feed iteration failed",
			slog.Int("received", len(updates)),
			slog.Int("requested", len(p.instruments)),
			slog.Bool("rate_limited", domain.IsRateLimited(err)),
			slog.Any("error", err),
		)
		return
	}
	p.logger.Debug("Feed iteration",
		slog.Int("received", len(updates)),
		slog.Duration("elapsed", time.Since(start)),
	)
}
