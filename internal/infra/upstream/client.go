// Package upstream polls the REST quote provider.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"market_session/internal/domain"
	"market_session/internal/infra"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// quotesResponse represents the market-quote/quotes payload
type quotesResponse struct {
	Status string                 `json:"status"`
	Data   map[string]quoteRecord `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

type quoteRecord struct {
	InstrumentToken string              `json:"instrument_token"`
	Symbol          string              `json:"symbol"`
	LastPrice       decimal.NullDecimal `json:"last_price"`
	Timestamp       string              `json:"timestamp"`
	OHLC            struct {
		Open  decimal.NullDecimal `json:"open"`
		High  decimal.NullDecimal `json:"high"`
		Low   decimal.NullDecimal `json:"low"`
		Close decimal.NullDecimal `json:"close"` // Previous session close
	} `json:"ohlc"`
}

// Options configures a Client. Zero values fall back to the defaults below.
type Options struct {
	BaseURL      string
	Token        string
	BatchSize    int
	RateLimitRPS float64
	Timeout      time.Duration
	Retry        infra.RetryPolicy
	Metrics      *infra.Metrics
	Logger       *slog.Logger
}

// Client fetches quotes for batches of instruments with rate limiting and retries.
type Client struct {
	baseURL    string
	token      string
	batchSize  int
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      infra.RetryPolicy
	metrics    *infra.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

var _ domain.QuoteSource = (*Client)(nil)

// NewClient creates a new quote provider client
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		batchSize: opts.BatchSize,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		retry:   opts.Retry,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}
	if c.batchSize <= 0 {
		c.batchSize = 100
	}
	if c.httpClient.Timeout <= 0 {
		c.httpClient.Timeout = 10 * time.Second
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry = infra.DefaultRetryPolicy()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	return c
}

// NewClientFromConfig builds a client from the upstream section of cfg.
func NewClientFromConfig(cfg *infra.Config, metrics *infra.Metrics, logger *slog.Logger) *Client {
	return NewClient(Options{
		BaseURL:      cfg.Upstream.BaseURL,
		Token:        cfg.Upstream.Token,
		BatchSize:    cfg.Upstream.BatchSize,
		RateLimitRPS: cfg.Upstream.RateLimitRPS,
		Timeout:      time.Duration(cfg.Upstream.TimeoutSec) * time.Second,
		Retry:        cfg.RetryPolicy(),
		Metrics:      metrics,
		Logger:       logger,
	})
}

// FetchQuotes requests every instrument in batches and returns updates keyed by symbol.
// Batches that succeeded are returned even when a later batch fails; the error then
// reports the first failure.
func (c *Client) FetchQuotes(ctx context.Context, instruments []domain.Instrument) (map[string]domain.QuoteUpdate, error) {
	result := make(map[string]domain.QuoteUpdate, len(instruments))
	var firstErr error

	for start := 0; start < len(instruments); start += c.batchSize {
		end := min(start+c.batchSize, len(instruments))
		batch := instruments[start:end]

		var updates map[string]domain.QuoteUpdate
		err := c.retry.Do(ctx, "fetch_quotes", func(ctx context.Context) error {
			var err error
			updates, err = c.fetchBatch(ctx, batch)
			return err
		}, func(int, error) { c.metrics.RecordRetry() })
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for sym, u := range updates {
			result[sym] = u
		}
	}

	return result, firstErr
}

// FetchQuote is the synchronous single-instrument fallback.
func (c *Client) FetchQuote(ctx context.Context, inst domain.Instrument) (domain.QuoteUpdate, error) {
	updates, err := c.FetchQuotes(ctx, []domain.Instrument{inst})
	if err != nil {
		return domain.QuoteUpdate{}, err
	}
	u, ok := updates[inst.Symbol]
	if !ok || !u.LTP.Valid {
		return domain.QuoteUpdate{}, fmt.Errorf("no quote for %s: %w", inst.Symbol, domain.ErrPriceUnavailable)
	}
	return u, nil
}

func (c *Client) fetchBatch(ctx context.Context, batch []domain.Instrument) (map[string]domain.QuoteUpdate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bySymbolKey := make(map[string]string, len(batch))
	keys := make([]string, 0, len(batch))
	for _, inst := range batch {
		bySymbolKey[inst.InstrumentKey] = inst.Symbol
		keys = append(keys, inst.InstrumentKey)
	}

	endpoint := c.baseURL + "/market-quote/quotes?" + url.Values{"instrument_key": {strings.Join(keys, ",")}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewFatalNetworkError("fetch_quotes", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.metrics.RecordUpstreamCall()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewNetworkError("fetch_quotes", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError("fetch_quotes", err)
	}

	var payload quotesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.NewFatalNetworkError("fetch_quotes", fmt.Errorf("decode: %w", err))
	}
	if payload.Status != "success" {
		msg := payload.Status
		if len(payload.Errors) > 0 {
			msg = payload.Errors[0].ErrorCode + ": " + payload.Errors[0].Message
		}
		return nil, domain.NewFatalNetworkError("fetch_quotes", fmt.Errorf("provider error: %s", msg))
	}

	now := c.now()
	updates := make(map[string]domain.QuoteUpdate, len(payload.Data))
	for respKey, rec := range payload.Data {
		symbol, ok := bySymbolKey[rec.InstrumentToken]
		if !ok {
			symbol, ok = bySymbolKey[strings.Replace(respKey, ":", "|", 1)]
		}
		if !ok {
			c.logger.Debug("Ignoring quote for unrequested instrument", slog.String("key", respKey))
			continue
		}
		updates[symbol] = domain.QuoteUpdate{
			LTP:       positive(rec.LastPrice),
			Open:      positive(rec.OHLC.Open),
			High:      positive(rec.OHLC.High),
			Low:       positive(rec.OHLC.Low),
			PrevClose: positive(rec.OHLC.Close),
			At:        now,
		}
	}

	if len(updates) < len(batch) {
		c.logger.Debug("Partial quote batch",
			slog.Int("requested", len(batch)),
			slog.Int("received", len(updates)),
		)
	}
	return updates, nil
}

func (c *Client) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	err := &domain.NetworkError{
		Op:         "fetch_quotes",
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("unexpected status code: %d %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.metrics.RecordRateLimited()
		err.Retriable = true
	case resp.StatusCode >= 500:
		err.Retriable = true
	}
	return err
}

// positive drops zero and negative prices, which the provider uses for "not traded".
func positive(d decimal.NullDecimal) decimal.NullDecimal {
	if !d.Valid || !d.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	return d
}
