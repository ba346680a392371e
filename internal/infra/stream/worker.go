// Package stream is a websocket quote feed with automatic reconnection.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"market_session/internal/domain"
	"market_session/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	maxRetries       = 10
	pingInterval     = 30 * time.Second
	readTimeout      = 60 * time.Second
	handshakeTimeout = 10 * time.Second
)

// quoteMessage is one quote frame pushed by the stream.
type quoteMessage struct {
	Type      string              `json:"type"` // quote
	Symbol    string              `json:"symbol"`
	LTP       decimal.NullDecimal `json:"ltp"`
	Open      decimal.NullDecimal `json:"open"`
	High      decimal.NullDecimal `json:"high"`
	Low       decimal.NullDecimal `json:"low"`
	PrevClose decimal.NullDecimal `json:"prev_close"`
	Timestamp int64               `json:"ts"` // unix millis
}

type subscribeMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// QuoteSink receives streamed observations.
type QuoteSink interface {
	Upsert(symbol string, u domain.QuoteUpdate)
}

// Options configures a Worker.
type Options struct {
	URL     string
	Symbols []string
	Backoff infra.RetryPolicy
	Metrics *infra.Metrics
	Logger  *slog.Logger
}

// Worker subscribes to a quote stream and writes every frame into a sink.
// It implements domain.Feed.
type Worker struct {
	url     string
	symbols []string
	sink    QuoteSink
	backoff infra.RetryPolicy
	metrics *infra.Metrics
	logger  *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ domain.Feed = (*Worker)(nil)

// NewWorker creates a stopped stream worker.
func NewWorker(sink QuoteSink, opts Options) *Worker {
	if opts.Backoff.BaseDelay <= 0 {
		opts.Backoff = infra.RetryPolicy{BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		url:     opts.URL,
		symbols: opts.Symbols,
		sink:    sink,
		backoff: opts.Backoff,
		metrics: opts.Metrics,
		logger:  opts.Logger.With(slog.String("feed", "stream")),
	}
}

// Start launches the connection loop. Calling Start on a running worker does nothing.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.metrics.IncrementFeeds()

	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (w *Worker) Stop() {
	w.mu.RLock()
	cancel := w.cancel
	running := w.running
	w.mu.RUnlock()

	if !running {
		return
	}
	if cancel != nil {
		cancel()
	}
	w.closeConnection()
	w.wg.Wait()
	w.logger.Info("Quote stream disconnected")
}

// Running reports whether the connection loop is active.
func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Connected reports whether a websocket session is currently open.
func (w *Worker) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// connectionLoop handles connection and reconnection with exponential backoff
func (w *Worker) connectionLoop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.metrics.DecrementFeeds()
		w.wg.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Quote stream panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Quote stream loop stopped")
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			retryCount++
			w.logger.Warn("Quote stream connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)
			delay := w.backoff.Backoff(retryCount)
			if retryCount >= maxRetries {
				w.logger.Error("Quote stream max retries exceeded, resetting counter")
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		pingCtx, stopPing := context.WithCancel(ctx)
		go w.pingLoop(pingCtx)
		w.readLoop(ctx)
		stopPing()
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	header := make(http.Header)
	header.Add("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	w.logger.Info("Quote stream connected", slog.Int("symbols", len(w.symbols)))
	return nil
}

func (w *Worker) subscribe() error {
	msg, err := json.Marshal(subscribeMessage{Action: "subscribe", Symbols: w.symbols})
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, msg)
}

// threadSafeWrite serializes writers; gorilla connections allow one concurrent writer.
func (w *Worker) threadSafeWrite(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}
	return conn.WriteMessage(messageType, data)
}

func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				w.logger.Debug("Quote stream ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("Quote stream read error", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}

		w.handleMessage(message)
	}
}

func (w *Worker) handleMessage(message []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		w.logger.Debug("Quote stream message parse error", slog.Any("error", err))
		return
	}
	if msg.Type != "quote" || msg.Symbol == "" {
		return
	}

	update := domain.QuoteUpdate{
		LTP:       positive(msg.LTP),
		Open:      positive(msg.Open),
		High:      positive(msg.High),
		Low:       positive(msg.Low),
		PrevClose: positive(msg.PrevClose),
	}
	if msg.Timestamp > 0 {
		update.At = time.UnixMilli(msg.Timestamp)
	}
	if !update.LTP.Valid && !update.Open.Valid && !update.PrevClose.Valid {
		return
	}

	w.sink.Upsert(msg.Symbol, update)
	w.metrics.RecordFeedIteration(1, nil)
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

func positive(d decimal.NullDecimal) decimal.NullDecimal {
	if d.Valid && d.Decimal.IsPositive() {
		return d
	}
	return decimal.NullDecimal{}
}
