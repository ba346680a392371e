// Package api exposes the engine over HTTP with gin.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"market_session/internal/domain"
	"market_session/internal/order"
	"market_session/internal/scheduler"
	"market_session/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// UserHeader carries the caller's account id. Authentication happens upstream.
const UserHeader = "X-User-ID"

const userIDKey = "user_id"

// SessionClock classifies the current instant and describes the calendar around it.
type SessionClock interface {
	Classify(now time.Time) domain.SessionState
	StatusMessage(now time.Time) string
	NextOpen(now time.Time) time.Time
}

// StatusSource reports the scheduler control state.
type StatusSource interface {
	Status() scheduler.Status
}

// Pinger checks a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the public and per-user routes. Engine, Pending, Quotes, Aggregates and
// Clock are required; Indices, Scheduler, DB and Metrics may be nil.
type Handler struct {
	Engine     *order.Engine
	Pending    *order.PendingQueue
	Quotes     *service.QuoteCache
	Indices    *service.IndexBoard
	Aggregates *service.Aggregates
	Clock      SessionClock
	Scheduler  StatusSource
	DB         Pinger
	Metrics    http.Handler
	Now        func() time.Time
	Logger     *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type orderRequest struct {
	Symbol   string          `json:"symbol" binding:"required"`
	Side     string          `json:"side" binding:"required"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Confirm  bool            `json:"confirm"`
	OrderID  string          `json:"order_id"`
}

type resubmitRequest struct {
	Confirm bool `json:"confirm"`
}

type quoteResponse struct {
	domain.Quote
	ChangePct *decimal.Decimal `json:"change_pct,omitempty"`
	Direction string           `json:"direction"`
}

type sessionResponse struct {
	domain.SessionState
	Message          string            `json:"message"`
	NextOpen         *time.Time        `json:"next_open,omitempty"`
	SecondsUntilOpen int64             `json:"seconds_until_open"`
	Scheduler        *scheduler.Status `json:"scheduler,omitempty"`
}

type indicesResponse struct {
	Groups       []service.IndexGroup `json:"groups"`
	TotalIndices int                  `json:"total_indices"`
}

type balanceResponse struct {
	UserID    uint            `json:"user_id"`
	Available decimal.Decimal `json:"available"`
}

type holdingResponse struct {
	domain.Holding
	AvgPrice decimal.Decimal  `json:"avg_price"`
	LTP      *decimal.Decimal `json:"ltp,omitempty"`
}

// Register mounts every route on r and fills in a missing clock or logger.
// Order and portfolio routes require the X-User-ID header.
func (h *Handler) Register(r *gin.Engine) {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	r.GET("/healthz", h.Health)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/session", h.Session)
	v1.GET("/quotes/:symbol", h.Quote)
	v1.GET("/aggregates/:name", h.Aggregate)
	v1.GET("/indices", h.ListIndices)
	v1.GET("/indices/:name", h.GetIndex)

	user := v1.Group("/", requireUser())
	user.POST("/orders", h.PlaceOrder)
	user.GET("/orders", h.ListOrders)
	user.DELETE("/orders/:id", h.CancelOrder)
	user.POST("/orders/:id/resubmit", h.ResubmitOrder)
	user.GET("/portfolio/holdings", h.Holdings)
	user.GET("/portfolio/balance", h.Balance)
}

// Health reports 200 when storage answers a ping and 503 otherwise.
func (h *Handler) Health(c *gin.Context) {
	if h.DB != nil {
		if err := h.DB.Ping(c.Request.Context()); err != nil {
			h.Logger.Error("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "database unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Session returns the current phase with a display message and, outside the session, the
// next open and the seconds until it.
func (h *Handler) Session(c *gin.Context) {
	now := h.Now()
	resp := sessionResponse{
		SessionState: h.Clock.Classify(now),
		Message:      h.Clock.StatusMessage(now),
	}
	if resp.Phase != domain.PhaseOpen {
		if next := h.Clock.NextOpen(now); !next.IsZero() {
			resp.NextOpen = &next
			resp.SecondsUntilOpen = int64(next.Sub(now) / time.Second)
		}
	}
	if h.Scheduler != nil {
		st := h.Scheduler.Status()
		resp.Scheduler = &st
	}
	c.JSON(http.StatusOK, resp)
}

// Quote returns the live quote of one symbol.
func (h *Handler) Quote(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	q, ok := h.Quotes.Get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "no quote for " + symbol})
		return
	}
	c.JSON(http.StatusOK, quoteResponse{Quote: q, ChangePct: q.ChangePct(), Direction: q.ChangeDirection()})
}

// Aggregate returns gainers, losers or sentiment from the result cache.
func (h *Handler) Aggregate(c *gin.Context) {
	value, err := h.Aggregates.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, value)
}

// ListIndices returns the quoted indices grouped by tag, 404 while none has a quote.
func (h *Handler) ListIndices(c *gin.Context) {
	var groups []service.IndexGroup
	if h.Indices != nil {
		groups = h.Indices.Groups()
	}
	total := 0
	for _, g := range groups {
		total += len(g.Indices)
	}
	if total == 0 {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "no index data available"})
		return
	}
	c.JSON(http.StatusOK, indicesResponse{Groups: groups, TotalIndices: total})
}

// GetIndex returns one index by name, ignoring case.
func (h *Handler) GetIndex(c *gin.Context) {
	name := c.Param("name")
	if h.Indices != nil {
		if v, ok := h.Indices.Get(name); ok {
			c.JSON(http.StatusOK, v)
			return
		}
	}
	c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "no data for index " + name})
}

// PlaceOrder executes a new order, or a pending one when order_id is set.
// The status code follows the result: 200 filled, 202 pending, 409 price changed.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}
	side, ok := domain.ParseSide(req.Side)
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "side must be Buy or Sell"})
		return
	}

	result, _ := h.Engine.Execute(c.Request.Context(), domain.OrderRequest{
		UserID:        currentUser(c),
		Symbol:        strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:          side,
		Quantity:      req.Quantity,
		IntendedPrice: req.Price,
		Confirm:       req.Confirm,
		OrderID:       req.OrderID,
	})
	c.JSON(resultStatus(result), result)
}

// ResubmitOrder re-executes a pending order of the caller.
func (h *Handler) ResubmitOrder(c *gin.Context) {
	var req resubmitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
			return
		}
	}

	result, _ := h.Engine.Resubmit(c.Request.Context(), currentUser(c), c.Param("id"), req.Confirm)
	c.JSON(resultStatus(result), result)
}

// ListOrders returns the caller's pending orders, newest first.
func (h *Handler) ListOrders(c *gin.Context) {
	orders, err := h.Pending.ListForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// CancelOrder drops a pending order of the caller.
func (h *Handler) CancelOrder(c *gin.Context) {
	if err := h.Pending.Cancel(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Holdings returns the caller's net positions with the live price when known.
func (h *Handler) Holdings(c *gin.Context) {
	holdings, err := h.Engine.Holdings(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]holdingResponse, 0, len(holdings))
	for _, hd := range holdings {
		row := holdingResponse{Holding: hd, AvgPrice: hd.AvgPrice()}
		if q, ok := h.Quotes.Get(hd.Symbol); ok && q.LTP.Valid {
			ltp := q.LTP.Decimal
			row.LTP = &ltp
		}
		resp = append(resp, row)
	}
	c.JSON(http.StatusOK, gin.H{"holdings": resp})
}

// Balance returns the caller's spendable cash.
func (h *Handler) Balance(c *gin.Context) {
	userID := currentUser(c)
	available, err := h.Engine.Balance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{UserID: userID, Available: available})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := domain.ErrorKind(err)
	status := kindStatus(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, errorResponse{Code: strings.ToUpper(kind), Message: msg})
}

func resultStatus(r domain.OrderResult) int {
	switch r.Status {
	case domain.StatusSuccess:
		return http.StatusOK
	case domain.StatusPending:
		return http.StatusAccepted
	case domain.StatusPriceChanged:
		return http.StatusConflict
	default:
		return kindStatus(r.Kind)
	}
}

func kindStatus(kind string) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindInsufficientFunds, domain.KindInsufficientHoldings:
		return http.StatusUnprocessableEntity
	case domain.KindPriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(UserHeader)
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing or invalid " + UserHeader})
			return
		}
		c.Set(userIDKey, uint(id))
		c.Next()
	}
}

func currentUser(c *gin.Context) uint {
	return c.GetUint(userIDKey)
}
