package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/balance"
	"position-core/internal/engine"
	"position-core/internal/gateway"
	"position-core/internal/matching"
	"position-core/internal/reconciliation"
	"position-core/internal/state"
	"position-core/pkg/db"
	"position-core/pkg/exchanges/common"
)

type trailingRequest struct {
	Type       string              `json:"type"`
	Distance   decimal.NullDecimal `json:"distance"`
	Activation decimal.NullDecimal `json:"activation_percent"`
}

type marketOrderRequest struct {
	AccountID        string               `json:"account_id" binding:"required"`
	Symbol           string               `json:"symbol" binding:"required,min=1"`
	Direction        string               `json:"direction" binding:"required,oneof=LONG SHORT"`
	Market           string               `json:"market" binding:"omitempty,oneof=SPOT FUTURES"`
	Quantity         decimal.Decimal      `json:"quantity"`
	Leverage         int                  `json:"leverage" binding:"gte=0"`
	StopLoss         decimal.NullDecimal  `json:"stop_loss"`
	TakeProfit       decimal.NullDecimal  `json:"take_profit"`
	TakeProfitLevels []db.TakeProfitLevel `json:"take_profit_levels"`
	Trailing         *trailingRequest     `json:"trailing"`
	MaxHoldSeconds   int64                `json:"max_hold_seconds" binding:"gte=0"`
}

type limitOrderRequest struct {
	AccountID        string              `json:"account_id" binding:"required"`
	Symbol           string              `json:"symbol" binding:"required,min=1"`
	Direction        string              `json:"direction" binding:"required,oneof=LONG SHORT"`
	Market           string              `json:"market" binding:"omitempty,oneof=SPOT FUTURES"`
	Quantity         decimal.Decimal     `json:"quantity"`
	Leverage         int                 `json:"leverage" binding:"gte=0"`
	LimitPrice       decimal.Decimal     `json:"limit_price"`
	StopLoss         decimal.NullDecimal `json:"stop_loss"`
	TakeProfit       decimal.NullDecimal `json:"take_profit"`
	ExpiresInSeconds int64               `json:"expires_in_seconds" binding:"gte=0"`
}

type escortRequest struct {
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
	Trailing   *trailingRequest    `json:"trailing"`
}

type closeRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type listPositionsQuery struct {
	AccountID string `form:"account_id"`
	Symbol    string `form:"symbol"`
	Status    string `form:"status" binding:"omitempty,oneof=OPEN CLOSED"`
	Source    string `form:"source" binding:"omitempty,oneof=PLATFORM EXTERNAL"`
}

type listReportsQuery struct {
	Limit int `form:"limit"`
}

func (q *listReportsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
}

func (t *trailingRequest) spec() *engine.TrailingSpec {
	if t == nil {
		return nil
	}
	return &engine.TrailingSpec{
		Type:       db.TrailingType(strings.ToUpper(t.Type)),
		Distance:   t.Distance,
		Activation: t.Activation,
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// fail maps a core error to its HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, balance.ErrInsufficientBalance):
		respondError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, state.ErrPositionNotFound),
		errors.Is(err, matching.ErrOrderNotFound),
		errors.Is(err, balance.ErrAccountNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, reconciliation.ErrInvalidEscortParams),
		errors.Is(err, matching.ErrInvalidOrder):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, reconciliation.ErrInvalidEscortTransition),
		errors.Is(err, matching.ErrPositionClosed):
		respondError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, engine.ErrBusy):
		respondError(c, http.StatusConflict, "BUSY", err.Error())
	case errors.Is(err, gateway.ErrCredentialsMissing):
		respondError(c, http.StatusFailedDependency, "CREDENTIALS_MISSING", err.Error())
	case errors.Is(err, engine.ErrPriceUnavailable),
		errors.Is(err, engine.ErrNotConfigured),
		errors.Is(err, gateway.ErrGatewayUnhealthy):
		respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	case errors.Is(err, common.ErrExchangeAPI):
		respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("request_id", c.GetString("RequestID")),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "metrics not enabled")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getPrices(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetPrices(c.Request.Context()))
}

func (s *Server) getBalance(c *gin.Context) {
	info, err := s.Engine.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getPositions(c *gin.Context) {
	var q listPositionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	positions, err := s.Engine.ListPositions(c.Request.Context(), engine.PositionQuery{
		AccountID: q.AccountID,
		Symbol:    strings.ToUpper(q.Symbol),
		Status:    db.PositionStatus(q.Status),
		Source:    db.Source(q.Source),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) getPosition(c *gin.Context) {
	p, err := s.Engine.GetPosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) closePosition(c *gin.Context) {
	var req closeRequest
	// An empty body closes everything.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	if req.Quantity.IsNegative() {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "quantity must not be negative")
		return
	}
	p, err := s.Engine.ClosePosition(c.Request.Context(), c.Param("id"), req.Quantity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) bindEscort(c *gin.Context) (engine.EscortParams, bool) {
	var req escortRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return engine.EscortParams{}, false
		}
	}
	return engine.EscortParams{
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Trailing:   req.Trailing.spec(),
	}, true
}

func (s *Server) confirmEscort(c *gin.Context) {
	params, ok := s.bindEscort(c)
	if !ok {
		return
	}
	p, err := s.Engine.ConfirmEscort(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) declineEscort(c *gin.Context) {
	p, err := s.Engine.DeclineEscort(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) updateEscort(c *gin.Context) {
	params, ok := s.bindEscort(c)
	if !ok {
		return
	}
	p, err := s.Engine.UpdateEscort(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) placeMarketOrder(c *gin.Context) {
	var req marketOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	p, err := s.Engine.PlaceMarketOrder(c.Request.Context(), engine.MarketOrder{
		AccountID:        req.AccountID,
		Symbol:           strings.ToUpper(req.Symbol),
		Direction:        db.Direction(req.Direction),
		Market:           db.Market(req.Market),
		Quantity:         req.Quantity,
		Leverage:         req.Leverage,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		TakeProfitLevels: req.TakeProfitLevels,
		Trailing:         req.Trailing.spec(),
		MaxHold:          time.Duration(req.MaxHoldSeconds) * time.Second,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) placeLimitOrder(c *gin.Context) {
	var req limitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	o, err := s.Engine.PlaceLimitOrder(c.Request.Context(), engine.LimitOrder{
		AccountID:  req.AccountID,
		Symbol:     strings.ToUpper(req.Symbol),
		Direction:  db.Direction(req.Direction),
		Market:     db.Market(req.Market),
		Quantity:   req.Quantity,
		Leverage:   req.Leverage,
		LimitPrice: req.LimitPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		ExpiresIn:  time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.Engine.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	if err := s.Engine.CancelOrder(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": db.OrderCancelled})
}

func (s *Server) syncNow(c *gin.Context) {
	r, err := s.Engine.SyncNow(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) getSyncReports(c *gin.Context) {
	var q listReportsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()
	reports, err := s.Engine.ListSyncReports(c.Request.Context(), q.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}
