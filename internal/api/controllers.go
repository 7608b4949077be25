package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
)

type listOrdersQuery struct {
	Symbol string `form:"symbol"`
}

type listTradesQuery struct {
	Symbol           string `form:"symbol"`
	Quote            string `form:"quote"`
	Since            string `form:"since"` // RFC3339
	IncludeCancelled bool   `form:"include_cancelled"`
	Limit            int    `form:"limit"`
}

type cancelAllRequest struct {
	Symbol string `json:"symbol"`
}

type closePositionRequest struct {
	Symbol string `json:"symbol" binding:"required,min=1"`
	Side   string `json:"side" binding:"omitempty,oneof=long short both"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine error kinds to HTTP statuses.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.UnknownExchange):
		respondError(c, http.StatusNotFound, "UNKNOWN_EXCHANGE", err.Error())
	case errors.Is(err, errs.UnsupportedSymbol):
		respondError(c, http.StatusNotFound, "UNKNOWN_SYMBOL", err.Error())
	case errors.Is(err, errs.ExchangeManagerNotInitialized):
		respondError(c, http.StatusServiceUnavailable, "NOT_INITIALIZED", err.Error())
	case errors.Is(err, errs.InvalidArgument), errors.Is(err, errs.InvalidPosition):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, errs.OrderCancel), errors.Is(err, errs.OrderCreation):
		respondError(c, http.StatusConflict, "ORDER_REJECTED", err.Error())
	case errors.Is(err, errs.Timeout):
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		s.logger.Error("engine request failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) listExchanges(c *gin.Context) {
	out, err := s.Engine.ListExchanges(c.Request.Context())
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPortfolio(c *gin.Context) {
	out, err := s.Engine.GetPortfolio(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	out, err := s.Engine.GetOpenOrders(c.Request.Context(), c.Param("id"), q.Symbol)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	filter := order.TradeFilter{
		Symbol:           q.Symbol,
		Quote:            q.Quote,
		IncludeCancelled: q.IncludeCancelled,
	}
	if q.Since != "" {
		since, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	out, err := s.Engine.GetTrades(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	// Newest trades are the most useful ones to return.
	if len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPositions(c *gin.Context) {
	out, err := s.Engine.GetPositions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getExchangeStatus(c *gin.Context) {
	out, err := s.Engine.GetExchangeStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) cancelOrder(c *gin.Context) {
	exchange, orderID := c.Param("id"), c.Param("orderID")
	cancelled, err := s.Engine.CancelOrder(c.Request.Context(), exchange, orderID)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if !cancelled {
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "no open order "+orderID)
		return
	}
	s.logger.Info("order cancelled from api",
		zap.String("exchange", exchange),
		zap.String("order_id", orderID),
		zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "order_id": orderID})
}

func (s *Server) cancelAllOrders(c *gin.Context) {
	var req cancelAllRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
			return
		}
	}
	cancelled, err := s.Engine.CancelAllOrders(c.Request.Context(), c.Param("id"), req.Symbol)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) closePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	orders, err := s.Engine.ClosePosition(c.Request.Context(), c.Param("id"), req.Symbol, position.Side(req.Side))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}
