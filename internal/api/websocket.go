package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type markPriceMessage struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Price    string `json:"price"`
}

// streamMarkPrices pushes every mark price of ?symbol= until the client
// leaves.
func (s *Server) streamMarkPrices(c *gin.Context) {
	exchange, sym := c.Param("id"), c.Query("symbol")
	if sym == "" {
		respondError(c, http.StatusBadRequest, "MISSING_SYMBOL", "symbol query parameter is required")
		return
	}
	ctx := c.Request.Context()
	prices, unsubscribe, err := s.Engine.SubscribeMarkPrice(ctx, exchange, sym, 100)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reading detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case p, ok := <-prices:
			if !ok {
				return
			}
			msg := markPriceMessage{Exchange: exchange, Symbol: sym, Price: p.String()}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("ws write", zap.Error(err))
				return
			}
		}
	}
}
