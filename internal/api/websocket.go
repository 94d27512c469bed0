package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"position-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// wsMessage is the envelope pushed to websocket clients.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsPrice struct {
	Symbol string    `json:"symbol"`
	Price  string    `json:"price"`
	Time   time.Time `json:"time"`
}

// websocket streams lifecycle events. With ?prices=true it also forwards
// price ticks.
func (s *Server) websocket(c *gin.Context) {
	if s.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "bus not ready")
		return
	}

	// Subscribe before the handshake so nothing published after it is missed.
	lifecycle, unsubLifecycle := s.Bus.Subscribe(events.EventLifecycle, 100)
	defer unsubLifecycle()

	var ticks <-chan any
	if c.Query("prices") == "true" {
		var unsubTicks func()
		ticks, unsubTicks = s.Bus.Subscribe(events.EventPriceTick, 100)
		defer unsubTicks()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The read loop only notices the client going away.
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
		var msg wsMessage
		select {
		case <-gone:
			return
		case v, ok := <-lifecycle:
			if !ok {
				return
			}
			l, isLifecycle := v.(events.Lifecycle)
			if !isLifecycle {
				continue
			}
			msg = wsMessage{Type: string(l.Kind()), Data: l}
		case v, ok := <-ticks:
			if !ok {
				return
			}
			t, isTick := v.(events.PriceTick)
			if !isTick {
				continue
			}
			msg = wsMessage{Type: "PRICE", Data: wsPrice{Symbol: t.Symbol, Price: t.Price.String(), Time: t.Time}}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("ws write failed", zap.Error(err))
			return
		}
	}
}
