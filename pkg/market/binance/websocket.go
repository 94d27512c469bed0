package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StreamClient manages lightweight streaming from Binance public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool, logger *zap.Logger) *StreamClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/stream"}).String(),
		dialer:    websocket.DefaultDialer,
		logger:    logger,
	}
}

// SubscribeTickers opens one combined mini-ticker stream for symbols.
// It returns the channel and a stop function; the channel closes when the
// connection ends or ctx is done.
func (c *StreamClient) SubscribeTickers(ctx context.Context, symbols []string) (<-chan Ticker, func(), error) {
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("no symbols to subscribe")
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		// Binance requires lowercase symbols for WebSocket streams
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	u := c.StreamURL + "?streams=" + strings.Join(streams, "/")

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws ticker: %w", err)
	}

	out := make(chan Ticker, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return
				}
				c.logger.Warn("binance ws ticker read error", zap.Error(err))
				return
			}

			parsed, err := parseTickerMessage(msg)
			if err != nil {
				c.logger.Debug("binance ws ticker parse error", zap.Error(err))
				continue
			}
			select {
			case out <- parsed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

// parseTickerMessage decodes a combined-stream mini ticker frame.
func parseTickerMessage(msg []byte) (Ticker, error) {
	var raw struct {
		Stream string `json:"stream"`
		Data   struct {
			EventTime int64           `json:"E"`
			Symbol    string          `json:"s"`
			Close     decimal.Decimal `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Ticker{}, err
	}
	if raw.Data.Symbol == "" {
		return Ticker{}, fmt.Errorf("not a ticker frame: %s", raw.Stream)
	}
	return Ticker{
		Symbol: raw.Data.Symbol,
		Price:  raw.Data.Close,
		Time:   raw.Data.EventTime,
	}, nil
}

// Ping keeps the connection alive; useful if the caller wants manual control.
func (c *StreamClient) Ping(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
}
