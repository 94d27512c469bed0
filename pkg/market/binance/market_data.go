package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// MarketDataClient wraps public market data endpoints (no credentials).
type MarketDataClient struct {
	baseURL    string
	pricePath  string
	timePath   string
	httpClient *http.Client
}

// NewMarketDataClient targets USDT-M futures when futures is true, spot otherwise.
func NewMarketDataClient(testnet, futures bool) *MarketDataClient {
	c := &MarketDataClient{
		baseURL:    "https://api.binance.com",
		pricePath:  "/api/v3/ticker/price",
		timePath:   "/api/v3/time",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	if testnet {
		c.baseURL = "https://testnet.binance.vision"
	}
	if futures {
		c.baseURL = "https://fapi.binance.com"
		if testnet {
			c.baseURL = "https://testnet.binancefuture.com"
		}
		c.pricePath = "/fapi/v1/ticker/price"
		c.timePath = "/fapi/v1/time"
	}
	return c
}

// WithBaseURL points the client at another host (tests, mirrors).
func (c *MarketDataClient) WithBaseURL(base string) *MarketDataClient {
	c.baseURL = base
	return c
}

// TickerPrice returns the latest traded price of symbol.
func (c *MarketDataClient) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := c.do(ctx, c.pricePath, url.Values{"symbol": {symbol}})
	if err != nil {
		return decimal.Zero, err
	}
	var out struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker price: %w", err)
	}
	return out.Price, nil
}

// ServerTime fetches Binance server time (milliseconds).
func (c *MarketDataClient) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, c.timePath, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

func (c *MarketDataClient) do(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if params != nil {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance market data %s status %d: %s", path, res.StatusCode, string(body))
	}
	return body, nil
}
