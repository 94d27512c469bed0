package spot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	QuoteAsset string // holdings are valued against this asset, default USDT
	BaseURL    string
	// MinNotional drops holdings worth less than this in the quote asset,
	// default 10.
	MinNotional decimal.Decimal
}

// Client is a Binance spot client. Non-quote balances are reported as LONG
// spot positions so external holdings flow through the same sync path.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	clock       *common.ServerClock
	rateLimiter *common.RateLimiter
	logger      *zap.Logger
}

var errNoCredentials = errors.New("binance: API key/secret required")

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if !cfg.MinNotional.IsPositive() {
		cfg.MinNotional = decimal.NewFromInt(10)
	}
	client := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	client.clock = common.NewServerClock(client.GetServerTime, logger)
	// Rate limiter: 1200 weight/min for spot
	client.rateLimiter = common.NewRateLimiter(1200, time.Minute, logger)
	return client
}

var _ common.PositionGateway = (*Client)(nil)

func (c *Client) now(ctx context.Context) int64 {
	return c.clock.Now(ctx)
}

// GetFuturesPositions is not available on a spot account.
func (c *Client) GetFuturesPositions(ctx context.Context) ([]common.ExchangePosition, error) {
	return nil, common.ErrNotSupported
}

// GetSpotPositions reports non-quote holdings worth at least MinNotional.
// Assets without a quote-pair ticker (delisted, staking receipts, the quote
// itself under another name) are not positions and are skipped.
func (c *Client) GetSpotPositions(ctx context.Context) ([]common.ExchangePosition, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	var out []common.ExchangePosition
	for _, b := range info.Balances {
		if strings.EqualFold(b.Asset, c.cfg.QuoteAsset) {
			continue
		}
		size := parseDecimal(b.Free).Add(parseDecimal(b.Locked))
		if !size.IsPositive() {
			continue
		}
		symbol := b.Asset + c.cfg.QuoteAsset
		t, err := c.GetTicker(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("spot balance has no ticker, skipping", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if !t.LastPrice.IsPositive() || size.Mul(t.LastPrice).LessThan(c.cfg.MinNotional) {
			continue
		}
		out = append(out, common.ExchangePosition{
			Symbol:     symbol,
			Direction:  common.PositionLong,
			Size:       size,
			MarkPrice:  t.LastPrice,
			Leverage:   1,
			MarginMode: "SPOT",
			PositionID: symbol + ":SPOT",
			UpdatedAt:  time.UnixMilli(info.UpdateTime),
		})
	}
	return out, nil
}

// ClosePosition sells the held quantity at market.
func (c *Client) ClosePosition(ctx context.Context, req common.ClosePositionRequest) (common.OrderResult, error) {
	if req.PositionSide == common.PositionShort {
		return common.OrderResult{}, fmt.Errorf("close %s: spot has no short positions: %w", req.Symbol, common.ErrNotSupported)
	}
	return c.SubmitOrder(ctx, common.OrderRequest{
		Symbol: req.Symbol,
		Side:   common.SideSell,
		Type:   common.OrderTypeMarket,
		Qty:    req.Quantity,
	})
}

func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errNoCredentials
	}

	ordType := strings.ToUpper(string(req.Type))
	if ordType == "" {
		ordType = string(common.OrderTypeLimit)
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", ordType)
	params.Set("quantity", req.Qty.String())
	if req.Type == common.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
	}, nil
}

// GetTicker returns the last traded price of symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	body, err := c.doPublic(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return common.Ticker{}, err
	}
	var res struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	return common.Ticker{Symbol: res.Symbol, LastPrice: res.Price, Time: time.Now()}, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// AccountInfo holds balances and permissions.
type AccountInfo struct {
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
	Balances   []Balance `json:"balances"`
}

// Balance represents an asset balance.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetAccountInfo returns account balances and basic flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errNoCredentials
	}
	params := url.Values{}
	params.Set("omitZeroBalances", "true")
	params.Set("timestamp", strconv.FormatInt(c.now(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/account", params)
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req)
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		// For GET/DELETE Binance expects signed params in query string.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req *http.Request) ([]byte, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	// Track rate limit usage
	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, parseAPIError(res.StatusCode, body)
	}
	return body, nil
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}
