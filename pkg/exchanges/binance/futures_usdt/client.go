package futures_usdt

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

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	HedgeMode  bool  // account uses LONG/SHORT position sides
	RecvWindow int64 // ms
	BaseURL    string
}

// Client handles Binance USDT-M futures.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	clock       *common.ServerClock
	rateLimiter *common.RateLimiter
	logger      *zap.Logger
}

var errNoCredentials = errors.New("binance usdt futures: API key/secret required")

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	c.clock = common.NewServerClock(c.GetServerTime, logger)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute, logger) // 2400 weight/min for futures
	return c
}

var _ common.PositionGateway = (*Client)(nil)

func (c *Client) now(ctx context.Context) int64 {
	return c.clock.Now(ctx)
}

// GetFuturesPositions returns open positions with a non-zero amount.
func (c *Client) GetFuturesPositions(ctx context.Context) ([]common.ExchangePosition, error) {
	risks, err := c.GetPositionRisk(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]common.ExchangePosition, 0, len(risks))
	for _, r := range risks {
		p, ok, err := r.toExchangePosition()
		if err != nil {
			c.logger.Warn("skip malformed position", zap.String("symbol", r.Symbol), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetSpotPositions is not available on a futures account.
func (c *Client) GetSpotPositions(ctx context.Context) ([]common.ExchangePosition, error) {
	return nil, common.ErrNotSupported
}

// ClosePosition sends a market order on the opposite side of the position.
func (c *Client) ClosePosition(ctx context.Context, req common.ClosePositionRequest) (common.OrderResult, error) {
	if !req.Quantity.IsPositive() {
		return common.OrderResult{}, fmt.Errorf("close %s: quantity must be positive", req.Symbol)
	}
	order := common.OrderRequest{
		Symbol: req.Symbol,
		Side:   req.PositionSide.CloseSide(),
		Type:   common.OrderTypeMarket,
		Qty:    req.Quantity,
	}
	if c.cfg.HedgeMode {
		order.PositionSide = string(req.PositionSide)
	} else {
		order.ReduceOnly = true
	}
	return c.SubmitOrder(ctx, order)
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errNoCredentials
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", req.Qty.String())
	if req.Type == common.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("timestamp", strconv.FormatInt(c.now(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
	}, nil
}

// GetPositionRisk returns the raw position risk view; symbol optional.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errNoCredentials
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var pos []PositionRisk
	if err := json.Unmarshal(body, &pos); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return pos, nil
}

// GetTicker returns the last traded price of symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return common.Ticker{}, err
	}
	var res struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
		Time   int64           `json:"time"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	t := time.Now()
	if res.Time > 0 {
		t = time.UnixMilli(res.Time)
	}
	return common.Ticker{Symbol: res.Symbol, LastPrice: res.Price, Time: t}, nil
}

// PremiumIndex is the mark price and current funding rate of a perpetual.
type PremiumIndex struct {
	Symbol          string          `json:"symbol"`
	MarkPrice       decimal.Decimal `json:"markPrice"`
	LastFundingRate decimal.Decimal `json:"lastFundingRate"`
	NextFundingTime int64           `json:"nextFundingTime"`
}

// GetPremiumIndex returns mark price and funding rate for symbol.
func (c *Client) GetPremiumIndex(ctx context.Context, symbol string) (PremiumIndex, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {symbol}})
	if err != nil {
		return PremiumIndex{}, err
	}
	var idx PremiumIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return PremiumIndex{}, fmt.Errorf("decode premium index: %w", err)
	}
	return idx, nil
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
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

// doSigned handles signing and sending requests.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
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

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, parseAPIError(res.StatusCode, body)
	}
	return body, nil
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

// PositionRisk is one row of /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	UpdateTime       int64  `json:"updateTime"`
}

// toExchangePosition converts a risk row; ok is false for flat rows.
func (r PositionRisk) toExchangePosition() (common.ExchangePosition, bool, error) {
	amt, err := decimal.NewFromString(r.PositionAmt)
	if err != nil {
		return common.ExchangePosition{}, false, fmt.Errorf("positionAmt %q: %w", r.PositionAmt, err)
	}
	if amt.IsZero() {
		return common.ExchangePosition{}, false, nil
	}

	dir := common.PositionLong
	switch strings.ToUpper(r.PositionSide) {
	case "SHORT":
		dir = common.PositionShort
	case "LONG":
	default: // BOTH: one-way mode, sign carries the side
		if amt.IsNegative() {
			dir = common.PositionShort
		}
	}

	p := common.ExchangePosition{
		Symbol:        r.Symbol,
		Direction:     dir,
		Size:          amt.Abs(),
		EntryPrice:    parseDecimal(r.EntryPrice),
		MarkPrice:     parseDecimal(r.MarkPrice),
		UnrealizedPnL: parseDecimal(r.UnRealizedProfit),
		MarginMode:    strings.ToUpper(r.MarginType),
		PositionID:    r.Symbol + ":" + string(dir),
		UpdatedAt:     time.Now(),
	}
	if lev, err := strconv.Atoi(r.Leverage); err == nil {
		p.Leverage = lev
	}
	if liq := parseDecimal(r.LiquidationPrice); liq.IsPositive() {
		p.LiquidationPrice = decimal.NewNullDecimal(liq)
	}
	if r.UpdateTime > 0 {
		p.UpdatedAt = time.UnixMilli(r.UpdateTime)
	}
	return p, true, nil
}
