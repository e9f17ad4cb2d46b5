// Package broker talks to the Angel One SmartAPI order gateway. A Client
// serves one broker account; the Registry hands out one Client per set of
// credentials.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"trading-riskengine/internal/markethours"
	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"

	"github.com/go-resty/resty/v2"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":                    "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.order.place":              "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.order.cancel":             "/rest/secure/angelbroking/order/v1/cancelOrder",
	"api.individual.order.details": "/rest/secure/angelbroking/order/v1/details/",
	"api.order.book":               "/rest/secure/angelbroking/order/v1/getOrderBook",
	"api.position":                 "/rest/secure/angelbroking/order/v1/getPosition",
	"api.market.data":              "/rest/secure/angelbroking/market/v1/quote",
	"api.search.scrip":             "/rest/secure/angelbroking/order/v1/searchScrip",
}

// SmartAPI error codes for an invalid or expired session token.
var tokenErrorCodes = map[string]bool{"AG8001": true, "AG8002": true}

// feedTimeLayout is the exchFeedTime format of the quote endpoint.
const feedTimeLayout = "02-Jan-2006 15:04:05"

// APIError is a SmartAPI failure. Status is the HTTP status code.
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("smartapi %s: %s (%s, http %d)", e.Op, e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("smartapi %s: %s (http %d)", e.Op, e.Message, e.Status)
}

// Temporary reports whether the failure says something about broker health
// rather than about the request.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func (e *APIError) tokenExpired() bool {
	return e.Status == http.StatusForbidden || e.Status == http.StatusUnauthorized || tokenErrorCodes[e.Code]
}

// Config tunes a SmartAPI client.
type Config struct {
	RootURL         string        // default https://apiconnect.angelone.in
	Timeout         time.Duration // per request, default 7s
	RateLimit       float64       // requests per second, default 10
	RateBurst       int           // default 10
	BreakerFailures int           // default 5
	BreakerReset    time.Duration // default 10s
	Exchange        string        // default NSE
	UserType        string        // default USER
	SourceID        string        // default WEB
	ClientLocalIP   string        // default 127.0.0.1
	ClientPublicIP  string        // default 127.0.0.1
	ClientMAC       string        // default 00:11:22:33:44:55
}

func (c *Config) defaults() {
	if c.RootURL == "" {
		c.RootURL = defaultRoot
	}
	if c.Timeout <= 0 {
		c.Timeout = 7 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.Exchange == "" {
		c.Exchange = "NSE"
	}
	if c.UserType == "" {
		c.UserType = "USER"
	}
	if c.SourceID == "" {
		c.SourceID = "WEB"
	}
	if c.ClientLocalIP == "" {
		c.ClientLocalIP = "127.0.0.1"
	}
	if c.ClientPublicIP == "" {
		c.ClientPublicIP = "127.0.0.1"
	}
	if c.ClientMAC == "" {
		c.ClientMAC = "00:11:22:33:44:55"
	}
}

// Client is a SmartAPI gateway for one account. It implements model.Broker
// and is safe for concurrent use.
type Client struct {
	http    *resty.Client
	cfg     Config
	creds   model.BrokerCredentials
	limiter *rate.Limiter
	breaker *Breaker
	metrics *metrics.Metrics

	mu      sync.Mutex
	token   string
	symbols map[string]string // trading symbol -> symbol token
	placed  map[string]string // client order id -> unique order id
	refs    map[string]string // broker order id -> unique order id

	now func() time.Time
}

// NewClient builds a client for creds. A non-empty AccessToken is used as
// the session; otherwise the client logs in with password and TOTP on
// first use. m may be nil.
func NewClient(creds model.BrokerCredentials, cfg Config, m *metrics.Metrics) *Client {
	cfg.defaults()

	hc := resty.New()
	hc.SetBaseURL(strings.TrimRight(cfg.RootURL, "/"))
	hc.SetTimeout(cfg.Timeout)
	hc.SetHeaders(map[string]string{
		"Content-Type":     "application/json",
		"Accept":           "application/json",
		"X-ClientLocalIP":  cfg.ClientLocalIP,
		"X-ClientPublicIP": cfg.ClientPublicIP,
		"X-MACAddress":     cfg.ClientMAC,
		"X-PrivateKey":     creds.APIKey,
		"X-UserType":       cfg.UserType,
		"X-SourceID":       cfg.SourceID,
	})

	c := &Client{
		http:    hc,
		cfg:     cfg,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		breaker: NewBreaker(cfg.BreakerFailures, cfg.BreakerReset),
		metrics: m,
		token:   creds.AccessToken,
		symbols: make(map[string]string),
		placed:  make(map[string]string),
		refs:    make(map[string]string),
		now:     time.Now,
	}
	c.breaker.OnStateChange = func(from, to State) {
		log.Printf("[broker] %s circuit %s -> %s", creds.ClientCode, from, to)
		if m == nil {
			return
		}
		m.BrokerCircuitState.Set(float64(to))
		if to == StateOpen {
			m.BrokerCircuitTrips.Inc()
		}
	}
	return c
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// call sends one request through the rate limiter and the breaker and
// decodes the data field into out. An expired session is renewed once.
func (c *Client) call(ctx context.Context, op, method, route string, body, out any) error {
	err := c.callOnce(ctx, op, method, route, body, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.tokenExpired() && c.canLogin() {
		c.setToken("")
		err = c.callOnce(ctx, op, method, route, body, out)
	}
	c.count(op, err)
	return err
}

func (c *Client) callOnce(ctx context.Context, op, method, route string, body, out any) error {
	token, err := c.session(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, op, method, route, token, body, out)
}

func (c *Client) send(ctx context.Context, op, method, route, token string, body, out any) error {
	path, ok := routes[route]
	if !ok {
		return fmt.Errorf("broker: unknown route %q", route)
	}
	if method == http.MethodGet && body != nil {
		if s, ok := body.(string); ok {
			path += s
			body = nil
		}
	}

	start := c.now()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("broker: %s: rate limit: %w", op, err)
	}
	if c.metrics != nil {
		c.metrics.BrokerRateLimitWait.Observe(c.now().Sub(start).Seconds())
	}

	return c.breaker.Execute(func() error {
		req := c.http.R().SetContext(ctx)
		if token != "" {
			req.SetAuthToken(token)
		}
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return fmt.Errorf("broker: %s: %w", op, err)
		}
		if resp.StatusCode() >= 500 {
			return &APIError{Op: op, Status: resp.StatusCode(), Message: resp.Status()}
		}

		var env envelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return &APIError{Op: op, Status: resp.StatusCode(), Message: "couldn't parse JSON response"}
		}
		if !env.Status || resp.StatusCode() >= 400 {
			msg := env.Message
			if msg == "" {
				msg = resp.Status()
			}
			return &APIError{Op: op, Status: resp.StatusCode(), Code: env.ErrorCode, Message: msg}
		}
		if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("broker: %s: decode data: %w", op, err)
		}
		return nil
	})
}

func (c *Client) count(op string, err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		result = "circuit_open"
	case err != nil:
		result = "error"
	}
	c.metrics.BrokerCalls.WithLabelValues(op, result).Inc()
}

func (c *Client) canLogin() bool {
	return c.creds.ClientCode != "" && c.creds.Password != "" && c.creds.TOTPSecret != ""
}

func (c *Client) setToken(t string) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// session returns the current JWT, logging in when there is none.
func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if !c.canLogin() {
		return "", fmt.Errorf("broker: %s: no session token and no login credentials", c.creds.ClientCode)
	}

	code, err := totp.GenerateCode(c.creds.TOTPSecret, c.now())
	if err != nil {
		return "", fmt.Errorf("broker: totp: %w", err)
	}
	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	params := map[string]string{
		"clientcode": c.creds.ClientCode,
		"password":   c.creds.Password,
		"totp":       code,
	}
	if err := c.send(ctx, "login", http.MethodPost, "api.login", "", params, &data); err != nil {
		return "", err
	}
	if data.JWTToken == "" {
		return "", &APIError{Op: "login", Status: http.StatusOK, Message: "unexpected login response format"}
	}
	log.Printf("[broker] %s session established", c.creds.ClientCode)
	c.setToken(data.JWTToken)
	return data.JWTToken, nil
}

type scrip struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}

// symbolToken resolves the exchange token of a trading symbol. Results are
// cached for the life of the client.
func (c *Client) symbolToken(ctx context.Context, symbol string) (string, error) {
	c.mu.Lock()
	tok, ok := c.symbols[symbol]
	c.mu.Unlock()
	if ok {
		return tok, nil
	}

	var found []scrip
	params := map[string]string{"exchange": c.cfg.Exchange, "searchscrip": symbol}
	if err := c.call(ctx, "search_scrip", http.MethodPost, "api.search.scrip", params, &found); err != nil {
		return "", err
	}
	for _, s := range found {
		if s.TradingSymbol == symbol {
			c.mu.Lock()
			c.symbols[symbol] = s.SymbolToken
			c.mu.Unlock()
			return s.SymbolToken, nil
		}
	}
	return "", fmt.Errorf("broker: symbol %s not listed on %s: %w", symbol, c.cfg.Exchange, model.ErrNotFound)
}

type quote struct {
	TradingSymbol string          `json:"tradingSymbol"`
	SymbolToken   string          `json:"symbolToken"`
	LTP           decimal.Decimal `json:"ltp"`
	NetChange     decimal.Decimal `json:"netChange"`
	PercentChange decimal.Decimal `json:"percentChange"`
	TradeVolume   int64           `json:"tradeVolume"`
	ExchFeedTime  string          `json:"exchFeedTime"`
}

// GetMarketData fetches full quotes. Symbols the exchange does not list are
// omitted from the result.
func (c *Client) GetMarketData(ctx context.Context, symbols []string) ([]model.Quote, error) {
	tokens := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		tok, err := c.symbolToken(ctx, sym)
		if errors.Is(err, model.ErrNotFound) {
			log.Printf("[broker] %v", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	var data struct {
		Fetched []quote `json:"fetched"`
	}
	params := map[string]any{
		"mode":           "FULL",
		"exchangeTokens": map[string][]string{c.cfg.Exchange: tokens},
	}
	if err := c.call(ctx, "market_data", http.MethodPost, "api.market.data", params, &data); err != nil {
		return nil, err
	}

	out := make([]model.Quote, 0, len(data.Fetched))
	for _, q := range data.Fetched {
		ts, err := time.ParseInLocation(feedTimeLayout, q.ExchFeedTime, markethours.IST)
		if err != nil {
			ts = c.now()
		}
		out = append(out, model.Quote{
			Symbol:        q.TradingSymbol,
			LastPrice:     q.LTP,
			Change:        q.NetChange,
			ChangePercent: q.PercentChange,
			Volume:        q.TradeVolume,
			Timestamp:     ts,
		})
	}
	return out, nil
}

// PlaceOrder submits an order. A request carrying both a stop loss and a
// target goes out as a bracket (ROBO) order. A ClientOrderID already placed
// by this client returns the existing order.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResponse, error) {
	c.mu.Lock()
	existing, dup := c.placed[req.ClientOrderID]
	c.mu.Unlock()
	if dup && req.ClientOrderID != "" {
		return c.orderStatus(ctx, existing)
	}

	tok, err := c.symbolToken(ctx, req.Symbol)
	if err != nil {
		return model.OrderResponse{}, err
	}

	params := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   req.Symbol,
		"symboltoken":     tok,
		"transactiontype": string(req.Side),
		"exchange":        c.cfg.Exchange,
		"ordertype":       string(req.OrderType),
		"producttype":     string(req.ProductType),
		"duration":        string(req.Validity),
		"price":           req.Price.StringFixed(2),
		"quantity":        strconv.FormatInt(req.Quantity, 10),
		"squareoff":       "0",
		"stoploss":        "0",
	}
	if req.OrderType == model.OrderMarket {
		params["price"] = "0"
	}
	if req.StopLoss != nil && req.Target != nil && req.Price.IsPositive() {
		params["variety"] = "ROBO"
		params["squareoff"] = req.Target.Sub(req.Price).Abs().StringFixed(2)
		params["stoploss"] = req.Price.Sub(*req.StopLoss).Abs().StringFixed(2)
	}

	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := c.call(ctx, "place_order", http.MethodPost, "api.order.place", params, &data); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return model.OrderResponse{Status: model.OrderRejected, Message: apiErr.Message}, nil
		}
		return model.OrderResponse{}, err
	}

	ref := data.UniqueOrderID
	if ref == "" {
		ref = data.OrderID
	}
	c.mu.Lock()
	if req.ClientOrderID != "" {
		c.placed[req.ClientOrderID] = ref
	}
	if data.OrderID != "" {
		c.refs[data.OrderID] = ref
	}
	c.mu.Unlock()

	resp, err := c.orderStatus(ctx, ref)
	if err != nil {
		// The order is in; its state is confirmed later.
		log.Printf("[broker] order %s placed, status lookup failed: %v", ref, err)
		return model.OrderResponse{OrderID: data.OrderID, Status: model.OrderPending}, nil
	}
	if resp.OrderID == "" {
		resp.OrderID = data.OrderID
	}
	return resp, nil
}

type orderDetails struct {
	OrderID       string          `json:"orderid"`
	UniqueOrderID string          `json:"uniqueorderid"`
	Status        string          `json:"status"`
	Text          string          `json:"text"`
	AveragePrice  decimal.Decimal `json:"averageprice"`
}

func (d orderDetails) response() model.OrderResponse {
	return model.OrderResponse{
		OrderID:   d.OrderID,
		Status:    mapStatus(d.Status),
		Message:   d.Text,
		FillPrice: d.AveragePrice,
	}
}

func (c *Client) orderStatus(ctx context.Context, ref string) (model.OrderResponse, error) {
	var d orderDetails
	if err := c.call(ctx, "order_details", http.MethodGet, "api.individual.order.details", ref, &d); err != nil {
		return model.OrderResponse{}, err
	}
	return d.response(), nil
}

// OrderStatus reports the current state of an order on this account.
// Orders this client did not place, for example before a restart, are
// looked up in the day's order book.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (model.OrderResponse, error) {
	c.mu.Lock()
	ref, ok := c.refs[orderID]
	c.mu.Unlock()
	if ok {
		resp, err := c.orderStatus(ctx, ref)
		if err != nil {
			return model.OrderResponse{}, err
		}
		if resp.OrderID == "" {
			resp.OrderID = orderID
		}
		return resp, nil
	}

	var book []orderDetails
	if err := c.call(ctx, "order_book", http.MethodGet, "api.order.book", nil, &book); err != nil {
		return model.OrderResponse{}, err
	}
	for _, d := range book {
		if d.OrderID != orderID {
			continue
		}
		if d.UniqueOrderID != "" {
			c.mu.Lock()
			c.refs[orderID] = d.UniqueOrderID
			c.mu.Unlock()
		}
		return d.response(), nil
	}
	return model.OrderResponse{}, fmt.Errorf("broker: order %s: %w", orderID, model.ErrNotFound)
}

func mapStatus(s string) model.OrderStatus {
	switch strings.ToLower(s) {
	case "complete":
		return model.OrderComplete
	case "rejected":
		return model.OrderRejected
	case "cancelled":
		return model.OrderCancelled
	case "open", "trigger pending":
		return model.OrderOpen
	default:
		return model.OrderPending
	}
}

// CancelOrder cancels a NORMAL order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	var data struct {
		OrderID string `json:"orderid"`
	}
	params := map[string]string{"variety": "NORMAL", "orderid": orderID}
	if err := c.call(ctx, "cancel_order", http.MethodPost, "api.order.cancel", params, &data); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return false, nil
		}
		return false, err
	}
	return data.OrderID == orderID, nil
}

type position struct {
	TradingSymbol string          `json:"tradingsymbol"`
	ProductType   string          `json:"producttype"`
	NetQty        string          `json:"netqty"`
	AvgNetPrice   decimal.Decimal `json:"avgnetprice"`
	LTP           decimal.Decimal `json:"ltp"`
}

// GetPositions returns the account's net positions for the day.
func (c *Client) GetPositions(ctx context.Context) ([]model.BrokerPosition, error) {
	var rows []position
	if err := c.call(ctx, "positions", http.MethodGet, "api.position", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.BrokerPosition, 0, len(rows))
	for _, r := range rows {
		qty, err := strconv.ParseInt(r.NetQty, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("broker: position %s: bad netqty %q", r.TradingSymbol, r.NetQty)
		}
		out = append(out, model.BrokerPosition{
			Symbol:      r.TradingSymbol,
			Quantity:    qty,
			AvgPrice:    r.AvgNetPrice,
			LastPrice:   r.LTP,
			ProductType: model.ProductType(r.ProductType),
		})
	}
	return out, nil
}
