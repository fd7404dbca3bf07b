// Package broker provides the resilient gateway to the Alpaca trading
// and market-data APIs: rate limiting, bounded retry, and classification
// of every outcome into the ApiResponse envelope.
package broker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhill/daytrader/internal/models"
)

const (
	paperTradingURL = "https://paper-api.alpaca.markets"
	liveTradingURL  = "https://api.alpaca.markets"
	marketDataURL   = "https://data.alpaca.markets"

	defaultTimeout       = 30 * time.Second
	defaultMaxRetries    = 3
	defaultRetryBase     = 1 * time.Second
	defaultStaleQuoteMax = 15 * time.Minute
	staleQuoteWarnAge    = 5 * time.Minute
)

// Credentials holds the Alpaca API key pair.
type Credentials struct {
	KeyID     string
	SecretKey string
}

// Options configures an AlpacaAPI client. Zero values fall back to
// defaults; base URL overrides exist for tests.
type Options struct {
	Paper          bool
	TradingBaseURL string
	DataBaseURL    string
	Timeout        time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	StaleQuoteMax  time.Duration
	HTTPClient     *http.Client
}

// AlpacaAPI is the concrete gateway client. All operations consume rate
// limiter tokens and return ApiResponse envelopes; no raw broker error
// ever escapes this package.
type AlpacaAPI struct {
	client        *http.Client
	creds         Credentials
	tradeURL      string
	dataURL       string
	limiter       *RateLimiter
	logger        zerolog.Logger
	timeout       time.Duration
	maxRetries    int
	retryBase     time.Duration
	staleQuoteMax time.Duration

	// connection health
	consecutiveFailures atomic.Int64
	lastSuccessUnix     atomic.Int64
}

// NewAlpacaAPI creates a gateway client.
func NewAlpacaAPI(creds Credentials, limiter *RateLimiter, logger zerolog.Logger, opts Options) *AlpacaAPI {
	tradeURL := opts.TradingBaseURL
	if tradeURL == "" {
		if opts.Paper {
			tradeURL = paperTradingURL
		} else {
			tradeURL = liveTradingURL
		}
	}
	dataURL := opts.DataBaseURL
	if dataURL == "" {
		dataURL = marketDataURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	staleMax := opts.StaleQuoteMax
	if staleMax <= 0 {
		staleMax = defaultStaleQuoteMax
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &AlpacaAPI{
		client:        client,
		creds:         creds,
		tradeURL:      strings.TrimRight(tradeURL, "/"),
		dataURL:       strings.TrimRight(dataURL, "/"),
		limiter:       limiter,
		logger:        logger.With().Str("component", "broker").Logger(),
		timeout:       timeout,
		maxRetries:    maxRetries,
		retryBase:     retryBase,
		staleQuoteMax: staleMax,
	}
}

// ConsecutiveFailures returns the current run of failed calls.
func (a *AlpacaAPI) ConsecutiveFailures() int64 {
	return a.consecutiveFailures.Load()
}

// LastSuccess returns when the gateway last completed a successful call.
func (a *AlpacaAPI) LastSuccess() time.Time {
	unix := a.lastSuccessUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func (a *AlpacaAPI) recordOutcome(ok bool) {
	if ok {
		a.consecutiveFailures.Store(0)
		a.lastSuccessUnix.Store(time.Now().Unix())
		return
	}
	a.consecutiveFailures.Add(1)
}

// ============ Request machinery ============

// call performs one logical API call: token acquisition, HTTP round
// trip, and bounded retry on transient failures (429, 5xx, transport
// errors) with exponential backoff and jitter. Returns the final HTTP
// status and body; a non-nil error means transport failure on the last
// attempt.
func (a *AlpacaAPI) call(ctx context.Context, method, base, path string,
	query url.Values, payload any, emergency bool) (int, []byte, error) {

	endpoint := base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	backoff := a.retryBase
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			if err := a.sleepBackoff(ctx, backoff); err != nil {
				return 0, nil, err
			}
			backoff *= 2
		}

		var acquireErr error
		if emergency {
			acquireErr = a.limiter.AcquireEmergency(ctx)
		} else {
			acquireErr = a.limiter.Acquire(ctx)
		}
		if acquireErr != nil {
			return 0, nil, acquireErr
		}

		status, body, err := a.roundTrip(ctx, method, endpoint, encoded)
		if err != nil {
			lastErr = err
			a.logger.Warn().Err(err).
				Str("method", method).Str("endpoint", path).
				Int("attempt", attempt+1).
				Msg("transport failure")
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = &APIError{Status: status, Body: truncateBody(body)}
			if attempt < a.maxRetries {
				a.logger.Warn().
					Int("status", status).Str("endpoint", path).
					Int("attempt", attempt+1).
					Msg("transient broker failure, backing off")
				continue
			}
		}
		return status, body, nil
	}
	return 0, nil, fmt.Errorf("%s %s failed after %d attempts: %w",
		method, path, a.maxRetries+1, lastErr)
}

func (a *AlpacaAPI) roundTrip(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("APCA-API-KEY-ID", a.creds.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", a.creds.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("failed to close response body")
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// sleepBackoff waits the given backoff with ±25% jitter applied.
func (a *AlpacaAPI) sleepBackoff(ctx context.Context, backoff time.Duration) error {
	jitterRange := int64(backoff / 4)
	if jitterRange > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(2*jitterRange))
		if err == nil {
			backoff += time.Duration(n.Int64() - jitterRange)
		}
	}
	return sleepCtx(ctx, backoff)
}

// finish folds a call outcome into the envelope. decode runs only for
// success statuses with a body; 204 yields the zero value of T.
func finish[T any](a *AlpacaAPI, status int, body []byte, callErr error,
	decode func([]byte) (T, error)) ApiResponse[T] {

	if callErr != nil {
		a.recordOutcome(false)
		return Fail[T](status, ErrKindNetwork, callErr.Error(), true)
	}
	if !successStatus(status) {
		kind, retryable := classify(status, string(body))
		// Business rejections still prove connectivity; only infra
		// failures count against connection health.
		infraFailure := kind == ErrKindNetwork || kind == ErrKindRateLimited
		a.recordOutcome(!infraFailure)
		return Fail[T](status, kind, truncateBody(body), retryable)
	}
	a.recordOutcome(true)
	if status == http.StatusNoContent || decode == nil {
		var zero T
		return OK(status, zero)
	}
	data, err := decode(body)
	if err != nil {
		return Fail[T](status, ErrKindOther, fmt.Sprintf("decode response: %v", err), false)
	}
	return OK(status, data)
}

func truncateBody(body []byte) string {
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

// ============ Wire payloads ============

// Alpaca serializes most numerics as strings; missing or malformed
// fields decode to zero rather than failing the whole payload.
func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

type accountPayload struct {
	Equity           string `json:"equity"`
	LastEquity       string `json:"last_equity"`
	Cash             string `json:"cash"`
	BuyingPower      string `json:"buying_power"`
	DaytradeCount    int    `json:"daytrade_count"`
	PatternDayTrader bool   `json:"pattern_day_trader"`
}

type positionPayload struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	CurrentPrice   string `json:"current_price"`
	MarketValue    string `json:"market_value"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

func (p *positionPayload) toModel() models.Position {
	return models.Position{
		Symbol:          p.Symbol,
		Qty:             parseF(p.Qty),
		AvgEntryPrice:   parseF(p.AvgEntryPrice),
		CurrentPrice:    parseF(p.CurrentPrice),
		MarketValue:     parseF(p.MarketValue),
		UnrealizedPL:    parseF(p.UnrealizedPL),
		UnrealizedPLPct: parseF(p.UnrealizedPLPC) * 100,
	}
}

type orderPayload struct {
	ID             string         `json:"id"`
	ClientOrderID  string         `json:"client_order_id"`
	Symbol         string         `json:"symbol"`
	Side           string         `json:"side"`
	Type           string         `json:"type"`
	OrderClass     string         `json:"order_class"`
	Qty            string         `json:"qty"`
	FilledQty      string         `json:"filled_qty"`
	FilledAvgPrice string         `json:"filled_avg_price"`
	LimitPrice     string         `json:"limit_price"`
	StopPrice      string         `json:"stop_price"`
	TimeInForce    string         `json:"time_in_force"`
	Status         string         `json:"status"`
	SubmittedAt    *time.Time     `json:"submitted_at"`
	UpdatedAt      *time.Time     `json:"updated_at"`
	Legs           []orderPayload `json:"legs"`
}

func (o *orderPayload) toModel() models.Order {
	ord := models.Order{
		ClientID:     o.ClientOrderID,
		BrokerID:     o.ID,
		Symbol:       o.Symbol,
		Side:         models.Side(o.Side),
		Type:         mapOrderType(o.Type),
		Class:        mapOrderClass(o.OrderClass),
		Qty:          parseF(o.Qty),
		LimitPrice:   parseF(o.LimitPrice),
		StopPrice:    parseF(o.StopPrice),
		TIF:          models.TimeInForce(o.TimeInForce),
		Status:       mapOrderStatus(o.Status),
		FilledQty:    parseF(o.FilledQty),
		AvgFillPrice: parseF(o.FilledAvgPrice),
	}
	if o.SubmittedAt != nil {
		ord.SubmittedAt = *o.SubmittedAt
	}
	if o.UpdatedAt != nil {
		ord.UpdatedAt = *o.UpdatedAt
	}
	return ord
}

// flatten converts a nested order payload into the parent order followed
// by its legs, with parent links set.
func (o *orderPayload) flatten() []models.Order {
	out := []models.Order{o.toModel()}
	for i := range o.Legs {
		leg := o.Legs[i].toModel()
		leg.ParentID = o.ID
		out = append(out, leg)
	}
	return out
}

func mapOrderStatus(s string) models.OrderStatus {
	switch s {
	case "new", "pending_new", "accepted_for_bidding":
		return models.OrderNew
	case "accepted", "pending_replace", "calculated", "done_for_day", "held":
		return models.OrderAccepted
	case "partially_filled":
		return models.OrderPartiallyFilled
	case "filled":
		return models.OrderFilled
	case "canceled", "pending_cancel", "replaced", "stopped", "suspended":
		return models.OrderCanceled
	case "rejected":
		return models.OrderRejected
	case "expired":
		return models.OrderExpired
	default:
		return models.OrderAccepted
	}
}

func mapOrderType(s string) models.OrderType {
	switch s {
	case "market":
		return models.OrderTypeMarket
	case "limit":
		return models.OrderTypeLimit
	case "stop":
		return models.OrderTypeStop
	case "stop_limit":
		return models.OrderTypeStopLimit
	default:
		return models.OrderType(s)
	}
}

func mapOrderClass(s string) models.OrderClass {
	switch s {
	case "bracket":
		return models.OrderClassBracket
	case "oco", "oto":
		return models.OrderClassOCO
	default:
		return models.OrderClassSimple
	}
}

// Quote is a latest NBBO quote. Alpaca's short field names (bp/ap/bs/as)
// are mapped defensively at this edge; a missing field is zero.
type Quote struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	BidSize   int64
	AskSize   int64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint.
func (q *Quote) Mid() float64 {
	return (q.BidPrice + q.AskPrice) / 2
}

// SpreadPct returns the bid/ask spread as a percentage of the midpoint,
// so a 100.10/100.20 quote reports roughly 0.1.
func (q *Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return (q.AskPrice - q.BidPrice) / mid * 100
}

type quoteEnvelope struct {
	Symbol string       `json:"symbol"`
	Quote  quotePayload `json:"quote"`
}

type quotePayload struct {
	BidPrice float64    `json:"bp"`
	AskPrice float64    `json:"ap"`
	BidSize  int64      `json:"bs"`
	AskSize  int64      `json:"as"`
	Time     *time.Time `json:"t"`
}

// Bar is one OHLCV bar.
type Bar struct {
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume int64     `json:"v"`
}

type barsEnvelope struct {
	Bars          []Bar  `json:"bars"`
	Symbol        string `json:"symbol"`
	NextPageToken string `json:"next_page_token"`
}

// Mover is one entry from the movers screener.
type Mover struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	PercentChange float64 `json:"percent_change"`
}

// Movers is the top gainers/losers screen.
type Movers struct {
	Gainers []Mover `json:"gainers"`
	Losers  []Mover `json:"losers"`
}

// ActiveStock is one entry from the most-actives screener.
type ActiveStock struct {
	Symbol     string `json:"symbol"`
	Volume     int64  `json:"volume"`
	TradeCount int64  `json:"trade_count"`
}

type mostActivesEnvelope struct {
	MostActives []ActiveStock `json:"most_actives"`
}

// NewsItem is one market news headline.
type NewsItem struct {
	Headline  string    `json:"headline"`
	Symbols   []string  `json:"symbols"`
	CreatedAt time.Time `json:"created_at"`
}

type newsEnvelope struct {
	News []NewsItem `json:"news"`
}

// ============ Trading operations ============

// GetAccount fetches the account snapshot.
func (a *AlpacaAPI) GetAccount(ctx context.Context) ApiResponse[models.AccountSnapshot] {
	status, body, err := a.call(ctx, http.MethodGet, a.tradeURL, "/v2/account", nil, nil, false)
	return finish(a, status, body, err, func(b []byte) (models.AccountSnapshot, error) {
		var p accountPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return models.AccountSnapshot{}, err
		}
		return models.AccountSnapshot{
			Equity:           parseF(p.Equity),
			LastEquity:       parseF(p.LastEquity),
			Cash:             parseF(p.Cash),
			BuyingPower:      parseF(p.BuyingPower),
			DayTradeCount:    p.DaytradeCount,
			PatternDayTrader: p.PatternDayTrader,
			TakenAt:          time.Now().UTC(),
		}, nil
	})
}

// GetPositions fetches all open positions.
func (a *AlpacaAPI) GetPositions(ctx context.Context) ApiResponse[[]models.Position] {
	status, body, err := a.call(ctx, http.MethodGet, a.tradeURL, "/v2/positions", nil, nil, false)
	return finish(a, status, body, err, func(b []byte) ([]models.Position, error) {
		var payload []positionPayload
		if err := json.Unmarshal(b, &payload); err != nil {
			return nil, err
		}
		out := make([]models.Position, 0, len(payload))
		for i := range payload {
			out = append(out, payload[i].toModel())
		}
		return out, nil
	})
}

// OrderFilter selects which orders GetOrders returns.
type OrderFilter string

const (
	OrdersOpen   OrderFilter = "open"
	OrdersClosed OrderFilter = "closed"
	OrdersAll    OrderFilter = "all"
)

// GetOrders fetches orders matching the filter. Bracket legs are
// flattened into the result with ParentID set.
func (a *AlpacaAPI) GetOrders(ctx context.Context, filter OrderFilter) ApiResponse[[]models.Order] {
	q := url.Values{}
	if filter == "" {
		filter = OrdersOpen
	}
	q.Set("status", string(filter))
	q.Set("nested", "true")
	q.Set("limit", "500")
	status, body, err := a.call(ctx, http.MethodGet, a.tradeURL, "/v2/orders", q, nil, false)
	return finish(a, status, body, err, func(b []byte) ([]models.Order, error) {
		var payload []orderPayload
		if err := json.Unmarshal(b, &payload); err != nil {
			return nil, err
		}
		var out []models.Order
		for i := range payload {
			out = append(out, payload[i].flatten()...)
		}
		return out, nil
	})
}

// GetOrder fetches a single order by broker ID.
func (a *AlpacaAPI) GetOrder(ctx context.Context, brokerID string) ApiResponse[models.Order] {
	status, body, err := a.call(ctx, http.MethodGet, a.tradeURL, "/v2/orders/"+brokerID, nil, nil, false)
	return finish(a, status, body, err, func(b []byte) (models.Order, error) {
		var p orderPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return models.Order{}, err
		}
		return p.toModel(), nil
	})
}

// TakeProfit is the profit leg of a bracket order.
type TakeProfit struct {
	LimitPrice float64 `json:"limit_price,string"`
}

// StopLoss is the protective leg of a bracket order.
type StopLoss struct {
	StopPrice  float64 `json:"stop_price,string"`
	LimitPrice float64 `json:"limit_price,string,omitempty"`
}

// OrderSpec describes an order to submit. Emergency routes the call
// through the limiter's reserve and is restricted to liquidation paths.
type OrderSpec struct {
	ClientID    string
	Symbol      string
	Qty         float64
	Side        models.Side
	Type        models.OrderType
	LimitPrice  float64
	StopPrice   float64
	TimeInForce models.TimeInForce
	OrderClass  models.OrderClass
	TakeProfit  *TakeProfit
	StopLoss    *StopLoss
	Emergency   bool
}

type submitPayload struct {
	Symbol        string      `json:"symbol"`
	Qty           string      `json:"qty"`
	Side          string      `json:"side"`
	Type          string      `json:"type"`
	TimeInForce   string      `json:"time_in_force"`
	LimitPrice    string      `json:"limit_price,omitempty"`
	StopPrice     string      `json:"stop_price,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	OrderClass    string      `json:"order_class,omitempty"`
	TakeProfit    *TakeProfit `json:"take_profit,omitempty"`
	StopLoss      *StopLoss   `json:"stop_loss,omitempty"`
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

func formatPrice(p float64) string {
	if p == 0 {
		return ""
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}

// SubmitOrder places an order. A 201 with the created order payload is
// the success path.
func (a *AlpacaAPI) SubmitOrder(ctx context.Context, spec OrderSpec) ApiResponse[models.Order] {
	tif := spec.TimeInForce
	if tif == "" {
		tif = models.TimeInForceDay
	}
	payload := submitPayload{
		Symbol:        spec.Symbol,
		Qty:           formatQty(spec.Qty),
		Side:          string(spec.Side),
		Type:          string(spec.Type),
		TimeInForce:   string(tif),
		LimitPrice:    formatPrice(spec.LimitPrice),
		StopPrice:     formatPrice(spec.StopPrice),
		ClientOrderID: spec.ClientID,
		TakeProfit:    spec.TakeProfit,
		StopLoss:      spec.StopLoss,
	}
	if spec.OrderClass != "" && spec.OrderClass != models.OrderClassSimple {
		payload.OrderClass = string(spec.OrderClass)
	}
	status, body, err := a.call(ctx, http.MethodPost, a.tradeURL, "/v2/orders", nil, payload, spec.Emergency)
	return finish(a, status, body, err, func(b []byte) (models.Order, error) {
		var p orderPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return models.Order{}, err
		}
		return p.toModel(), nil
	})
}

// CancelOrder cancels one order by broker ID. Always draws on the
// emergency reserve: cancellations must go through even when the routine
// budget is saturated. A 204 empty body is success.
func (a *AlpacaAPI) CancelOrder(ctx context.Context, brokerID string) ApiResponse[struct{}] {
	status, body, err := a.call(ctx, http.MethodDelete, a.tradeURL, "/v2/orders/"+brokerID, nil, nil, true)
	return finish[struct{}](a, status, body, err, nil)
}

// CancelAllFor cancels every open order on the symbol and returns how
// many cancels were issued.
func (a *AlpacaAPI) CancelAllFor(ctx context.Context, symbol string) ApiResponse[int] {
	open := a.GetOrders(ctx, OrdersOpen)
	if !open.Success {
		return Fail[int](open.StatusCode, open.ErrorKind, open.ErrorMessage, open.Retryable)
	}
	canceled := 0
	for i := range open.Data {
		ord := &open.Data[i]
		if ord.Symbol != symbol || ord.Status.Terminal() {
			continue
		}
		res := a.CancelOrder(ctx, ord.BrokerID)
		if !res.Success {
			// 404 means the order reached a terminal state already.
			if res.StatusCode == http.StatusNotFound {
				continue
			}
			return Fail[int](res.StatusCode, res.ErrorKind, res.ErrorMessage, res.Retryable)
		}
		canceled++
	}
	return OK(http.StatusOK, canceled)
}

// ============ Market data operations ============

// GetLatestQuote fetches the latest NBBO quote. Quotes older than the
// staleness bound fail with ErrKindStaleData; moderately aged quotes
// succeed with a warning.
func (a *AlpacaAPI) GetLatestQuote(ctx context.Context, symbol string) ApiResponse[Quote] {
	path := "/v2/stocks/" + url.PathEscape(symbol) + "/quotes/latest"
	status, body, err := a.call(ctx, http.MethodGet, a.dataURL, path, nil, nil, false)
	resp := finish(a, status, body, err, func(b []byte) (Quote, error) {
		var env quoteEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return Quote{}, err
		}
		q := Quote{
			Symbol:   symbol,
			BidPrice: env.Quote.BidPrice,
			AskPrice: env.Quote.AskPrice,
			BidSize:  env.Quote.BidSize,
			AskSize:  env.Quote.AskSize,
		}
		if env.Quote.Time != nil {
			q.Timestamp = *env.Quote.Time
		}
		return q, nil
	})
	if !resp.Success {
		return resp
	}
	age := time.Since(resp.Data.Timestamp)
	if age > a.staleQuoteMax {
		return Fail[Quote](resp.StatusCode, ErrKindStaleData,
			fmt.Sprintf("%s quote is %s old (max %s)", symbol, age.Round(time.Second), a.staleQuoteMax), false)
	}
	if age > staleQuoteWarnAge {
		a.logger.Warn().Str("symbol", symbol).Dur("age", age).Msg("quote data is aging")
	}
	return resp
}

// GetBars fetches up to limit OHLCV bars for the symbol at the given
// timeframe (e.g. "1Day", "5Min").
func (a *AlpacaAPI) GetBars(ctx context.Context, symbol, timeframe string, limit int) ApiResponse[[]Bar] {
	q := url.Values{}
	q.Set("timeframe", timeframe)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("adjustment", "split")
	path := "/v2/stocks/" + url.PathEscape(symbol) + "/bars"
	status, body, err := a.call(ctx, http.MethodGet, a.dataURL, path, q, nil, false)
	return finish(a, status, body, err, func(b []byte) ([]Bar, error) {
		var env barsEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, err
		}
		return env.Bars, nil
	})
}

// GetMarketMovers fetches the top gainers and losers screen.
func (a *AlpacaAPI) GetMarketMovers(ctx context.Context, top int) ApiResponse[Movers] {
	q := url.Values{}
	q.Set("top", strconv.Itoa(top))
	status, body, err := a.call(ctx, http.MethodGet, a.dataURL, "/v1beta1/screener/stocks/movers", q, nil, false)
	return finish(a, status, body, err, func(b []byte) (Movers, error) {
		var m Movers
		if err := json.Unmarshal(b, &m); err != nil {
			return Movers{}, err
		}
		return m, nil
	})
}

// GetMostActive fetches the most-active-by-volume screen.
func (a *AlpacaAPI) GetMostActive(ctx context.Context, top int) ApiResponse[[]ActiveStock] {
	q := url.Values{}
	q.Set("by", "volume")
	q.Set("top", strconv.Itoa(top))
	status, body, err := a.call(ctx, http.MethodGet, a.dataURL, "/v1beta1/screener/stocks/most-actives", q, nil, false)
	return finish(a, status, body, err, func(b []byte) ([]ActiveStock, error) {
		var env mostActivesEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, err
		}
		return env.MostActives, nil
	})
}

// GetNews fetches recent news headlines, optionally scoped to symbols.
func (a *AlpacaAPI) GetNews(ctx context.Context, symbols []string, limit int) ApiResponse[[]NewsItem] {
	q := url.Values{}
	if len(symbols) > 0 {
		q.Set("symbols", strings.Join(symbols, ","))
	}
	q.Set("limit", strconv.Itoa(limit))
	status, body, err := a.call(ctx, http.MethodGet, a.dataURL, "/v1beta1/news", q, nil, false)
	return finish(a, status, body, err, func(b []byte) ([]NewsItem, error) {
		var env newsEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, err
		}
		return env.News, nil
	})
}
