// Package mock provides a scripted in-memory broker gateway for tests.
// Every operation can be overridden with a function field; unset
// operations answer with benign defaults so tests only script what they
// assert on.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/models"
)

// Broker is a scriptable broker.Broker implementation.
type Broker struct {
	mu    sync.Mutex
	calls map[string]int

	AccountFn     func(ctx context.Context) broker.ApiResponse[models.AccountSnapshot]
	PositionsFn   func(ctx context.Context) broker.ApiResponse[[]models.Position]
	OrdersFn      func(ctx context.Context, filter broker.OrderFilter) broker.ApiResponse[[]models.Order]
	OrderFn       func(ctx context.Context, brokerID string) broker.ApiResponse[models.Order]
	SubmitFn      func(ctx context.Context, spec broker.OrderSpec) broker.ApiResponse[models.Order]
	CancelFn      func(ctx context.Context, brokerID string) broker.ApiResponse[struct{}]
	CancelAllFn   func(ctx context.Context, symbol string) broker.ApiResponse[int]
	QuoteFn       func(ctx context.Context, symbol string) broker.ApiResponse[broker.Quote]
	BarsFn        func(ctx context.Context, symbol, timeframe string, limit int) broker.ApiResponse[[]broker.Bar]
	MoversFn      func(ctx context.Context, top int) broker.ApiResponse[broker.Movers]
	MostActiveFn  func(ctx context.Context, top int) broker.ApiResponse[[]broker.ActiveStock]
	NewsFn        func(ctx context.Context, symbols []string, limit int) broker.ApiResponse[[]broker.NewsItem]
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates a mock with default, empty-but-successful answers.
func NewBroker() *Broker {
	return &Broker{calls: make(map[string]int)}
}

// Calls returns how many times the named operation ran.
func (m *Broker) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Broker) record(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

func (m *Broker) GetAccount(ctx context.Context) broker.ApiResponse[models.AccountSnapshot] {
	m.record("GetAccount")
	if m.AccountFn != nil {
		return m.AccountFn(ctx)
	}
	return broker.OK(200, models.AccountSnapshot{
		Equity: 10_000, LastEquity: 10_000, Cash: 10_000, BuyingPower: 20_000,
		TakenAt: time.Now().UTC(),
	})
}

func (m *Broker) GetPositions(ctx context.Context) broker.ApiResponse[[]models.Position] {
	m.record("GetPositions")
	if m.PositionsFn != nil {
		return m.PositionsFn(ctx)
	}
	return broker.OK(200, []models.Position{})
}

func (m *Broker) GetOrders(ctx context.Context, filter broker.OrderFilter) broker.ApiResponse[[]models.Order] {
	m.record("GetOrders")
	if m.OrdersFn != nil {
		return m.OrdersFn(ctx, filter)
	}
	return broker.OK(200, []models.Order{})
}

func (m *Broker) GetOrder(ctx context.Context, brokerID string) broker.ApiResponse[models.Order] {
	m.record("GetOrder")
	if m.OrderFn != nil {
		return m.OrderFn(ctx, brokerID)
	}
	return broker.OK(200, models.Order{BrokerID: brokerID, Status: models.OrderFilled})
}

func (m *Broker) SubmitOrder(ctx context.Context, spec broker.OrderSpec) broker.ApiResponse[models.Order] {
	m.record("SubmitOrder")
	if m.SubmitFn != nil {
		return m.SubmitFn(ctx, spec)
	}
	return broker.OK(201, models.Order{
		ClientID: spec.ClientID, BrokerID: "mock-" + spec.ClientID,
		Symbol: spec.Symbol, Qty: spec.Qty,
		Status: models.OrderAccepted, SubmittedAt: time.Now().UTC(),
	})
}

func (m *Broker) CancelOrder(ctx context.Context, brokerID string) broker.ApiResponse[struct{}] {
	m.record("CancelOrder")
	if m.CancelFn != nil {
		return m.CancelFn(ctx, brokerID)
	}
	return broker.OK(204, struct{}{})
}

func (m *Broker) CancelAllFor(ctx context.Context, symbol string) broker.ApiResponse[int] {
	m.record("CancelAllFor")
	if m.CancelAllFn != nil {
		return m.CancelAllFn(ctx, symbol)
	}
	return broker.OK(200, 0)
}

func (m *Broker) GetLatestQuote(ctx context.Context, symbol string) broker.ApiResponse[broker.Quote] {
	m.record("GetLatestQuote")
	if m.QuoteFn != nil {
		return m.QuoteFn(ctx, symbol)
	}
	return broker.OK(200, broker.Quote{
		Symbol: symbol, BidPrice: 99.95, AskPrice: 100.05,
		BidSize: 10, AskSize: 10, Timestamp: time.Now().UTC(),
	})
}

func (m *Broker) GetBars(ctx context.Context, symbol, timeframe string, limit int) broker.ApiResponse[[]broker.Bar] {
	m.record("GetBars")
	if m.BarsFn != nil {
		return m.BarsFn(ctx, symbol, timeframe, limit)
	}
	return broker.OK(200, []broker.Bar{})
}

func (m *Broker) GetMarketMovers(ctx context.Context, top int) broker.ApiResponse[broker.Movers] {
	m.record("GetMarketMovers")
	if m.MoversFn != nil {
		return m.MoversFn(ctx, top)
	}
	return broker.OK(200, broker.Movers{})
}

func (m *Broker) GetMostActive(ctx context.Context, top int) broker.ApiResponse[[]broker.ActiveStock] {
	m.record("GetMostActive")
	if m.MostActiveFn != nil {
		return m.MostActiveFn(ctx, top)
	}
	return broker.OK(200, []broker.ActiveStock{})
}

func (m *Broker) GetNews(ctx context.Context, symbols []string, limit int) broker.ApiResponse[[]broker.NewsItem] {
	m.record("GetNews")
	if m.NewsFn != nil {
		return m.NewsFn(ctx, symbols, limit)
	}
	return broker.OK(200, []broker.NewsItem{})
}

// TrendingBars fabricates count daily bars ending at end with a steady
// per-session drift, for regime and indicator tests.
func TrendingBars(start float64, driftPct float64, count int, end time.Time) []broker.Bar {
	bars := make([]broker.Bar, count)
	price := start
	for i := 0; i < count; i++ {
		open := price
		price *= 1 + driftPct/100
		bars[i] = broker.Bar{
			Time:   end.AddDate(0, 0, i-count+1),
			Open:   open,
			High:   price * 1.01,
			Low:    open * 0.99,
			Close:  price,
			Volume: 5_000_000,
		}
	}
	return bars
}
