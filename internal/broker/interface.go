package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quarryhill/daytrader/internal/models"
)

// Broker defines the gateway surface the rest of the engine consumes.
// Every operation takes a context and returns an ApiResponse envelope;
// callers never see raw broker payloads or transport errors.
type Broker interface {
	// Account and portfolio
	GetAccount(ctx context.Context) ApiResponse[models.AccountSnapshot]
	GetPositions(ctx context.Context) ApiResponse[[]models.Position]

	// Orders
	GetOrders(ctx context.Context, filter OrderFilter) ApiResponse[[]models.Order]
	GetOrder(ctx context.Context, brokerID string) ApiResponse[models.Order]
	SubmitOrder(ctx context.Context, spec OrderSpec) ApiResponse[models.Order]
	CancelOrder(ctx context.Context, brokerID string) ApiResponse[struct{}]
	CancelAllFor(ctx context.Context, symbol string) ApiResponse[int]

	// Market data
	GetLatestQuote(ctx context.Context, symbol string) ApiResponse[Quote]
	GetBars(ctx context.Context, symbol, timeframe string, limit int) ApiResponse[[]Bar]
	GetMarketMovers(ctx context.Context, top int) ApiResponse[Movers]
	GetMostActive(ctx context.Context, top int) ApiResponse[[]ActiveStock]
	GetNews(ctx context.Context, symbols []string, limit int) ApiResponse[[]NewsItem]
}

// Ensure AlpacaAPI implements Broker at compile time.
var _ Broker = (*AlpacaAPI)(nil)

// CircuitBreakerBroker wraps a Broker with circuit breaker protection.
// Only infrastructure failures (network, 5xx, rate limiting) count
// toward tripping; business rejections such as PDT or invalid orders
// pass through as successes from the breaker's point of view.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// CircuitBreakerSettings configures breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible
// defaults.
func NewCircuitBreakerBroker(b Broker, logger zerolog.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker
// with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, logger zerolog.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	lg := logger.With().Str("component", "circuit_breaker").Logger()
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			lg.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
		logger:  lg,
	}
}

// execBreaker is a generic helper for the wrapper methods. The inner
// function's envelope is returned unchanged; an infra failure is also
// reported to the breaker as an error so it counts toward tripping.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() ApiResponse[T]) ApiResponse[T] {
	res, err := cb.Execute(func() (interface{}, error) {
		resp := fn()
		if !resp.Success && (resp.ErrorKind == ErrKindNetwork || resp.ErrorKind == ErrKindRateLimited) {
			return resp, resp.Err()
		}
		return resp, nil
	})
	if resp, ok := res.(ApiResponse[T]); ok {
		return resp
	}
	// Breaker is open (or half-open quota exhausted): the call never ran.
	return Fail[T](0, ErrKindCircuitBreaker, err.Error(), false)
}

func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) ApiResponse[models.AccountSnapshot] {
	return execBreaker(c.breaker, func() ApiResponse[models.AccountSnapshot] { return c.broker.GetAccount(ctx) })
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ApiResponse[[]models.Position] {
	return execBreaker(c.breaker, func() ApiResponse[[]models.Position] { return c.broker.GetPositions(ctx) })
}

func (c *CircuitBreakerBroker) GetOrders(ctx context.Context, filter OrderFilter) ApiResponse[[]models.Order] {
	return execBreaker(c.breaker, func() ApiResponse[[]models.Order] { return c.broker.GetOrders(ctx, filter) })
}

func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, brokerID string) ApiResponse[models.Order] {
	return execBreaker(c.breaker, func() ApiResponse[models.Order] { return c.broker.GetOrder(ctx, brokerID) })
}

func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, spec OrderSpec) ApiResponse[models.Order] {
	return execBreaker(c.breaker, func() ApiResponse[models.Order] { return c.broker.SubmitOrder(ctx, spec) })
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerID string) ApiResponse[struct{}] {
	return execBreaker(c.breaker, func() ApiResponse[struct{}] { return c.broker.CancelOrder(ctx, brokerID) })
}

func (c *CircuitBreakerBroker) CancelAllFor(ctx context.Context, symbol string) ApiResponse[int] {
	return execBreaker(c.breaker, func() ApiResponse[int] { return c.broker.CancelAllFor(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetLatestQuote(ctx context.Context, symbol string) ApiResponse[Quote] {
	return execBreaker(c.breaker, func() ApiResponse[Quote] { return c.broker.GetLatestQuote(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetBars(ctx context.Context, symbol, timeframe string, limit int) ApiResponse[[]Bar] {
	return execBreaker(c.breaker, func() ApiResponse[[]Bar] { return c.broker.GetBars(ctx, symbol, timeframe, limit) })
}

func (c *CircuitBreakerBroker) GetMarketMovers(ctx context.Context, top int) ApiResponse[Movers] {
	return execBreaker(c.breaker, func() ApiResponse[Movers] { return c.broker.GetMarketMovers(ctx, top) })
}

func (c *CircuitBreakerBroker) GetMostActive(ctx context.Context, top int) ApiResponse[[]ActiveStock] {
	return execBreaker(c.breaker, func() ApiResponse[[]ActiveStock] { return c.broker.GetMostActive(ctx, top) })
}

func (c *CircuitBreakerBroker) GetNews(ctx context.Context, symbols []string, limit int) ApiResponse[[]NewsItem] {
	return execBreaker(c.breaker, func() ApiResponse[[]NewsItem] { return c.broker.GetNews(ctx, symbols, limit) })
}

// Ensure the decorator itself satisfies Broker.
var _ Broker = (*CircuitBreakerBroker)(nil)
