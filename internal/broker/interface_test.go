package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhill/daytrader/internal/models"
)

// stubBroker overrides GetAccount; unused methods panic via the
// embedded nil interface.
type stubBroker struct {
	Broker
	getAccount func(ctx context.Context) ApiResponse[models.AccountSnapshot]
}

func (s *stubBroker) GetAccount(ctx context.Context) ApiResponse[models.AccountSnapshot] {
	return s.getAccount(ctx)
}

func breakerForTest(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, zerolog.Nop(), CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})
}

func TestCircuitBreaker_TripsOnInfraFailures(t *testing.T) {
	stub := &stubBroker{
		getAccount: func(ctx context.Context) ApiResponse[models.AccountSnapshot] {
			return Fail[models.AccountSnapshot](503, ErrKindNetwork, "service unavailable", true)
		},
	}
	cb := breakerForTest(stub)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		resp := cb.GetAccount(ctx)
		require.False(t, resp.Success)
		assert.Equal(t, ErrKindNetwork, resp.ErrorKind)
	}

	// Breaker is now open: the underlying broker must not be called.
	called := false
	stub.getAccount = func(ctx context.Context) ApiResponse[models.AccountSnapshot] {
		called = true
		return OK(200, models.AccountSnapshot{})
	}
	resp := cb.GetAccount(ctx)
	require.False(t, resp.Success)
	assert.Equal(t, ErrKindCircuitBreaker, resp.ErrorKind)
	assert.False(t, called)
}

func TestCircuitBreaker_BusinessRejectionsDoNotTrip(t *testing.T) {
	stub := &stubBroker{
		getAccount: func(ctx context.Context) ApiResponse[models.AccountSnapshot] {
			return Fail[models.AccountSnapshot](403, ErrKindPDTViolation, "pdt denied", false)
		},
	}
	cb := breakerForTest(stub)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		resp := cb.GetAccount(ctx)
		require.False(t, resp.Success)
		assert.Equal(t, ErrKindPDTViolation, resp.ErrorKind,
			"breaker must stay closed for business rejections")
	}
}

func TestCircuitBreaker_PassesThroughSuccess(t *testing.T) {
	stub := &stubBroker{
		getAccount: func(ctx context.Context) ApiResponse[models.AccountSnapshot] {
			return OK(200, models.AccountSnapshot{Equity: 10000})
		},
	}
	cb := breakerForTest(stub)

	resp := cb.GetAccount(context.Background())
	require.True(t, resp.Success)
	assert.InDelta(t, 10000.0, resp.Data.Equity, 1e-9)
}
