package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/funnel"
	"github.com/quarryhill/daytrader/internal/guard"
	"github.com/quarryhill/daytrader/internal/marketclock"
	"github.com/quarryhill/daytrader/internal/mock"
	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/oracle"
	"github.com/quarryhill/daytrader/internal/orders"
	"github.com/quarryhill/daytrader/internal/pdt"
	"github.com/quarryhill/daytrader/internal/retry"
	"github.com/quarryhill/daytrader/internal/risk"
	"github.com/quarryhill/daytrader/internal/storage"
	"github.com/quarryhill/daytrader/internal/strategy"
)

// A Monday during the regular session (14:00 UTC = 10:00 ET).
var schedTestNow = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func fastOrdersConfig() orders.Config {
	return orders.Config{
		PollInterval:     time.Millisecond,
		FillTimeout:      time.Second,
		CancelWait:       100 * time.Millisecond,
		EmergencyStopPct: 0.05,
		MaxParallel:      2,
		LiquidationRetry: retry.Config{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}
}

func newTestScheduler(t *testing.T, mb *mock.Broker, cfg *config.Config) (*Scheduler, *risk.Manager) {
	t.Helper()
	logger := zerolog.Nop()
	clock := marketclock.NewWithNow(func() time.Time { return schedTestNow })
	ledger := pdt.NewLedger(clock, logger)
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	stopped := make(chan struct{})
	close(stopped)
	om := orders.NewManager(mb, ledger, store, logger, stopped, fastOrdersConfig())

	riskMgr := risk.NewManager(cfg, mb, logger)
	orc := oracle.New("", "", logger)
	intel := funnel.NewIntelligence(mb, orc, logger)
	fnl := funnel.New(mb, orc, cfg, logger)
	eval := strategy.New(cfg, logger)
	gd, err := guard.New(mb, store, cfg, logger)
	require.NoError(t, err)

	return NewScheduler(cfg, clock, mb, riskMgr, ledger, intel, fnl, eval, om, gd, store, logger), riskMgr
}

// trendingMock scripts a single strong gainer through the whole funnel:
// movers row, drifting daily bars, and a tight fresh quote around 200.
func trendingMock(symbol string, changePct float64) *mock.Broker {
	mb := mock.NewBroker()
	mb.MoversFn = func(ctx context.Context, top int) broker.ApiResponse[broker.Movers] {
		return broker.OK(200, broker.Movers{Gainers: []broker.Mover{
			{Symbol: symbol, Price: 200, PercentChange: changePct},
		}})
	}
	mb.BarsFn = func(ctx context.Context, sym, timeframe string, limit int) broker.ApiResponse[[]broker.Bar] {
		return broker.OK(200, mock.TrendingBars(150, 2.5, 30, time.Now().UTC()))
	}
	mb.QuoteFn = func(ctx context.Context, sym string) broker.ApiResponse[broker.Quote] {
		return broker.OK(200, broker.Quote{
			Symbol: sym, BidPrice: 199.9, AskPrice: 200.1,
			BidSize: 10, AskSize: 10, Timestamp: time.Now().UTC(),
		})
	}
	return mb
}

func TestRunCycle_SubmitsBracketForStrongSetup(t *testing.T) {
	mb := trendingMock("HOT", 5.2)
	s, riskMgr := newTestScheduler(t, mb, config.Default())
	riskMgr.StartSession(10_000)

	submitted := s.runCycle(context.Background(), false)

	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, mb.Calls("SubmitOrder"))
}

func TestRunCycle_NothingToTradeSubmitsNothing(t *testing.T) {
	mb := mock.NewBroker() // empty screeners
	s, riskMgr := newTestScheduler(t, mb, config.Default())
	riskMgr.StartSession(10_000)

	submitted := s.runCycle(context.Background(), false)

	assert.Zero(t, submitted)
	assert.Zero(t, mb.Calls("SubmitOrder"))
}

func TestRunCycle_HaltedRiskGateBlocksSubmission(t *testing.T) {
	mb := trendingMock("HOT", 5.2)
	s, riskMgr := newTestScheduler(t, mb, config.Default())
	riskMgr.StartSession(10_000)
	riskMgr.Halt("test halt")

	submitted := s.runCycle(context.Background(), false)

	assert.Zero(t, submitted)
	assert.Zero(t, mb.Calls("SubmitOrder"))
}

func TestMonitor_CircuitBreakerFlattensEverything(t *testing.T) {
	mb := mock.NewBroker()
	mb.AccountFn = func(ctx context.Context) broker.ApiResponse[models.AccountSnapshot] {
		return broker.OK(200, models.AccountSnapshot{
			Equity: 9_000, LastEquity: 10_000, BuyingPower: 18_000, TakenAt: time.Now().UTC(),
		})
	}
	mb.PositionsFn = func(ctx context.Context) broker.ApiResponse[[]models.Position] {
		return broker.OK(200, []models.Position{
			{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 100, CurrentPrice: 95},
		})
	}
	s, riskMgr := newTestScheduler(t, mb, config.Default())
	riskMgr.StartSession(10_000) // 10% drawdown vs the 5% default limit

	s.monitor(context.Background())
	assert.True(t, riskMgr.Halted(), "halt is set before the liquidation finishes")
	s.liquidations.Wait()

	assert.Equal(t, 1, mb.Calls("SubmitOrder"), "one market flatten for the open position")

	// The breaker trips once; subsequent monitoring must not liquidate again.
	s.monitor(context.Background())
	s.liquidations.Wait()
	assert.Equal(t, 1, mb.Calls("SubmitOrder"))
}

func TestPositionRisks_UsesRestingStopsWhenPresent(t *testing.T) {
	mb := mock.NewBroker()
	mb.PositionsFn = func(ctx context.Context) broker.ApiResponse[[]models.Position] {
		return broker.OK(200, []models.Position{
			{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 100, CurrentPrice: 100},
			{Symbol: "MSFT", Qty: 4, AvgEntryPrice: 200, CurrentPrice: 200},
		})
	}
	mb.OrdersFn = func(ctx context.Context, filter broker.OrderFilter) broker.ApiResponse[[]models.Order] {
		return broker.OK(200, []models.Order{
			{
				Symbol: "AAPL", Side: models.SideSell, Type: models.OrderTypeStop,
				Qty: 10, StopPrice: 95, Status: models.OrderNew,
			},
		})
	}
	s, _ := newTestScheduler(t, mb, config.Default())

	risks, err := s.positionRisks(context.Background())
	require.NoError(t, err)
	require.Len(t, risks, 2)

	// AAPL has a stop 5 points away; MSFT falls back to the emergency
	// stop distance of 5% of price.
	assert.Equal(t, "AAPL", risks[0].Symbol)
	assert.InDelta(t, 1000.0, risks[0].Notional, 1e-9)
	assert.InDelta(t, 50.0, risks[0].Risk, 1e-9)

	assert.Equal(t, "MSFT", risks[1].Symbol)
	assert.InDelta(t, 800.0, risks[1].Notional, 1e-9)
	assert.InDelta(t, 4*200*0.05, risks[1].Risk, 1e-9)
}

func TestTrimOvernightExcess_ClosesWorstLosersFirst(t *testing.T) {
	cfg := config.Default()
	cfg.MaxOvernightPositions = 1
	mb := mock.NewBroker()
	mb.PositionsFn = func(ctx context.Context) broker.ApiResponse[[]models.Position] {
		return broker.OK(200, []models.Position{
			{Symbol: "WIN", Qty: 5, CurrentPrice: 100, UnrealizedPL: 120},
			{Symbol: "LOSE", Qty: 5, CurrentPrice: 100, UnrealizedPL: -200},
		})
	}
	s, _ := newTestScheduler(t, mb, cfg)

	s.trimOvernightExcess(context.Background())

	// Only the loser is over capacity; one cancel sweep plus one market
	// flatten for it.
	assert.Equal(t, 1, mb.Calls("SubmitOrder"))
	assert.Equal(t, 1, mb.Calls("CancelAllFor"))
}

func TestReconcileStartup_CapturesBaselineEquity(t *testing.T) {
	mb := mock.NewBroker()
	s, riskMgr := newTestScheduler(t, mb, config.Default())

	require.NoError(t, s.ReconcileStartup(context.Background()))

	// Baseline captured at the mock's 10k equity: no drawdown yet.
	assert.InDelta(t, 0.0, riskMgr.DrawdownPct(10_000), 1e-9)
	assert.False(t, riskMgr.CheckCircuitBreaker(10_000))
}

func TestEntriesAllowed(t *testing.T) {
	regular := config.Default()
	extended := config.Default()
	extended.EnableExtendedHours = true

	tests := []struct {
		name    string
		cfg     *config.Config
		session marketclock.Session
		want    bool
	}{
		{"regular session always trades", regular, marketclock.SessionRegular, true},
		{"pre-market blocked by default", regular, marketclock.SessionPreMarket, false},
		{"after-hours blocked by default", regular, marketclock.SessionAfterHours, false},
		{"pre-market allowed when enabled", extended, marketclock.SessionPreMarket, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler(t, mock.NewBroker(), tt.cfg)
			assert.Equal(t, tt.want, s.entriesAllowed(tt.session))
		})
	}
}
