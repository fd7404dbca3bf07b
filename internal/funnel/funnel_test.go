package funnel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/mock"
	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/oracle"
)

func TestDetectRegime(t *testing.T) {
	end := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)

	t.Run("steady climb is bull trending", func(t *testing.T) {
		regime, conf := DetectRegime(mock.TrendingBars(100, 0.6, 30, end))
		assert.Equal(t, models.RegimeBullTrending, regime)
		assert.Greater(t, conf, 0.5)
	})

	t.Run("steady decline is bear trending", func(t *testing.T) {
		regime, _ := DetectRegime(mock.TrendingBars(100, -0.6, 30, end))
		assert.Equal(t, models.RegimeBearTrending, regime)
	})

	t.Run("flat quiet tape is low volatility", func(t *testing.T) {
		regime, _ := DetectRegime(mock.TrendingBars(100, 0.01, 30, end))
		assert.Equal(t, models.RegimeLowVolatility, regime)
	})

	t.Run("whipsaw tape is volatile", func(t *testing.T) {
		bars := make([]broker.Bar, 30)
		price := 100.0
		for i := range bars {
			if i%2 == 0 {
				price *= 1.04
			} else {
				price *= 0.96
			}
			bars[i] = broker.Bar{Close: price, High: price * 1.02, Low: price * 0.98, Volume: 1}
		}
		regime, _ := DetectRegime(bars)
		assert.Equal(t, models.RegimeVolatile, regime)
	})

	t.Run("too few bars defaults to range bound", func(t *testing.T) {
		regime, conf := DetectRegime(mock.TrendingBars(100, 1, 5, end))
		assert.Equal(t, models.RegimeRangeBound, regime)
		assert.InDelta(t, 0.3, conf, 1e-9)
	})
}

func TestBudget(t *testing.T) {
	b := NewBudget(7)
	assert.True(t, b.Take(3))
	assert.True(t, b.Take(3))
	assert.False(t, b.Take(3), "only one call left, cannot cover three")
	assert.Equal(t, 6, b.Used(), "failed take must reserve nothing")
	assert.True(t, b.Take(1))
}

// scanBroker scripts a broker whose screeners return the given movers
// and whose deep-dive data passes every hard filter.
func scanBroker(gainers []broker.Mover) *mock.Broker {
	b := mock.NewBroker()
	b.MoversFn = func(ctx context.Context, top int) broker.ApiResponse[broker.Movers] {
		return broker.OK(200, broker.Movers{Gainers: gainers})
	}
	b.BarsFn = func(ctx context.Context, symbol, timeframe string, limit int) broker.ApiResponse[[]broker.Bar] {
		return broker.OK(200, mock.TrendingBars(150, 2.5, 30, time.Now().UTC()))
	}
	b.QuoteFn = func(ctx context.Context, symbol string) broker.ApiResponse[broker.Quote] {
		return broker.OK(200, broker.Quote{
			Symbol: symbol, BidPrice: 199.9, AskPrice: 200.1,
			BidSize: 10, AskSize: 10, Timestamp: time.Now().UTC(),
		})
	}
	return b
}

func newTestFunnel(b broker.Broker, orc Oracle) *Funnel {
	return New(b, orc, config.Default(), zerolog.Nop())
}

func TestRun_EmitsAnalyzedOpportunities(t *testing.T) {
	b := scanBroker([]broker.Mover{
		{Symbol: "NVDA", Price: 200, PercentChange: 5.2},
		{Symbol: "AMD", Price: 150, PercentChange: 3.1},
	})
	f := newTestFunnel(b, nil)

	opps, stats := f.Run(context.Background(), models.RegimeBullTrending)
	require.Len(t, opps, 2)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Emitted)
	assert.False(t, stats.OracleUsed)

	for _, o := range opps {
		require.NotNil(t, o.Analysis, "%s must carry analysis", o.Symbol)
		assert.Greater(t, o.Analysis.ATR14, 0.0)
		assert.Greater(t, o.Analysis.RSI14, 50.0, "monotone climb keeps RSI high")
		assert.InDelta(t, 200.0, o.Price, 0.2, "price comes from the quote mid")
		assert.GreaterOrEqual(t, o.VolumeRatio, 1.0)
		assert.NotEmpty(t, o.Analysis.DailyReturns)
	}
	// Best score first.
	for i := 1; i < len(opps); i++ {
		assert.GreaterOrEqual(t, opps[i-1].Score, opps[i].Score)
	}
}

func TestRun_HardFiltersPruneScreenerRows(t *testing.T) {
	b := scanBroker([]broker.Mover{
		{Symbol: "GOOD", Price: 200, PercentChange: 4},
		{Symbol: "PRICEY", Price: 900, PercentChange: 8},  // above price band
		{Symbol: "SLEEPY", Price: 50, PercentChange: 0.5}, // change below 2%
	})
	f := newTestFunnel(b, nil)

	opps, stats := f.Run(context.Background(), models.RegimeRangeBound)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 1, stats.AfterFilters)
	require.Len(t, opps, 1)
	assert.Equal(t, "GOOD", opps[0].Symbol)
}

func TestRun_DeepDiveBudgetCapsCalls(t *testing.T) {
	gainers := make([]broker.Mover, 12)
	for i := range gainers {
		gainers[i] = broker.Mover{
			Symbol:        fmt.Sprintf("SYM%02d", i),
			Price:         200,
			PercentChange: 3 + float64(i)*0.1,
		}
	}
	b := scanBroker(gainers)
	cfg := config.Default()
	cfg.DeepDiveBudget = 9 // three symbols at three calls each
	f := New(b, nil, cfg, zerolog.Nop())

	_, stats := f.Run(context.Background(), models.RegimeBullTrending)
	assert.Equal(t, 3, stats.DeepDived)
	assert.Equal(t, 9, stats.DeepDiveCalls)
}

func TestRun_CapsEmittedCount(t *testing.T) {
	gainers := make([]broker.Mover, 6)
	for i := range gainers {
		gainers[i] = broker.Mover{
			Symbol:        fmt.Sprintf("SYM%02d", i),
			Price:         200,
			PercentChange: 3 + float64(i)*0.1,
		}
	}
	b := scanBroker(gainers)
	cfg := config.Default()
	cfg.MaxOpportunities = 4
	f := New(b, nil, cfg, zerolog.Nop())

	opps, _ := f.Run(context.Background(), models.RegimeBullTrending)
	assert.Len(t, opps, 4)
}

func TestRun_WideSpreadDropped(t *testing.T) {
	b := scanBroker([]broker.Mover{{Symbol: "WIDE", Price: 200, PercentChange: 4}})
	b.QuoteFn = func(ctx context.Context, symbol string) broker.ApiResponse[broker.Quote] {
		return broker.OK(200, broker.Quote{
			Symbol: symbol, BidPrice: 196, AskPrice: 204, // 4% spread
			Timestamp: time.Now().UTC(),
		})
	}
	f := newTestFunnel(b, nil)

	opps, stats := f.Run(context.Background(), models.RegimeBullTrending)
	assert.Empty(t, opps)
	assert.Equal(t, 1, stats.DeepDived)
}

func TestRun_StaleQuoteDropped(t *testing.T) {
	b := scanBroker([]broker.Mover{{Symbol: "OLD", Price: 200, PercentChange: 4}})
	b.QuoteFn = func(ctx context.Context, symbol string) broker.ApiResponse[broker.Quote] {
		return broker.Fail[broker.Quote](200, broker.ErrKindStaleData, "quote is 40m old", false)
	}
	f := newTestFunnel(b, nil)

	opps, _ := f.Run(context.Background(), models.RegimeBullTrending)
	assert.Empty(t, opps)
}

// boostOracle scores one symbol high and everything else low.
type boostOracle struct{ favorite string }

func (o *boostOracle) Enabled() bool { return true }

func (o *boostOracle) ClassifyRegime(ctx context.Context, ind oracle.Indicators) (oracle.RegimeCall, error) {
	return oracle.RegimeCall{Regime: models.RegimeBullTrending, Confidence: 0.9}, nil
}

func (o *boostOracle) ScoreCandidates(ctx context.Context, regime models.MarketRegime,
	candidates []models.Opportunity) (map[string]float64, error) {
	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		if c.Symbol == o.favorite {
			scores[c.Symbol] = 1.0
		} else {
			scores[c.Symbol] = 0.0
		}
	}
	return scores, nil
}

func TestRun_OracleReranksCandidates(t *testing.T) {
	b := scanBroker([]broker.Mover{
		{Symbol: "HOT", Price: 200, PercentChange: 8},
		{Symbol: "WARM", Price: 200, PercentChange: 5},
		{Symbol: "MILD", Price: 200, PercentChange: 2.5},
	})
	f := newTestFunnel(b, &boostOracle{favorite: "WARM"})

	opps, stats := f.Run(context.Background(), models.RegimeBullTrending)
	require.Len(t, opps, 3)
	assert.True(t, stats.OracleUsed)
	assert.Equal(t, "WARM", opps[0].Symbol, "oracle boost must lift the middle candidate past the local leader")
}

// failOracle always errors; the pipeline must not care.
type failOracle struct{}

func (failOracle) Enabled() bool { return true }
func (failOracle) ClassifyRegime(ctx context.Context, ind oracle.Indicators) (oracle.RegimeCall, error) {
	return oracle.RegimeCall{}, oracle.ErrUnavailable
}
func (failOracle) ScoreCandidates(ctx context.Context, regime models.MarketRegime,
	candidates []models.Opportunity) (map[string]float64, error) {
	return nil, oracle.ErrUnavailable
}

func TestRun_OracleFailureFallsBackToLocalScore(t *testing.T) {
	b := scanBroker([]broker.Mover{{Symbol: "NVDA", Price: 200, PercentChange: 5}})
	f := newTestFunnel(b, failOracle{})

	opps, stats := f.Run(context.Background(), models.RegimeBullTrending)
	require.Len(t, opps, 1)
	assert.False(t, stats.OracleUsed)
}

func TestIntelligence_RefreshPrefersConfidentOracle(t *testing.T) {
	b := mock.NewBroker()
	b.BarsFn = func(ctx context.Context, symbol, timeframe string, limit int) broker.ApiResponse[[]broker.Bar] {
		assert.Equal(t, "SPY", symbol)
		return broker.OK(200, mock.TrendingBars(500, 0.01, 30, time.Now().UTC()))
	}

	in := NewIntelligence(b, &boostOracle{}, zerolog.Nop())
	regime, conf := in.Regime()
	assert.Equal(t, models.RegimeRangeBound, regime, "default before first refresh")
	assert.InDelta(t, 0.3, conf, 1e-9)

	require.NoError(t, in.Refresh(context.Background()))
	regime, conf = in.Regime()
	assert.Equal(t, models.RegimeBullTrending, regime, "oracle at 0.9 beats the local call")
	assert.InDelta(t, 0.9, conf, 1e-9)
}

func TestIntelligence_RefreshFallsBackWhenOracleFails(t *testing.T) {
	b := mock.NewBroker()
	b.BarsFn = func(ctx context.Context, symbol, timeframe string, limit int) broker.ApiResponse[[]broker.Bar] {
		return broker.OK(200, mock.TrendingBars(500, 0.6, 30, time.Now().UTC()))
	}

	in := NewIntelligence(b, failOracle{}, zerolog.Nop())
	require.NoError(t, in.Refresh(context.Background()))
	regime, _ := in.Regime()
	assert.Equal(t, models.RegimeBullTrending, regime)
}
