package funnel

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/oracle"
)

// Thresholds for the local regime heuristic, expressed on annualized
// volatility and 5-session index drift.
const (
	volatileSigma  = 0.35
	quietSigma     = 0.12
	trendDrift     = 0.02
	regimeBarCount = 30
	indexSymbol    = "SPY"
)

// Oracle is the advisory intelligence surface the funnel consumes.
type Oracle interface {
	Enabled() bool
	ClassifyRegime(ctx context.Context, ind oracle.Indicators) (oracle.RegimeCall, error)
	ScoreCandidates(ctx context.Context, regime models.MarketRegime,
		candidates []models.Opportunity) (map[string]float64, error)
}

var _ Oracle = (*oracle.Client)(nil)

// DetectRegime classifies the market regime from recent daily index
// bars. Returns the regime and a confidence in [0, 1].
func DetectRegime(bars []broker.Bar) (models.MarketRegime, float64) {
	if len(bars) < 10 {
		return models.RegimeRangeBound, 0.3
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	rets := dailyReturns(closes)
	sigma := stat.StdDev(rets, nil) * math.Sqrt(252)

	last := closes[len(closes)-1]
	drift5 := last/closes[len(closes)-6] - 1

	switch {
	case sigma >= volatileSigma:
		return models.RegimeVolatile, clamp01(0.5 + sigma - volatileSigma)
	case drift5 >= trendDrift:
		return models.RegimeBullTrending, clamp01(0.5 + drift5*10)
	case drift5 <= -trendDrift:
		return models.RegimeBearTrending, clamp01(0.5 - drift5*10)
	case sigma < quietSigma:
		return models.RegimeLowVolatility, 0.6
	default:
		return models.RegimeRangeBound, 0.5
	}
}

// Intelligence caches the current market regime, refreshed periodically
// from index bars with an optional oracle second opinion.
type Intelligence struct {
	gateway broker.Broker
	oracle  Oracle
	logger  zerolog.Logger

	mu          sync.Mutex
	regime      models.MarketRegime
	confidence  float64
	refreshedAt time.Time
}

// NewIntelligence creates a regime tracker. Before the first refresh
// the regime defaults to range_bound at low confidence.
func NewIntelligence(gateway broker.Broker, orc Oracle, logger zerolog.Logger) *Intelligence {
	return &Intelligence{
		gateway:    gateway,
		oracle:     orc,
		logger:     logger.With().Str("component", "intelligence").Logger(),
		regime:     models.RegimeRangeBound,
		confidence: 0.3,
	}
}

// Regime returns the current regime call.
func (in *Intelligence) Regime() (models.MarketRegime, float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.regime, in.confidence
}

// Refresh recomputes the regime from fresh index bars. The oracle's
// verdict wins when it is both available and more confident than the
// local heuristic; any oracle failure falls back to the local call.
func (in *Intelligence) Refresh(ctx context.Context) error {
	resp := in.gateway.GetBars(ctx, indexSymbol, "1Day", regimeBarCount)
	if !resp.Success {
		return resp.Err()
	}
	bars := resp.Data
	regime, confidence := DetectRegime(bars)

	if in.oracle != nil && in.oracle.Enabled() && len(bars) >= 10 {
		closes := make([]float64, len(bars))
		for i, b := range bars {
			closes[i] = b.Close
		}
		rets := dailyReturns(closes)
		ind := oracle.Indicators{
			SPYChangePct5d: (closes[len(closes)-1]/closes[len(closes)-6] - 1) * 100,
			SPYChangePct1d: rets[len(rets)-1] * 100,
			RealizedVolPct: stat.StdDev(rets, nil) * math.Sqrt(252) * 100,
		}
		if call, err := in.oracle.ClassifyRegime(ctx, ind); err != nil {
			in.logger.Warn().Err(err).Msg("oracle regime call failed, using local heuristic")
		} else if call.Confidence > confidence {
			regime, confidence = call.Regime, call.Confidence
		}
	}

	in.mu.Lock()
	changed := regime != in.regime
	in.regime = regime
	in.confidence = confidence
	in.refreshedAt = time.Now().UTC()
	in.mu.Unlock()

	evt := in.logger.Info()
	if changed {
		evt = in.logger.Warn()
	}
	evt.Str("regime", string(regime)).
		Float64("confidence", confidence).
		Bool("changed", changed).
		Msg("market regime refreshed")
	return nil
}

func dailyReturns(closes []float64) []float64 {
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			rets = append(rets, closes[i]/closes[i-1]-1)
		}
	}
	return rets
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
