// Package funnel is the three-stage opportunity discovery pipeline:
// a broad screener scan, a zero-call strategic filter scored against the
// current market regime, and a budgeted deep dive that attaches
// technical analysis. Each cycle runs under a strict broker-call budget
// and a wall-clock deadline; exhaustion yields partial results, never an
// error.
package funnel

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/models"
)

const (
	// cycleWallClock bounds one full funnel cycle.
	cycleWallClock = 60 * time.Second

	// Stage 1 hard filters. Price bounds come from config; these are
	// fixed liquidity floors.
	minAvgVolume    = 1_000_000
	minAbsChangePct = 2.0

	// Stage 2 keeps this many candidates for the deep dive.
	stage2Survivors = 30

	// Stage 3 spends this many calls per symbol: daily bars, intraday
	// bars, latest quote.
	callsPerDeepDive = 3

	// maxSpreadPct rejects illiquid books at the deep dive, as a
	// percentage of the quote midpoint.
	maxSpreadPct = 1.0

	// unusualVolumeRatio relabels a most-active candidate as an
	// unusual-volume discovery.
	unusualVolumeRatio = 3.0

	screenerPageSize = 50
	newsPageSize     = 30
	dailyBarCount    = 30
	intradayBarCount = 50
	avgVolumeWindow  = 20
)

// Budget counts deep-dive broker calls against a per-cycle cap.
type Budget struct {
	limit int
	used  int
}

// NewBudget creates a call budget.
func NewBudget(limit int) *Budget { return &Budget{limit: limit} }

// Take reserves n calls, reporting false when the budget cannot cover
// them. A failed Take reserves nothing.
func (b *Budget) Take(n int) bool {
	if b.used+n > b.limit {
		return false
	}
	b.used += n
	return true
}

// Used returns how many calls have been spent.
func (b *Budget) Used() int { return b.used }

// CycleStats summarizes one funnel cycle for the cycle log line.
type CycleStats struct {
	Scanned       int
	AfterFilters  int
	AfterStrategy int
	DeepDived     int
	Emitted       int
	DeepDiveCalls int
	OracleUsed    bool
	Elapsed       time.Duration
}

// Funnel runs the discovery pipeline.
type Funnel struct {
	gateway broker.Broker
	oracle  Oracle
	cfg     *config.Config
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a funnel. oracle may be nil or disabled.
func New(gateway broker.Broker, orc Oracle, cfg *config.Config, logger zerolog.Logger) *Funnel {
	return &Funnel{
		gateway: gateway,
		oracle:  orc,
		cfg:     cfg,
		logger:  logger.With().Str("component", "funnel").Logger(),
		now:     time.Now,
	}
}

// Run executes one funnel cycle for the given regime and returns the
// scored opportunities, best first, capped at the configured maximum.
func (f *Funnel) Run(ctx context.Context, regime models.MarketRegime) ([]models.Opportunity, CycleStats) {
	started := f.now()
	ctx, cancel := context.WithTimeout(ctx, cycleWallClock)
	defer cancel()

	var stats CycleStats

	candidates := f.broadScan(ctx, &stats)
	survivors := f.strategicFilter(ctx, regime, candidates, &stats)
	opportunities := f.deepDive(ctx, survivors, &stats)

	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].Score > opportunities[j].Score
	})
	if len(opportunities) > f.cfg.MaxOpportunities {
		opportunities = opportunities[:f.cfg.MaxOpportunities]
	}
	stats.Emitted = len(opportunities)
	stats.Elapsed = f.now().Sub(started)

	f.logger.Info().
		Int("scanned", stats.Scanned).
		Int("after_filters", stats.AfterFilters).
		Int("after_strategy", stats.AfterStrategy).
		Int("deep_dived", stats.DeepDived).
		Int("emitted", stats.Emitted).
		Int("deep_dive_calls", stats.DeepDiveCalls).
		Bool("oracle_used", stats.OracleUsed).
		Str("regime", string(regime)).
		Dur("elapsed", stats.Elapsed).
		Msg("funnel cycle complete")
	return opportunities, stats
}

// broadScan queries the screener endpoints, merges by symbol and applies
// the hard filters where the feed supplies the data. Screener rows are
// sparse: movers carry price and change, most-actives only volume, news
// only symbols. Missing fields are resolved and re-filtered at the deep
// dive.
func (f *Funnel) broadScan(ctx context.Context, stats *CycleStats) []models.Opportunity {
	seen := make(map[string]*models.Opportunity)
	discoveredAt := f.now().UTC()

	add := func(symbol string, src models.DiscoverySource) *models.Opportunity {
		if o, ok := seen[symbol]; ok {
			return o
		}
		o := &models.Opportunity{Symbol: symbol, Source: src, DiscoveredAt: discoveredAt}
		seen[symbol] = o
		return o
	}

	if resp := f.gateway.GetMarketMovers(ctx, screenerPageSize); resp.Success {
		for _, m := range append(resp.Data.Gainers, resp.Data.Losers...) {
			o := add(m.Symbol, models.SourceTopMovers)
			o.Price = m.Price
			o.DailyChangePct = m.PercentChange
		}
	} else {
		f.logger.Warn().Str("error_kind", string(resp.ErrorKind)).Msg("movers scan failed")
	}

	if resp := f.gateway.GetMostActive(ctx, screenerPageSize); resp.Success {
		for _, a := range resp.Data {
			o := add(a.Symbol, models.SourceMostActive)
			o.Volume = a.Volume
		}
	} else {
		f.logger.Warn().Str("error_kind", string(resp.ErrorKind)).Msg("most-actives scan failed")
	}

	if resp := f.gateway.GetNews(ctx, nil, newsPageSize); resp.Success {
		for _, item := range resp.Data {
			for _, sym := range item.Symbols {
				add(sym, models.SourceNewsDriven)
			}
		}
	} else {
		f.logger.Warn().Str("error_kind", string(resp.ErrorKind)).Msg("news scan failed")
	}

	stats.Scanned = len(seen)

	out := make([]models.Opportunity, 0, len(seen))
	for _, o := range seen {
		if o.Price > 0 && (o.Price < f.cfg.MinPrice || o.Price > f.cfg.MaxPrice) {
			continue
		}
		if o.Price > 0 && math.Abs(o.DailyChangePct) < minAbsChangePct {
			continue
		}
		if o.AvgVolume > 0 && o.AvgVolume < minAvgVolume {
			continue
		}
		out = append(out, *o)
	}
	stats.AfterFilters = len(out)
	return out
}

// strategicFilter scores every candidate against the regime without
// spending broker calls, keeps the top slice, and lets the oracle
// re-rank it when reachable.
func (f *Funnel) strategicFilter(ctx context.Context, regime models.MarketRegime,
	candidates []models.Opportunity, stats *CycleStats) []models.Opportunity {

	if len(candidates) == 0 {
		return nil
	}
	changes := make([]float64, len(candidates))
	for i := range candidates {
		changes[i] = candidates[i].DailyChangePct
	}
	mean := stat.Mean(changes, nil)
	sd := stat.StdDev(changes, nil)

	w := weightsFor(regime)
	for i := range candidates {
		o := &candidates[i]
		z := 0.0
		if sd > 0 {
			z = (o.DailyChangePct - mean) / sd
		}
		volumeTerm := 0.0
		if o.VolumeRatio > 0 {
			volumeTerm = math.Log(o.VolumeRatio)
		}
		o.Score = w.momentum*momentumTerm(regime, z) +
			w.volume*volumeTerm +
			w.sector*sectorFit(regime, o.Sector) -
			w.risk*math.Abs(z)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > stage2Survivors {
		candidates = candidates[:stage2Survivors]
	}
	normalizeScores(candidates)

	if f.oracle != nil && f.oracle.Enabled() {
		if scores, err := f.oracle.ScoreCandidates(ctx, regime, candidates); err != nil {
			f.logger.Warn().Err(err).Msg("oracle re-rank skipped")
		} else {
			stats.OracleUsed = true
			for i := range candidates {
				if s, ok := scores[candidates[i].Symbol]; ok {
					candidates[i].Score = 0.6*candidates[i].Score + 0.4*s
				}
			}
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].Score > candidates[j].Score
			})
		}
	}

	stats.AfterStrategy = len(candidates)
	return candidates
}

// deepDive spends the call budget attaching technical analysis, in score
// order, and re-applies the hard filters with authoritative data.
func (f *Funnel) deepDive(ctx context.Context, survivors []models.Opportunity, stats *CycleStats) []models.Opportunity {
	budget := NewBudget(f.cfg.DeepDiveBudget)
	out := make([]models.Opportunity, 0, len(survivors))

	for i := range survivors {
		if ctx.Err() != nil {
			f.logger.Warn().Int("remaining", len(survivors)-i).Msg("cycle deadline hit, emitting partial results")
			break
		}
		if !budget.Take(callsPerDeepDive) {
			f.logger.Info().Int("remaining", len(survivors)-i).Msg("deep dive budget exhausted")
			break
		}
		o := survivors[i]
		stats.DeepDived++
		if f.analyze(ctx, &o) {
			out = append(out, o)
		}
	}
	stats.DeepDiveCalls = budget.Used()
	return out
}

// analyze fills one candidate's analysis. Returns false when the symbol
// must be dropped.
func (f *Funnel) analyze(ctx context.Context, o *models.Opportunity) bool {
	daily := f.gateway.GetBars(ctx, o.Symbol, "1Day", dailyBarCount)
	if !daily.Success || len(daily.Data) < 15 {
		f.logger.Warn().Str("symbol", o.Symbol).Msg("insufficient daily bars, dropping")
		return false
	}
	bars := daily.Data

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], highs[i], lows[i] = b.Close, b.High, b.Low
	}

	rsi := talib.Rsi(closes, 14)
	macd, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)
	atr := talib.Atr(highs, lows, closes, 14)

	analysis := &models.Analysis{
		RSI14:        last(rsi),
		MACD:         last(macd),
		MACDSignal:   last(macdSignal),
		MACDHist:     last(macdHist),
		ATR14:        last(atr),
		DailyReturns: dailyReturns(closes),
	}

	// Authoritative liquidity figures from the bars themselves.
	lastBar := bars[len(bars)-1]
	o.Volume = lastBar.Volume
	o.AvgVolume = avgVolume(bars)
	if o.AvgVolume > 0 {
		o.VolumeRatio = float64(o.Volume) / float64(o.AvgVolume)
	}
	if len(bars) >= 2 {
		prev := bars[len(bars)-2].Close
		if prev > 0 {
			o.DailyChangePct = (lastBar.Close/prev - 1) * 100
		}
	}

	// Intraday bars confirm the symbol trades actively right now.
	intraday := f.gateway.GetBars(ctx, o.Symbol, "5Min", intradayBarCount)
	if !intraday.Success || len(intraday.Data) == 0 {
		f.logger.Warn().Str("symbol", o.Symbol).Msg("no intraday bars, dropping")
		return false
	}

	quote := f.gateway.GetLatestQuote(ctx, o.Symbol)
	if !quote.Success {
		f.logger.Warn().
			Str("symbol", o.Symbol).
			Str("error_kind", string(quote.ErrorKind)).
			Msg("quote unavailable or stale, dropping")
		return false
	}
	q := quote.Data
	analysis.BidPrice = q.BidPrice
	analysis.AskPrice = q.AskPrice
	analysis.QuoteTime = q.Timestamp
	analysis.SpreadPct = q.SpreadPct()
	o.Price = q.Mid()

	// Hard filters, now with authoritative data.
	if o.Price < f.cfg.MinPrice || o.Price > f.cfg.MaxPrice {
		return false
	}
	if o.AvgVolume < minAvgVolume {
		return false
	}
	if math.Abs(o.DailyChangePct) < minAbsChangePct {
		return false
	}
	if analysis.SpreadPct > maxSpreadPct {
		f.logger.Warn().
			Str("symbol", o.Symbol).
			Float64("spread_pct", analysis.SpreadPct).
			Msg("spread too wide, dropping")
		return false
	}

	if o.Source == models.SourceMostActive && o.VolumeRatio >= unusualVolumeRatio {
		o.Source = models.SourceUnusualVolume
	}
	o.Analysis = analysis
	return true
}

type weights struct {
	momentum float64
	volume   float64
	sector   float64
	risk     float64
}

func weightsFor(regime models.MarketRegime) weights {
	switch regime {
	case models.RegimeBullTrending:
		return weights{momentum: 0.5, volume: 0.2, sector: 0.2, risk: 0.1}
	case models.RegimeBearTrending:
		return weights{momentum: 0.2, volume: 0.2, sector: 0.3, risk: 0.3}
	case models.RegimeVolatile:
		return weights{momentum: 0.2, volume: 0.2, sector: 0.2, risk: 0.4}
	case models.RegimeLowVolatility:
		return weights{momentum: 0.4, volume: 0.3, sector: 0.2, risk: 0.1}
	default: // range_bound
		return weights{momentum: 0.25, volume: 0.3, sector: 0.25, risk: 0.2}
	}
}

// momentumTerm orients the change z-score to the regime: trends favor
// one direction, choppy regimes trade either side.
func momentumTerm(regime models.MarketRegime, z float64) float64 {
	switch regime {
	case models.RegimeBullTrending, models.RegimeLowVolatility:
		return z
	case models.RegimeBearTrending:
		return -z
	default:
		return math.Abs(z)
	}
}

// sectorFit scores how well a sector suits the regime. Unknown sectors
// are neutral.
func sectorFit(regime models.MarketRegime, sector string) float64 {
	if sector == "" {
		return 0.5
	}
	favored := map[models.MarketRegime]map[string]bool{
		models.RegimeBullTrending:  {"technology": true, "consumer_discretionary": true, "communication_services": true},
		models.RegimeBearTrending:  {"utilities": true, "consumer_staples": true, "healthcare": true},
		models.RegimeVolatile:      {"utilities": true, "healthcare": true},
		models.RegimeRangeBound:    {"financials": true, "industrials": true},
		models.RegimeLowVolatility: {"technology": true, "industrials": true},
	}
	if favored[regime][sector] {
		return 1.0
	}
	return 0.3
}

// normalizeScores rescales scores into [0, 1] so they can blend with
// oracle scores and feed signal confidence.
func normalizeScores(candidates []models.Opportunity) {
	if len(candidates) == 0 {
		return
	}
	lo, hi := candidates[0].Score, candidates[0].Score
	for _, o := range candidates[1:] {
		lo = math.Min(lo, o.Score)
		hi = math.Max(hi, o.Score)
	}
	span := hi - lo
	for i := range candidates {
		if span > 0 {
			candidates[i].Score = (candidates[i].Score - lo) / span
		} else {
			candidates[i].Score = 0.5
		}
	}
}

func avgVolume(bars []broker.Bar) int64 {
	window := bars
	if len(window) > avgVolumeWindow+1 {
		window = window[len(window)-avgVolumeWindow-1:]
	}
	if len(window) > 1 {
		window = window[:len(window)-1] // exclude the in-progress session
	}
	var sum int64
	for _, b := range window {
		sum += b.Volume
	}
	return sum / int64(len(window))
}

func last(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return vals[len(vals)-1]
}
