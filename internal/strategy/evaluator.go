// Package strategy turns analyzed opportunities into trade signals.
// The market regime selects one of four playbooks; each playbook decides
// direction and fit from the attached technicals, and the evaluator
// derives entry, stop and target from the quote and ATR.
package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/util"
)

// atrStopMultiple places the protective stop this many ATRs from entry.
const atrStopMultiple = 2.0

// minPlayableFit is the floor below which a playbook refuses the setup
// and the regime's fallback is consulted.
const minPlayableFit = 0.35

// playbook scores one setup: trade direction, a fit in [0, 1] and a
// human-readable rationale. ok is false when the setup is untradable
// under this playbook.
type playbook func(o *models.Opportunity) (side models.Side, fit float64, rationale string, ok bool)

// Evaluator produces trade signals from scored opportunities.
type Evaluator struct {
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates an evaluator.
func New(cfg *config.Config, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		logger: logger.With().Str("component", "strategy").Logger(),
		now:    time.Now,
	}
}

// Evaluate produces a signal for one opportunity, or nil when no
// playbook accepts the setup or confidence falls short. Quantity is left
// zero; position sizing happens at the risk gate.
func (e *Evaluator) Evaluate(o *models.Opportunity, regime models.MarketRegime) *models.TradeSignal {
	if o.Analysis == nil {
		return nil
	}
	primary, fallback := playbooksFor(regime)

	name, side, fit, rationale, ok := e.tryPlaybook(primary, o)
	if !ok || fit < minPlayableFit {
		if fbName, fbSide, fbFit, fbRationale, fbOK := e.tryPlaybook(fallback, o); fbOK && fbFit > fit {
			name, side, fit, rationale, ok = fbName, fbSide, fbFit, fbRationale, true
		}
	}
	if !ok || fit < minPlayableFit {
		e.logger.Debug().Str("symbol", o.Symbol).Str("regime", string(regime)).
			Msg("no playbook accepts the setup")
		return nil
	}

	atr := o.Analysis.ATR14
	if atr <= 0 {
		return nil
	}
	var entry, stop, target float64
	risk := atrStopMultiple * atr
	if side == models.SideBuy {
		entry = o.Analysis.AskPrice
		stop = util.RoundToTick(entry-risk, 0.01)
		target = util.RoundToTick(entry+e.cfg.RewardMultiple*risk, 0.01)
	} else {
		entry = o.Analysis.BidPrice
		stop = util.RoundToTick(entry+risk, 0.01)
		target = util.RoundToTick(entry-e.cfg.RewardMultiple*risk, 0.01)
	}
	if entry <= 0 || stop <= 0 {
		return nil
	}

	// Funnel score already folds in the oracle when it was reachable.
	confidence := 0.5*o.Score + 0.5*fit
	if confidence < e.cfg.AIConfidenceThreshold {
		e.logger.Debug().
			Str("symbol", o.Symbol).
			Float64("confidence", confidence).
			Float64("threshold", e.cfg.AIConfidenceThreshold).
			Msg("signal below confidence threshold")
		return nil
	}

	sig := &models.TradeSignal{
		Symbol:      o.Symbol,
		Side:        side,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		Confidence:  confidence,
		Strategy:    name,
		HorizonDays: 1,
		Rationale:   rationale,
		CreatedAt:   e.now().UTC(),
	}
	if err := sig.Validate(); err != nil {
		e.logger.Warn().Err(err).Str("symbol", o.Symbol).Msg("discarding malformed signal")
		return nil
	}
	e.logger.Info().
		Str("symbol", o.Symbol).
		Str("side", string(side)).
		Str("strategy", string(name)).
		Float64("entry", entry).
		Float64("stop", stop).
		Float64("target", target).
		Float64("confidence", confidence).
		Msg("signal generated")
	return sig
}

func (e *Evaluator) tryPlaybook(name models.StrategyName, o *models.Opportunity) (models.StrategyName, models.Side, float64, string, bool) {
	side, fit, rationale, ok := playbookByName(name)(o)
	return name, side, fit, rationale, ok
}

// playbooksFor returns the primary and fallback playbooks per regime.
func playbooksFor(regime models.MarketRegime) (models.StrategyName, models.StrategyName) {
	switch regime {
	case models.RegimeBullTrending:
		return models.StrategyMomentum, models.StrategyBreakout
	case models.RegimeBearTrending:
		return models.StrategyDefensive, models.StrategyMeanReversion
	case models.RegimeVolatile:
		return models.StrategyMeanReversion, models.StrategyDefensive
	case models.RegimeLowVolatility:
		return models.StrategyBreakout, models.StrategyMomentum
	default: // range_bound
		return models.StrategyMeanReversion, models.StrategyBreakout
	}
}

func playbookByName(name models.StrategyName) playbook {
	switch name {
	case models.StrategyMomentum:
		return momentum
	case models.StrategyMeanReversion:
		return meanReversion
	case models.StrategyBreakout:
		return breakout
	default:
		return defensive
	}
}

// momentum rides a move already in progress: trades with the day's
// direction, best when RSI has room left and MACD agrees.
func momentum(o *models.Opportunity) (models.Side, float64, string, bool) {
	a := o.Analysis
	side := models.SideBuy
	if o.DailyChangePct < 0 {
		side = models.SideSell
	}
	fit := 0.4
	if side == models.SideBuy && a.RSI14 > 50 && a.RSI14 < 75 {
		fit += 0.3
	}
	if side == models.SideSell && a.RSI14 < 50 && a.RSI14 > 25 {
		fit += 0.3
	}
	if (side == models.SideBuy && a.MACDHist > 0) || (side == models.SideSell && a.MACDHist < 0) {
		fit += 0.2
	}
	if o.VolumeRatio >= 2 {
		fit += 0.1
	}
	rationale := fmt.Sprintf("momentum continuation: %.1f%% move on %.1fx volume, RSI %.0f",
		o.DailyChangePct, o.VolumeRatio, a.RSI14)
	return side, clamp01(fit), rationale, true
}

// meanReversion fades an overextended move: requires RSI at an extreme
// with price stretched against it.
func meanReversion(o *models.Opportunity) (models.Side, float64, string, bool) {
	a := o.Analysis
	switch {
	case a.RSI14 <= 30 && o.DailyChangePct < 0:
		fit := 0.5 + (30-a.RSI14)/60
		rationale := fmt.Sprintf("oversold reversion: RSI %.0f after %.1f%% drop", a.RSI14, o.DailyChangePct)
		return models.SideBuy, clamp01(fit), rationale, true
	case a.RSI14 >= 70 && o.DailyChangePct > 0:
		fit := 0.5 + (a.RSI14-70)/60
		rationale := fmt.Sprintf("overbought reversion: RSI %.0f after %.1f%% rally", a.RSI14, o.DailyChangePct)
		return models.SideSell, clamp01(fit), rationale, true
	default:
		return "", 0, "", false
	}
}

// breakout buys strength confirmed by unusual volume; it never shorts.
func breakout(o *models.Opportunity) (models.Side, float64, string, bool) {
	a := o.Analysis
	if o.DailyChangePct <= 0 || o.VolumeRatio < 1.5 {
		return "", 0, "", false
	}
	fit := 0.4
	if o.VolumeRatio >= 3 {
		fit += 0.3
	} else if o.VolumeRatio >= 2 {
		fit += 0.2
	}
	if a.RSI14 > 55 && a.RSI14 < 80 {
		fit += 0.2
	}
	if a.MACDHist > 0 {
		fit += 0.1
	}
	rationale := fmt.Sprintf("volume breakout: %.1f%% move on %.1fx volume", o.DailyChangePct, o.VolumeRatio)
	return models.SideBuy, clamp01(fit), rationale, true
}

// defensive shorts bounces in weak tape and otherwise stands aside.
func defensive(o *models.Opportunity) (models.Side, float64, string, bool) {
	a := o.Analysis
	if o.DailyChangePct <= 0 || a.RSI14 < 50 {
		return "", 0, "", false
	}
	fit := 0.4
	if a.RSI14 >= 65 {
		fit += 0.2
	}
	if a.MACDHist < 0 {
		fit += 0.2
	}
	rationale := fmt.Sprintf("defensive fade: %.1f%% bounce with RSI %.0f in weak tape",
		o.DailyChangePct, a.RSI14)
	return models.SideSell, clamp01(fit), rationale, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
