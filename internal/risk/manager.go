// Package risk is the compliance core: per-trade, portfolio and daily
// risk gates, position sizing, and the daily drawdown circuit breaker.
// Every order flows through this package before submission.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/models"
)

// accountCacheTTL bounds how stale a cached equity snapshot may be when
// used for risk math.
const accountCacheTTL = 5 * time.Second

// tradingSessionsPerYear annualizes daily-return volatility.
const tradingSessionsPerYear = 252

// GateError is a risk gate rejection. Kind maps onto the engine's error
// taxonomy for structured logging.
type GateError struct {
	Kind   broker.ErrorKind
	Reason string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("risk gate rejected (%s): %s", e.Kind, e.Reason)
}

func reject(reason string, args ...any) *GateError {
	return &GateError{Kind: broker.ErrKindInvalidOrder, Reason: fmt.Sprintf(reason, args...)}
}

// PositionRisk summarizes one open position for the portfolio gates.
type PositionRisk struct {
	Symbol   string
	Sector   string
	Notional float64
	Risk     float64 // dollars lost if the protective stop fills
}

// AccountSource is the slice of the gateway the manager needs.
type AccountSource interface {
	GetAccount(ctx context.Context) broker.ApiResponse[models.AccountSnapshot]
}

// Manager enforces the risk policy. Safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	source AccountSource
	logger zerolog.Logger

	mu            sync.Mutex
	cached        *models.AccountSnapshot
	initialEquity float64
	halted        bool
	haltReason    string
}

// NewManager creates a risk manager.
func NewManager(cfg *config.Config, source AccountSource, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		source: source,
		logger: logger.With().Str("component", "risk").Logger(),
	}
}

// Account returns a fresh-enough account snapshot, fetching from the
// gateway when the cache has expired.
func (m *Manager) Account(ctx context.Context) (*models.AccountSnapshot, error) {
	m.mu.Lock()
	if m.cached != nil && time.Since(m.cached.TakenAt) < accountCacheTTL {
		snap := *m.cached
		m.mu.Unlock()
		return &snap, nil
	}
	m.mu.Unlock()

	resp := m.source.GetAccount(ctx)
	if !resp.Success {
		return nil, fmt.Errorf("fetch account: %w", resp.Err())
	}
	snap := resp.Data

	m.mu.Lock()
	m.cached = &snap
	if m.initialEquity == 0 {
		m.initialEquity = snap.Equity
		m.logger.Info().Float64("initial_equity", snap.Equity).Msg("session baseline equity captured")
	}
	m.mu.Unlock()
	return &snap, nil
}

// StartSession records the session baseline equity and re-arms the
// circuit breaker for a new trading day.
func (m *Manager) StartSession(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialEquity = equity
	m.halted = false
	m.haltReason = ""
	m.logger.Info().Float64("initial_equity", equity).Msg("risk session started")
}

// Halted reports whether the engine is in halted mode.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// HaltReason returns why the engine halted, if it has.
func (m *Manager) HaltReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltReason
}

// Halt forces halted mode (used for external kill conditions).
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return
	}
	m.halted = true
	m.haltReason = reason
	m.logger.Error().Str("alert", "trading_halted").Str("reason", reason).Msg("trading halted")
}

// DrawdownPct returns the intraday drawdown from the session baseline.
func (m *Manager) DrawdownPct(equity float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialEquity <= 0 {
		return 0
	}
	return (m.initialEquity - equity) / m.initialEquity
}

// CheckCircuitBreaker evaluates the daily drawdown gate. Returns true
// exactly once, on the transition into halted mode; checking again
// while already halted is a no-op, which makes the emergency protocol
// idempotent at this layer.
func (m *Manager) CheckCircuitBreaker(equity float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted || m.initialEquity <= 0 {
		return false
	}
	drawdown := (m.initialEquity - equity) / m.initialEquity
	if drawdown < m.cfg.CircuitBreakerPct {
		return false
	}
	m.halted = true
	m.haltReason = fmt.Sprintf("daily drawdown %.2f%% breached %.2f%% limit",
		drawdown*100, m.cfg.CircuitBreakerPct*100)
	m.logger.Error().
		Str("alert", "circuit_breaker_tripped").
		Float64("drawdown_pct", drawdown*100).
		Float64("limit_pct", m.cfg.CircuitBreakerPct*100).
		Float64("equity", equity).
		Float64("initial_equity", m.initialEquity).
		Msg("daily circuit breaker tripped")
	return true
}

// Size computes the share quantity for a signal:
//
//	riskBudget = min(maxTradeRisk·E, maxPositionPct·E·stopDistancePct)
//	qty        = floor(riskBudget / riskPerShare)
//
// In volatility_adjusted mode the quantity is additionally scaled by
// 1/(1+σ) with σ the annualized stddev of the recent daily returns; the
// per-trade caps are re-enforced after the adjustment.
func (m *Manager) Size(entry, stop, equity float64, dailyReturns []float64, extendedSession bool) int {
	riskPerShare := math.Abs(entry - stop)
	if riskPerShare <= 0 || entry <= 0 || equity <= 0 {
		return 0
	}
	maxPosPct := m.cfg.EffectiveMaxPositionPct(extendedSession)
	stopDistancePct := riskPerShare / entry
	riskBudget := math.Min(m.cfg.MaxTradeRiskPct*equity, maxPosPct*equity*stopDistancePct)
	qty := math.Floor(riskBudget / riskPerShare)

	if m.cfg.Sizing == config.SizingVolatilityAdjusted && len(dailyReturns) >= 2 {
		sigma := stat.StdDev(dailyReturns, nil) * math.Sqrt(tradingSessionsPerYear)
		if sigma > 0 {
			qty = math.Floor(qty / (1 + sigma))
		}
	}

	// Caps hold regardless of sizing mode or adjustment.
	if notionalCap := math.Floor(maxPosPct * equity / entry); qty > notionalCap {
		qty = notionalCap
	}
	if qty < 0 {
		qty = 0
	}
	return int(qty)
}

// CheckTrade applies the per-trade and portfolio gates to a sized
// signal. open describes the current positions; extendedSession tightens
// the notional cap.
func (m *Manager) CheckTrade(sig *models.TradeSignal, opp *models.Opportunity,
	acct *models.AccountSnapshot, open []PositionRisk, extendedSession bool) error {

	m.mu.Lock()
	halted := m.halted
	m.mu.Unlock()
	if halted {
		return &GateError{Kind: broker.ErrKindCircuitBreaker, Reason: "trading is halted"}
	}
	if err := sig.Validate(); err != nil {
		return reject("malformed signal: %v", err)
	}
	if sig.Quantity <= 0 {
		return reject("%s: computed quantity is zero", sig.Symbol)
	}
	equity := acct.Equity
	if equity <= 0 {
		return reject("account equity is non-positive")
	}

	// Per-trade gates.
	if sig.Entry < m.cfg.MinPrice {
		return reject("%s: price %.2f below floor %.2f", sig.Symbol, sig.Entry, m.cfg.MinPrice)
	}
	if opp != nil && opp.VolumeRatio < 1.0 {
		// Exactly 1.0 passes: average-volume names are tradable.
		return reject("%s: volume ratio %.2f below average", sig.Symbol, opp.VolumeRatio)
	}
	notional := sig.Entry * float64(sig.Quantity)
	maxNotional := m.cfg.EffectiveMaxPositionPct(extendedSession) * equity
	if notional > maxNotional+1e-9 {
		return reject("%s: notional %.2f exceeds %.2f cap", sig.Symbol, notional, maxNotional)
	}
	tradeRisk := sig.RiskPerShare() * float64(sig.Quantity)
	maxTradeRisk := m.cfg.MaxTradeRiskPct * equity
	if tradeRisk > maxTradeRisk+1e-9 {
		return reject("%s: equity at risk %.2f exceeds %.2f cap", sig.Symbol, tradeRisk, maxTradeRisk)
	}
	if rr := sig.RewardRisk(); rr < m.cfg.MinRewardRisk {
		return reject("%s: reward:risk %.2f below %.2f", sig.Symbol, rr, m.cfg.MinRewardRisk)
	}

	// Portfolio gates.
	for _, p := range open {
		if p.Symbol == sig.Symbol {
			return reject("%s: position already open", sig.Symbol)
		}
	}
	if len(open)+1 > m.cfg.MaxConcurrentPositions {
		return reject("position count %d at configured maximum %d",
			len(open), m.cfg.MaxConcurrentPositions)
	}
	totalRisk := tradeRisk
	for _, p := range open {
		totalRisk += p.Risk
	}
	if maxPortfolioRisk := m.cfg.MaxPortfolioRiskPct * equity; totalRisk > maxPortfolioRisk+1e-9 {
		return reject("portfolio risk %.2f would exceed %.2f cap", totalRisk, maxPortfolioRisk)
	}
	if opp != nil && opp.Sector != "" {
		sectorNotional := notional
		for _, p := range open {
			if p.Sector == opp.Sector {
				sectorNotional += p.Notional
			}
		}
		if limit := m.cfg.MaxSectorConcentrationPct * equity; sectorNotional > limit+1e-9 {
			return reject("%s: sector %q exposure %.2f would exceed %.2f cap",
				sig.Symbol, opp.Sector, sectorNotional, limit)
		}
	}
	return nil
}
