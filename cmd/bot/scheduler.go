package main

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/funnel"
	"github.com/quarryhill/daytrader/internal/guard"
	"github.com/quarryhill/daytrader/internal/marketclock"
	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/orders"
	"github.com/quarryhill/daytrader/internal/pdt"
	"github.com/quarryhill/daytrader/internal/risk"
	"github.com/quarryhill/daytrader/internal/storage"
	"github.com/quarryhill/daytrader/internal/strategy"
)

// Scheduler cadences. The monitor tick is the loop heartbeat; slower
// work is due-dated off it.
const (
	monitorEvery = 10 * time.Second
	auditEvery   = time.Minute
	intelEvery   = 30 * time.Minute
)

// closeTrimHour/Minute mark when overnight-capacity trims begin
// (Eastern time, during the regular session).
const (
	closeTrimHour   = 15
	closeTrimMinute = 30
)

// Scheduler is the cooperative top-level loop: it interleaves position
// monitoring, protection audits, intelligence refreshes and scan cycles
// on coarse timers, gated by the market session and the halt state.
type Scheduler struct {
	cfg     *config.Config
	clock   *marketclock.Clock
	gateway broker.Broker
	riskMgr *risk.Manager
	ledger  *pdt.Ledger
	intel   *funnel.Intelligence
	funnel  *funnel.Funnel
	eval    *strategy.Evaluator
	orders  *orders.Manager
	guard   *guard.Guard
	store   storage.Interface
	logger  zerolog.Logger

	liquidations sync.WaitGroup

	mu            sync.Mutex
	scanInFlight  bool
	lastAudit     time.Time
	lastIntel     time.Time
	lastScan      time.Time
	closeRecorded bool
	gapsChecked   bool
}

// NewScheduler wires the loop over already-constructed components.
func NewScheduler(cfg *config.Config, clock *marketclock.Clock, gateway broker.Broker,
	riskMgr *risk.Manager, ledger *pdt.Ledger, intel *funnel.Intelligence,
	fnl *funnel.Funnel, eval *strategy.Evaluator, om *orders.Manager,
	gd *guard.Guard, store storage.Interface, logger zerolog.Logger) *Scheduler {

	return &Scheduler{
		cfg:     cfg,
		clock:   clock,
		gateway: gateway,
		riskMgr: riskMgr,
		ledger:  ledger,
		intel:   intel,
		funnel:  fnl,
		eval:    eval,
		orders:  om,
		guard:   gd,
		store:   store,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run drives the loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(monitorEvery)
	defer ticker.Stop()
	// Drain any in-flight circuit-breaker liquidation before handing
	// control back to the shutdown path.
	defer s.liquidations.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		s.tick(ctx)
	}
}

// tick runs one heartbeat: session gating first, then monitoring, then
// any due slow work.
func (s *Scheduler) tick(ctx context.Context) {
	session := s.clock.CurrentSession()

	if session == marketclock.SessionClosed {
		s.handleClosed(ctx)
		return
	}
	if session == marketclock.SessionPreMarket && !s.gapsChecked {
		if _, err := s.guard.CheckGaps(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("gap check failed")
		}
		s.gapsChecked = true
	}

	s.monitor(ctx)

	// Halted mode: monitoring continues, everything else stops.
	if s.riskMgr.Halted() {
		return
	}

	now := time.Now()
	if now.Sub(s.lastAudit) >= auditEvery {
		s.lastAudit = now
		s.maintenance(ctx, session)
	}
	if now.Sub(s.lastIntel) >= intelEvery {
		s.lastIntel = now
		if err := s.intel.Refresh(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("intelligence refresh failed")
		}
	}

	if !s.entriesAllowed(session) {
		return
	}
	extended := session != marketclock.SessionRegular
	if now.Sub(s.lastScan) >= s.cfg.ScanInterval(extended) {
		s.lastScan = now
		s.startScan(ctx, extended)
	}
}

// entriesAllowed reports whether new entries may be initiated in the
// current session.
func (s *Scheduler) entriesAllowed(session marketclock.Session) bool {
	if session == marketclock.SessionRegular {
		return true
	}
	return s.cfg.EnableExtendedHours
}

// handleClosed records the close snapshot once and then blocks until
// the next session opens.
func (s *Scheduler) handleClosed(ctx context.Context) {
	if !s.closeRecorded {
		if err := s.guard.RecordClose(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("close snapshot failed")
		}
		s.persistLedger()
		s.closeRecorded = true
		s.gapsChecked = false
	}
	if err := s.clock.WaitUntilNextOpen(ctx); err != nil {
		return
	}
	s.startSession(ctx)
}

// startSession re-arms the daily risk state at the first tick of a new
// trading day.
func (s *Scheduler) startSession(ctx context.Context) {
	s.closeRecorded = false
	acct, err := s.riskMgr.Account(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("could not capture session baseline equity")
		return
	}
	s.riskMgr.StartSession(acct.Equity)
}

// monitor refreshes the account and evaluates the circuit breaker. A
// trip launches the emergency stop in the background so the heartbeat
// keeps ticking while positions unwind; the breaker fires once per
// session, so at most one liquidation is ever in flight.
func (s *Scheduler) monitor(ctx context.Context) {
	acct, err := s.riskMgr.Account(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("account refresh failed")
		return
	}
	if s.riskMgr.CheckCircuitBreaker(acct.Equity) {
		s.liquidations.Add(1)
		go func() {
			defer s.liquidations.Done()
			report, err := s.orders.EmergencyStop(ctx, "daily_drawdown")
			if err != nil {
				s.logger.Error().Err(err).Msg("emergency stop finished with errors")
			}
			if report != nil {
				s.logger.Info().
					Int("positions", len(report.Positions)).
					Float64("residual_exposure", report.ResidualExposure).
					Msg("circuit breaker liquidation report")
			}
		}()
	}
}

// maintenance runs the once-a-minute chores: the protection audit,
// aged-position rotation, overnight-capacity trims near the close, and
// ledger persistence.
func (s *Scheduler) maintenance(ctx context.Context, session marketclock.Session) {
	if _, err := s.orders.AuditProtections(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("protection audit failed")
	}

	rotation, err := s.guard.CheckAging(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("aging check failed")
	}
	if session == marketclock.SessionRegular {
		if len(rotation) > 0 {
			s.flattenSymbols(ctx, rotation, "rotation")
		}
		if s.withinCloseTrimWindow() {
			s.trimOvernightExcess(ctx)
		}
	}
	s.persistLedger()
}

func (s *Scheduler) withinCloseTrimWindow() bool {
	et := s.clock.Now()
	if et.Hour() > closeTrimHour {
		return true
	}
	return et.Hour() == closeTrimHour && et.Minute() >= closeTrimMinute
}

// trimOvernightExcess closes the positions that may not be carried past
// the bell, worst losers first.
func (s *Scheduler) trimOvernightExcess(ctx context.Context) {
	resp := s.gateway.GetPositions(ctx)
	if !resp.Success {
		s.logger.Warn().Str("error_kind", string(resp.ErrorKind)).Msg("overnight trim skipped")
		return
	}
	for _, pos := range s.guard.OvernightExcess(resp.Data) {
		result := s.orders.Flatten(ctx, &pos)
		if !result.Flattened {
			s.logger.Error().Str("symbol", pos.Symbol).Str("reason", result.Error).
				Msg("overnight trim could not flatten position")
		}
	}
}

func (s *Scheduler) flattenSymbols(ctx context.Context, symbols []string, why string) {
	resp := s.gateway.GetPositions(ctx)
	if !resp.Success {
		return
	}
	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[sym] = true
	}
	for _, pos := range resp.Data {
		if !want[pos.Symbol] {
			continue
		}
		result := s.orders.Flatten(ctx, &pos)
		s.logger.Info().
			Str("symbol", pos.Symbol).
			Str("why", why).
			Bool("flattened", result.Flattened).
			Msg("position closed by scheduler")
	}
}

func (s *Scheduler) persistLedger() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveLedger(s.ledger.Snapshot()); err != nil {
		s.logger.Warn().Err(err).Msg("ledger persistence failed")
	}
}

// startScan launches one funnel-to-submission cycle unless one is
// already running.
func (s *Scheduler) startScan(ctx context.Context, extended bool) {
	s.mu.Lock()
	if s.scanInFlight {
		s.mu.Unlock()
		s.logger.Debug().Msg("scan already in flight, skipping this interval")
		return
	}
	s.scanInFlight = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.scanInFlight = false
			s.mu.Unlock()
		}()
		s.runCycle(ctx, extended)
	}()
}

// runCycle executes funnel → evaluator → risk gate → submission and
// returns how many brackets were submitted.
func (s *Scheduler) runCycle(ctx context.Context, extended bool) int {
	regime, confidence := s.intel.Regime()
	opportunities, _ := s.funnel.Run(ctx, regime)
	if len(opportunities) == 0 {
		return 0
	}
	acct, err := s.riskMgr.Account(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cycle aborted, no account snapshot")
		return 0
	}
	open, err := s.positionRisks(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cycle aborted, no position inventory")
		return 0
	}

	submitted := 0
	for i := range opportunities {
		opp := &opportunities[i]
		sig := s.eval.Evaluate(opp, regime)
		if sig == nil {
			continue
		}
		var dailyReturns []float64
		if opp.Analysis != nil {
			dailyReturns = opp.Analysis.DailyReturns
		}
		sig.Quantity = s.riskMgr.Size(sig.Entry, sig.Stop, acct.Equity, dailyReturns, extended)
		if err := s.riskMgr.CheckTrade(sig, opp, acct, open, extended); err != nil {
			s.logger.Info().Str("symbol", sig.Symbol).Err(err).Msg("signal rejected by risk gate")
			continue
		}
		order, err := s.orders.SubmitBracket(ctx, sig, acct.Equity)
		if err != nil {
			s.logger.Warn().Str("symbol", sig.Symbol).Err(err).Msg("bracket submission failed")
			continue
		}
		submitted++
		open = append(open, risk.PositionRisk{
			Symbol:   sig.Symbol,
			Sector:   opp.Sector,
			Notional: sig.Entry * float64(sig.Quantity),
			Risk:     sig.RiskPerShare() * float64(sig.Quantity),
		})
		s.logger.Info().
			Str("symbol", sig.Symbol).
			Str("order", shortID(order.ClientID)).
			Str("regime", string(regime)).
			Float64("regime_confidence", confidence).
			Msg("bracket order live")
	}
	s.logger.Info().Int("submitted", submitted).Int("candidates", len(opportunities)).Msg("scan cycle finished")
	return submitted
}

// positionRisks builds the portfolio risk inventory from live positions
// and their resting protective stops. A position without a stop is
// assumed to risk the emergency-stop distance.
func (s *Scheduler) positionRisks(ctx context.Context) ([]risk.PositionRisk, error) {
	posResp := s.gateway.GetPositions(ctx)
	if !posResp.Success {
		return nil, posResp.Err()
	}
	ordResp := s.gateway.GetOrders(ctx, broker.OrdersOpen)
	if !ordResp.Success {
		return nil, ordResp.Err()
	}

	risks := make([]risk.PositionRisk, 0, len(posResp.Data))
	for i := range posResp.Data {
		pos := &posResp.Data[i]
		if pos.AbsQty() <= models.QuantityEpsilon {
			continue
		}
		price := pos.CurrentPrice
		if price <= 0 {
			price = pos.AvgEntryPrice
		}
		perShare := price * orders.DefaultConfig.EmergencyStopPct
		for _, o := range ordResp.Data {
			if o.IsProtective(pos) && o.StopPrice > 0 {
				perShare = math.Abs(price - o.StopPrice)
				break
			}
		}
		risks = append(risks, risk.PositionRisk{
			Symbol:   pos.Symbol,
			Sector:   "",
			Notional: pos.AbsQty() * price,
			Risk:     pos.AbsQty() * perShare,
		})
	}
	return risks, nil
}
