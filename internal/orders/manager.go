// Package orders owns the order lifecycle: bracket submission, fill
// tracking, the protection audit, and the cancel-then-liquidate
// emergency stop.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/retry"
	"github.com/quarryhill/daytrader/internal/storage"
)

// Config bounds the lifecycle timers.
type Config struct {
	PollInterval     time.Duration // fill-polling cadence
	FillTimeout      time.Duration // give up tracking a fill after this
	CancelWait       time.Duration // wait for cancels to reach a terminal state
	EmergencyStopPct float64       // stop distance for naked-position remediation
	MaxParallel      int           // concurrent liquidations during emergency stop

	// EmulateBrackets submits a plain entry and attaches the protective
	// children after the first fill, resizing them on subsequent partial
	// fills. For brokers without native bracket composition.
	EmulateBrackets bool

	// LiquidationRetry bounds the cancel-then-liquidate loop. Zero
	// value falls back to retry.DefaultConfig.
	LiquidationRetry retry.Config
}

// DefaultConfig matches the live engine's timers.
var DefaultConfig = Config{
	PollInterval:     5 * time.Second,
	FillTimeout:      5 * time.Minute,
	CancelWait:       15 * time.Second,
	EmergencyStopPct: 0.05,
	MaxParallel:      4,
}

// ErrAlreadyStopped is returned when the emergency stop has already run.
var ErrAlreadyStopped = errors.New("emergency stop already executed")

// DayTradeLedger is the slice of the PDT ledger the lifecycle needs.
type DayTradeLedger interface {
	CheckOrder(equity float64, symbol string, side models.Side) error
	Block(symbol string)
	RecordOpen(symbol string, side models.Side)
	RecordClose(symbol string)
}

// Manager drives orders from submission to terminal state.
type Manager struct {
	gateway broker.Broker
	ledger  DayTradeLedger
	store   storage.Interface
	logger  zerolog.Logger
	cfg     Config
	stop    <-chan struct{}
	now     func() time.Time

	mu       sync.Mutex
	symLocks map[string]*sync.Mutex
	stopped  bool
	report   *models.ShutdownReport
}

// NewManager creates an order lifecycle manager. stop aborts background
// fill tracking on shutdown.
func NewManager(gateway broker.Broker, ledger DayTradeLedger, store storage.Interface,
	logger zerolog.Logger, stop <-chan struct{}, config ...Config) *Manager {

	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig.FillTimeout
	}
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = DefaultConfig.CancelWait
	}
	if cfg.EmergencyStopPct <= 0 {
		cfg.EmergencyStopPct = DefaultConfig.EmergencyStopPct
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultConfig.MaxParallel
	}
	if cfg.LiquidationRetry == (retry.Config{}) {
		cfg.LiquidationRetry = retry.DefaultConfig
	}
	return &Manager{
		gateway:  gateway,
		ledger:   ledger,
		store:    store,
		logger:   logger.With().Str("component", "orders").Logger(),
		cfg:      cfg,
		stop:     stop,
		now:      time.Now,
		symLocks: make(map[string]*sync.Mutex),
	}
}

// symbolLock serializes order activity per symbol so a bracket submit
// never races its own audit or liquidation.
func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.symLocks[symbol] = l
	}
	return l
}

// SubmitBracket submits a bracket order for an approved signal: a limit
// entry at the signal price with a gtc stop-loss and take-profit
// attached. The day-trade gate runs first; a broker-side PDT rejection
// blocks the symbol for the session. Fill tracking continues in the
// background.
func (m *Manager) SubmitBracket(ctx context.Context, sig *models.TradeSignal, equity float64) (*models.Order, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("refusing malformed signal: %w", err)
	}
	if sig.Quantity <= 0 {
		return nil, fmt.Errorf("refusing unsized signal for %s", sig.Symbol)
	}
	lock := m.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := m.ledger.CheckOrder(equity, sig.Symbol, sig.Side); err != nil {
		return nil, fmt.Errorf("day-trade gate: %w", err)
	}

	spec := broker.OrderSpec{
		ClientID:    uuid.NewString(),
		Symbol:      sig.Symbol,
		Qty:         float64(sig.Quantity),
		Side:        sig.Side,
		Type:        models.OrderTypeLimit,
		LimitPrice:  sig.Entry,
		TimeInForce: models.TimeInForceDay,
	}
	if !m.cfg.EmulateBrackets {
		spec.OrderClass = models.OrderClassBracket
		spec.TakeProfit = &broker.TakeProfit{LimitPrice: sig.Target}
		spec.StopLoss = &broker.StopLoss{StopPrice: sig.Stop}
	}
	resp := m.gateway.SubmitOrder(ctx, spec)
	if !resp.Success {
		if resp.ErrorKind == broker.ErrKindPDTViolation {
			m.ledger.Block(sig.Symbol)
			m.logger.Error().
				Str("alert", "pdt_rejection").
				Str("symbol", sig.Symbol).
				Msg("broker rejected order as a pattern-day-trade violation, symbol blocked for the session")
		}
		return nil, fmt.Errorf("submit bracket for %s: %w", sig.Symbol, resp.Err())
	}
	order := resp.Data

	m.logger.Info().
		Str("symbol", sig.Symbol).
		Str("client_id", order.ClientID).
		Str("broker_id", order.BrokerID).
		Int("qty", sig.Quantity).
		Float64("entry", sig.Entry).
		Float64("stop", sig.Stop).
		Float64("target", sig.Target).
		Msg("bracket submitted")

	if m.cfg.EmulateBrackets {
		go m.trackEmulated(order.BrokerID, sig)
	} else {
		go m.trackFill(order.BrokerID, sig.Symbol, sig.Side)
	}
	return &order, nil
}

func (m *Manager) trackFill(brokerID, symbol string, side models.Side) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FillTimeout)
	defer cancel()
	if err := m.TrackFill(ctx, brokerID, symbol, side); err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Str("broker_id", brokerID).
			Msg("fill tracking ended without a terminal state")
	}
}

// TrackFill polls one order to a terminal state, driving the order state
// machine and recording the position open with the day-trade ledger on
// the first fill.
func (m *Manager) TrackFill(ctx context.Context, brokerID, symbol string, side models.Side) error {
	sm := models.NewOrderStateMachine()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	opened := false

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("fill tracking for %s: %w", brokerID, ctx.Err())
		case <-m.stop:
			return nil
		case <-ticker.C:
		}

		resp := m.gateway.GetOrder(ctx, brokerID)
		if !resp.Success {
			m.logger.Warn().Str("broker_id", brokerID).
				Str("error_kind", string(resp.ErrorKind)).Msg("order status poll failed")
			continue
		}
		order := resp.Data
		if err := sm.ApplyBrokerStatus(order.Status); err != nil {
			m.logger.Warn().Err(err).Str("broker_id", brokerID).Msg("unexpected order status transition")
		}

		if order.FilledQty > models.QuantityEpsilon && !opened {
			opened = true
			m.ledger.RecordOpen(symbol, side)
			m.logger.Info().
				Str("symbol", symbol).
				Float64("filled_qty", order.FilledQty).
				Float64("avg_price", order.AvgFillPrice).
				Msg("entry fill recorded")
		}
		if order.Status.Terminal() {
			m.logger.Info().
				Str("symbol", symbol).
				Str("broker_id", brokerID).
				Str("status", string(order.Status)).
				Int("transitions", sm.TransitionCount(order.Status)).
				Msg("order reached terminal state")
			return nil
		}
	}
}

func (m *Manager) trackEmulated(brokerID string, sig *models.TradeSignal) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FillTimeout)
	defer cancel()
	if err := m.TrackEmulatedBracket(ctx, brokerID, sig); err != nil {
		m.logger.Warn().Err(err).Str("symbol", sig.Symbol).Str("broker_id", brokerID).
			Msg("emulated bracket tracking ended without a terminal state")
	}
}

// TrackEmulatedBracket polls an unaccompanied entry order and keeps the
// protective children in step with it: on the first fill it submits a
// gtc take-profit and stop sized to the filled quantity, and on every
// subsequent partial fill it cancels and resubmits them at the new size.
// The position is therefore protected from the first fill onward.
func (m *Manager) TrackEmulatedBracket(ctx context.Context, brokerID string, sig *models.TradeSignal) error {
	sm := models.NewOrderStateMachine()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var attached float64 // filled quantity the current children cover
	var childIDs []string
	opened := false

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("bracket emulation for %s: %w", brokerID, ctx.Err())
		case <-m.stop:
			return nil
		case <-ticker.C:
		}

		resp := m.gateway.GetOrder(ctx, brokerID)
		if !resp.Success {
			m.logger.Warn().Str("broker_id", brokerID).
				Str("error_kind", string(resp.ErrorKind)).Msg("order status poll failed")
			continue
		}
		order := resp.Data
		if err := sm.ApplyBrokerStatus(order.Status); err != nil {
			m.logger.Warn().Err(err).Str("broker_id", brokerID).Msg("unexpected order status transition")
		}

		if order.FilledQty > attached+models.QuantityEpsilon {
			if !opened {
				opened = true
				m.ledger.RecordOpen(sig.Symbol, sig.Side)
			}
			ids, err := m.resizeChildren(ctx, sig, childIDs, order.FilledQty)
			if err != nil {
				m.logger.Error().Err(err).Str("symbol", sig.Symbol).
					Msg("could not attach protective children, audit will remediate")
			} else {
				childIDs = ids
				attached = order.FilledQty
				m.logger.Info().
					Str("symbol", sig.Symbol).
					Float64("protected_qty", attached).
					Msg("protective children attached")
			}
		}

		if order.Status.Terminal() {
			if order.FilledQty <= models.QuantityEpsilon && len(childIDs) > 0 {
				// Entry died unfilled; the children have nothing to protect.
				m.cancelChildren(ctx, childIDs)
			}
			m.logger.Info().
				Str("symbol", sig.Symbol).
				Str("broker_id", brokerID).
				Str("status", string(order.Status)).
				Float64("filled_qty", order.FilledQty).
				Msg("emulated bracket entry reached terminal state")
			return nil
		}
	}
}

// resizeChildren replaces the protective pair with one sized to qty.
// Cancellation precedes resubmission so the broker never sees the
// quantity claimed twice.
func (m *Manager) resizeChildren(ctx context.Context, sig *models.TradeSignal, childIDs []string, qty float64) ([]string, error) {
	lock := m.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	for _, id := range childIDs {
		if resp := m.gateway.CancelOrder(ctx, id); !resp.Success {
			return childIDs, fmt.Errorf("cancel protective child %s: %w", id, resp.Err())
		}
	}

	closing := sig.Side.Opposite()
	stop := broker.OrderSpec{
		ClientID:    uuid.NewString(),
		Symbol:      sig.Symbol,
		Qty:         qty,
		Side:        closing,
		Type:        models.OrderTypeStop,
		StopPrice:   sig.Stop,
		TimeInForce: models.TimeInForceGTC,
	}
	stopResp := m.gateway.SubmitOrder(ctx, stop)
	if !stopResp.Success {
		return nil, fmt.Errorf("submit protective stop for %s: %w", sig.Symbol, stopResp.Err())
	}
	ids := []string{stopResp.Data.BrokerID}

	target := broker.OrderSpec{
		ClientID:    uuid.NewString(),
		Symbol:      sig.Symbol,
		Qty:         qty,
		Side:        closing,
		Type:        models.OrderTypeLimit,
		LimitPrice:  sig.Target,
		TimeInForce: models.TimeInForceGTC,
	}
	targetResp := m.gateway.SubmitOrder(ctx, target)
	if !targetResp.Success {
		// The stop alone still satisfies the protection invariant.
		m.logger.Warn().Str("symbol", sig.Symbol).
			Str("error_kind", string(targetResp.ErrorKind)).
			Msg("take-profit rejected, position protected by stop only")
		return ids, nil
	}
	return append(ids, targetResp.Data.BrokerID), nil
}

func (m *Manager) cancelChildren(ctx context.Context, childIDs []string) {
	for _, id := range childIDs {
		if resp := m.gateway.CancelOrder(ctx, id); !resp.Success {
			m.logger.Warn().Str("broker_id", id).
				Str("error_kind", string(resp.ErrorKind)).Msg("could not cancel protective child")
		}
	}
}

// AuditProtections verifies every open position carries a correct
// protective configuration: one right-sized stop, optionally paired with
// one right-sized take-profit. Naked positions get an emergency stop at
// the configured distance; duplicate or mis-sized protections are
// collapsed into a single correct one; gtc orders left on symbols with
// no position are canceled. Returns the number of remediations
// performed.
func (m *Manager) AuditProtections(ctx context.Context) (int, error) {
	posResp := m.gateway.GetPositions(ctx)
	if !posResp.Success {
		return 0, fmt.Errorf("audit: list positions: %w", posResp.Err())
	}
	ordResp := m.gateway.GetOrders(ctx, broker.OrdersOpen)
	if !ordResp.Success {
		return 0, fmt.Errorf("audit: list open orders: %w", ordResp.Err())
	}

	remediations := 0
	for i := range posResp.Data {
		pos := &posResp.Data[i]
		if pos.AbsQty() <= models.QuantityEpsilon {
			continue
		}
		lock := m.symbolLock(pos.Symbol)
		lock.Lock()
		fixed, err := m.reconcilePosition(ctx, pos, ordResp.Data)
		lock.Unlock()
		if err != nil {
			m.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("protection remediation failed")
			continue
		}
		if fixed {
			remediations++
		}
	}

	// Sweep protective leftovers on symbols the book no longer holds:
	// entries are day orders, so a working gtc order with no position
	// behind it is an orphaned child.
	held := make(map[string]bool, len(posResp.Data))
	for _, p := range posResp.Data {
		if p.AbsQty() > models.QuantityEpsilon {
			held[p.Symbol] = true
		}
	}
	for _, o := range ordResp.Data {
		if o.TIF != models.TimeInForceGTC || o.Status.Terminal() || held[o.Symbol] {
			continue
		}
		if resp := m.gateway.CancelOrder(ctx, o.BrokerID); !resp.Success {
			m.logger.Error().Str("broker_id", o.BrokerID).Str("symbol", o.Symbol).
				Str("error_kind", string(resp.ErrorKind)).Msg("could not cancel orphaned protection")
			continue
		}
		remediations++
		m.logger.Warn().
			Str("symbol", o.Symbol).
			Str("broker_id", o.BrokerID).
			Msg("orphaned protective order canceled")
	}
	return remediations, nil
}

// reconcilePosition enforces the correct-protection rule for a single
// position. Reports whether it changed anything.
func (m *Manager) reconcilePosition(ctx context.Context, pos *models.Position, open []models.Order) (bool, error) {
	var stops, targets []models.Order
	for _, o := range open {
		if !o.IsProtective(pos) {
			continue
		}
		if o.Type == models.OrderTypeLimit {
			targets = append(targets, o)
		} else {
			stops = append(stops, o)
		}
	}

	// One right-sized stop, alone or with a matching take-profit
	// sibling (a bracket), is healthy. This check runs before any
	// submit so the audit never duplicates stops.
	targetsHealthy := len(targets) == 0 || (len(targets) == 1 && sizeMatches(targets[0], pos))
	if len(stops) == 1 && sizeMatches(stops[0], pos) && targetsHealthy {
		m.logger.Debug().Str("symbol", pos.Symbol).Msg("protection in place, skipping")
		return false, nil
	}

	if len(stops) == 0 && len(targets) == 0 {
		if err := m.submitEmergencyStop(ctx, pos); err != nil {
			return false, err
		}
		m.logger.Error().
			Str("alert", "unprotected_position_remediated").
			Str("symbol", pos.Symbol).
			Float64("qty", pos.Qty).
			Msg("naked position found, emergency stop submitted")
		return true, nil
	}

	// A lone right-sized take-profit leaves the downside open; add the
	// stop and keep the target.
	if len(stops) == 0 && len(targets) == 1 && sizeMatches(targets[0], pos) {
		if err := m.submitEmergencyStop(ctx, pos); err != nil {
			return false, err
		}
		m.logger.Warn().
			Str("symbol", pos.Symbol).
			Msg("position carried only a take-profit, stop added")
		return true, nil
	}

	// Duplicates or a mis-sized survivor: cancel everything protective
	// on the symbol and resubmit one correct stop.
	for _, o := range append(stops, targets...) {
		if resp := m.gateway.CancelOrder(ctx, o.BrokerID); !resp.Success {
			return false, fmt.Errorf("cancel conflicting protection %s: %w", o.BrokerID, resp.Err())
		}
	}
	if err := m.submitEmergencyStop(ctx, pos); err != nil {
		return false, err
	}
	m.logger.Warn().
		Str("symbol", pos.Symbol).
		Int("conflicting", len(stops)+len(targets)).
		Msg("conflicting protections collapsed into one")
	return true, nil
}

func sizeMatches(o models.Order, pos *models.Position) bool {
	remaining := o.Qty - o.FilledQty
	diff := remaining - pos.AbsQty()
	return diff > -models.QuantityEpsilon && diff < models.QuantityEpsilon
}

// submitEmergencyStop places a gtc stop on the protective side at the
// configured distance from the current price.
func (m *Manager) submitEmergencyStop(ctx context.Context, pos *models.Position) error {
	price := pos.CurrentPrice
	if price <= 0 {
		price = pos.AvgEntryPrice
	}
	var stopPrice float64
	if pos.IsLong() {
		stopPrice = price * (1 - m.cfg.EmergencyStopPct)
	} else {
		stopPrice = price * (1 + m.cfg.EmergencyStopPct)
	}
	spec := broker.OrderSpec{
		ClientID:    uuid.NewString(),
		Symbol:      pos.Symbol,
		Qty:         pos.AbsQty(),
		Side:        pos.ClosingSide(),
		Type:        models.OrderTypeStop,
		StopPrice:   stopPrice,
		TimeInForce: models.TimeInForceGTC,
	}
	resp := m.gateway.SubmitOrder(ctx, spec)
	if !resp.Success {
		return fmt.Errorf("submit emergency stop for %s: %w", pos.Symbol, resp.Err())
	}
	return nil
}

// EmergencyStop liquidates every open position with bounded parallelism:
// cancel all orders per symbol, await terminal acknowledgement, then
// flatten at market through the limiter's emergency reserve. qty-held
// rejections trigger re-cancel retries. The structured shutdown report
// is persisted before returning. Idempotent: subsequent calls return
// the first report with ErrAlreadyStopped.
func (m *Manager) EmergencyStop(ctx context.Context, reason string) (*models.ShutdownReport, error) {
	m.mu.Lock()
	if m.stopped {
		report := m.report
		m.mu.Unlock()
		return report, ErrAlreadyStopped
	}
	m.stopped = true
	m.mu.Unlock()

	started := m.now().UTC()
	m.logger.Error().
		Str("alert", "emergency_stop").
		Str("reason", reason).
		Msg("emergency stop engaged, liquidating all positions")

	report := &models.ShutdownReport{Reason: reason, StartedAt: started}

	posResp := m.gateway.GetPositions(ctx)
	if !posResp.Success {
		report.CompletedAt = m.now().UTC()
		report.ElapsedSeconds = report.CompletedAt.Sub(started).Seconds()
		m.finishReport(report)
		return report, fmt.Errorf("emergency stop: list positions: %w", posResp.Err())
	}
	positions := posResp.Data

	results := make([]models.LiquidationResult, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallel)
	for i := range positions {
		i := i
		g.Go(func() error {
			results[i] = m.liquidate(gctx, &positions[i])
			return nil
		})
	}
	_ = g.Wait()

	var residual float64
	for _, r := range results {
		if !r.Flattened {
			residual += r.Qty * priceOf(positions, r.Symbol)
		}
	}
	report.Positions = results
	report.ResidualExposure = residual
	report.CompletedAt = m.now().UTC()
	report.ElapsedSeconds = report.CompletedAt.Sub(started).Seconds()
	m.finishReport(report)

	if !report.Clean() {
		return report, fmt.Errorf("emergency stop left residual exposure of %.2f", residual)
	}
	m.logger.Info().
		Int("positions", len(results)).
		Float64("elapsed_s", report.ElapsedSeconds).
		Msg("emergency stop complete, book is flat")
	return report, nil
}

func (m *Manager) finishReport(report *models.ShutdownReport) {
	m.mu.Lock()
	m.report = report
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.SaveShutdownReport(report); err != nil {
			m.logger.Error().Err(err).Msg("failed to persist shutdown report")
		}
	}
}

// Flatten liquidates a single position with the same cancel-then-market
// protocol as the emergency stop. Used for overnight-capacity trims and
// aged-position rotation.
func (m *Manager) Flatten(ctx context.Context, pos *models.Position) models.LiquidationResult {
	return m.liquidate(ctx, pos)
}

// liquidate flattens one position: cancel, await quiet, market out.
func (m *Manager) liquidate(ctx context.Context, pos *models.Position) models.LiquidationResult {
	lock := m.symbolLock(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	result := models.LiquidationResult{Symbol: pos.Symbol, Qty: pos.AbsQty()}

	err := retry.Do(ctx, m.cfg.LiquidationRetry, func(attempt int) (bool, error) {
		result.Attempts = attempt + 1

		cancelResp := m.gateway.CancelAllFor(ctx, pos.Symbol)
		if !cancelResp.Success {
			return cancelResp.Retryable, fmt.Errorf("cancel open orders: %w", cancelResp.Err())
		}
		result.OrdersCanceled += cancelResp.Data
		if err := m.awaitSymbolQuiet(ctx, pos.Symbol); err != nil {
			return true, err
		}

		spec := broker.OrderSpec{
			ClientID:    uuid.NewString(),
			Symbol:      pos.Symbol,
			Qty:         pos.AbsQty(),
			Side:        pos.ClosingSide(),
			Type:        models.OrderTypeMarket,
			TimeInForce: models.TimeInForceDay,
			Emergency:   true,
		}
		resp := m.gateway.SubmitOrder(ctx, spec)
		if !resp.Success {
			if resp.ErrorKind == broker.ErrKindQtyHeld {
				// Competing orders still hold the shares; re-cancel.
				return true, fmt.Errorf("quantity held by open orders: %w", resp.Err())
			}
			return resp.Retryable, fmt.Errorf("flatten %s: %w", pos.Symbol, resp.Err())
		}
		result.FillPrice = m.awaitFillPrice(ctx, resp.Data.BrokerID)
		return false, nil
	})
	if err != nil {
		result.Error = err.Error()
		m.logger.Error().
			Str("alert", "liquidation_failed").
			Str("symbol", pos.Symbol).
			Err(err).
			Msg("position could not be flattened")
		return result
	}

	result.Flattened = true
	m.ledger.RecordClose(pos.Symbol)
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("qty", result.Qty).
		Float64("fill_price", result.FillPrice).
		Int("orders_canceled", result.OrdersCanceled).
		Msg("position flattened")
	return result
}

// awaitSymbolQuiet waits until no open orders remain on the symbol.
func (m *Manager) awaitSymbolQuiet(ctx context.Context, symbol string) error {
	deadline := m.now().Add(m.cfg.CancelWait)
	for {
		resp := m.gateway.GetOrders(ctx, broker.OrdersOpen)
		if resp.Success {
			busy := false
			for _, o := range resp.Data {
				if o.Symbol == symbol && !o.Status.Terminal() {
					busy = true
					break
				}
			}
			if !busy {
				return nil
			}
		}
		if m.now().After(deadline) {
			return fmt.Errorf("open orders on %s did not reach a terminal state within %v", symbol, m.cfg.CancelWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// awaitFillPrice polls a liquidation order briefly for its fill price.
// Returns zero when the fill has not been observed in time; the order
// remains working at the broker either way.
func (m *Manager) awaitFillPrice(ctx context.Context, brokerID string) float64 {
	deadline := m.now().Add(m.cfg.CancelWait)
	for {
		resp := m.gateway.GetOrder(ctx, brokerID)
		if resp.Success && resp.Data.IsFilled() {
			return resp.Data.AvgFillPrice
		}
		if m.now().After(deadline) || ctx.Err() != nil {
			return 0
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

func priceOf(positions []models.Position, symbol string) float64 {
	for _, p := range positions {
		if p.Symbol == symbol {
			if p.CurrentPrice > 0 {
				return p.CurrentPrice
			}
			return p.AvgEntryPrice
		}
	}
	return 0
}
