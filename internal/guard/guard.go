// Package guard watches positions across session boundaries: it
// snapshots closing prices, grades overnight gaps at the next open,
// flags aged positions for rotation, and picks the excess overnight
// positions to trim before the close.
package guard

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/storage"
)

// GapSeverity grades an overnight gap.
type GapSeverity string

const (
	GapLow      GapSeverity = "low"      // < 1%
	GapModerate GapSeverity = "moderate" // 1–2%
	GapHigh     GapSeverity = "high"     // 2–5%
	GapExtreme  GapSeverity = "extreme"  // >= 5%
)

// severityFor buckets an absolute gap percent.
func severityFor(absGapPct float64) GapSeverity {
	switch {
	case absGapPct >= 5:
		return GapExtreme
	case absGapPct >= 2:
		return GapHigh
	case absGapPct >= 1:
		return GapModerate
	default:
		return GapLow
	}
}

// Alerting reports whether the severity warrants an operator alert.
func (s GapSeverity) Alerting() bool {
	return s == GapModerate || s == GapHigh || s == GapExtreme
}

// GapReport is one symbol's overnight gap.
type GapReport struct {
	Symbol     string
	ClosePrice float64
	OpenPrice  float64
	GapPct     float64
	Severity   GapSeverity
}

// Guard implements the overnight risk policy.
type Guard struct {
	gateway broker.Broker
	store   storage.Interface
	cfg     *config.Config
	logger  zerolog.Logger
	now     func() time.Time

	closes map[string]models.CloseSnapshot
}

// New creates a guard and restores any persisted close snapshots.
func New(gateway broker.Broker, store storage.Interface, cfg *config.Config, logger zerolog.Logger) (*Guard, error) {
	g := &Guard{
		gateway: gateway,
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "guard").Logger(),
		now:     time.Now,
		closes:  make(map[string]models.CloseSnapshot),
	}
	if store != nil {
		saved, err := store.LoadCloseSnapshots()
		if err != nil {
			return nil, fmt.Errorf("restore close snapshots: %w", err)
		}
		if saved != nil {
			g.closes = saved
		}
	}
	return g, nil
}

// RecordClose snapshots every open position's closing price. Called once
// at session close; the snapshots survive restarts.
func (g *Guard) RecordClose(ctx context.Context) error {
	resp := g.gateway.GetPositions(ctx)
	if !resp.Success {
		return fmt.Errorf("record close: list positions: %w", resp.Err())
	}
	recorded := g.now().UTC()
	g.closes = make(map[string]models.CloseSnapshot, len(resp.Data))
	for _, p := range resp.Data {
		if p.AbsQty() <= models.QuantityEpsilon {
			continue
		}
		price := p.CurrentPrice
		if price <= 0 {
			price = p.AvgEntryPrice
		}
		g.closes[p.Symbol] = models.CloseSnapshot{
			Symbol:     p.Symbol,
			ClosePrice: price,
			Qty:        p.Qty,
			RecordedAt: recorded,
		}
	}
	if g.store != nil {
		if err := g.store.SaveCloseSnapshots(g.closes); err != nil {
			return fmt.Errorf("persist close snapshots: %w", err)
		}
	}
	g.logger.Info().Int("positions", len(g.closes)).Msg("session close snapshot recorded")
	return nil
}

// CheckGaps compares current quotes against the recorded closes and
// grades each overnight gap. Alerts fire at moderate severity and above.
// Symbols without a snapshot are skipped.
func (g *Guard) CheckGaps(ctx context.Context) ([]GapReport, error) {
	if len(g.closes) == 0 {
		return nil, nil
	}
	reports := make([]GapReport, 0, len(g.closes))
	for symbol, snap := range g.closes {
		if snap.ClosePrice <= 0 {
			continue
		}
		resp := g.gateway.GetLatestQuote(ctx, symbol)
		if !resp.Success {
			g.logger.Warn().
				Str("symbol", symbol).
				Str("error_kind", string(resp.ErrorKind)).
				Msg("gap check skipped, no usable quote")
			continue
		}
		open := resp.Data.Mid()
		if open <= 0 {
			continue
		}
		gapPct := (open - snap.ClosePrice) / snap.ClosePrice * 100
		report := GapReport{
			Symbol:     symbol,
			ClosePrice: snap.ClosePrice,
			OpenPrice:  open,
			GapPct:     gapPct,
			Severity:   severityFor(math.Abs(gapPct)),
		}
		reports = append(reports, report)

		if report.Severity.Alerting() {
			g.logger.Error().
				Str("alert", "overnight_gap").
				Str("symbol", symbol).
				Float64("gap_pct", gapPct).
				Str("severity", string(report.Severity)).
				Msg("overnight gap detected")
		} else {
			g.logger.Debug().Str("symbol", symbol).Float64("gap_pct", gapPct).Msg("overnight gap benign")
		}
	}
	sort.Slice(reports, func(i, j int) bool {
		return math.Abs(reports[i].GapPct) > math.Abs(reports[j].GapPct)
	})
	return reports, nil
}

// CheckAging returns the symbols whose positions have been held longer
// than the overnight limit; they should be rotated out during the next
// regular session.
func (g *Guard) CheckAging(ctx context.Context) ([]string, error) {
	resp := g.gateway.GetPositions(ctx)
	if !resp.Success {
		return nil, fmt.Errorf("check aging: list positions: %w", resp.Err())
	}
	maxAge := time.Duration(g.cfg.MaxOvernightDays) * 24 * time.Hour
	var rotation []string
	for _, p := range resp.Data {
		if p.OpenedAt.IsZero() {
			continue
		}
		if age := g.now().Sub(p.OpenedAt); age > maxAge {
			rotation = append(rotation, p.Symbol)
			g.logger.Warn().
				Str("symbol", p.Symbol).
				Float64("age_days", age.Hours()/24).
				Int("max_days", g.cfg.MaxOvernightDays).
				Msg("position exceeds holding limit, flagged for rotation")
		}
	}
	return rotation, nil
}

// OvernightExcess returns the positions that may not be carried
// overnight, ordered largest unrealized loss first. These are liquidated
// before the close.
func (g *Guard) OvernightExcess(positions []models.Position) []models.Position {
	open := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		if p.AbsQty() > models.QuantityEpsilon {
			open = append(open, p)
		}
	}
	if len(open) <= g.cfg.MaxOvernightPositions {
		return nil
	}
	// Worst performers go first.
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].UnrealizedPL < open[j].UnrealizedPL
	})
	excess := open[:len(open)-g.cfg.MaxOvernightPositions]
	for _, p := range excess {
		g.logger.Warn().
			Str("symbol", p.Symbol).
			Float64("unrealized_pl", p.UnrealizedPL).
			Msg("position exceeds overnight capacity, closing before the bell")
	}
	return excess
}
