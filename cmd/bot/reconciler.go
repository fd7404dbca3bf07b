package main

import (
	"context"
	"fmt"
)

// ReconcileStartup brings the engine's view of the account in line with
// the broker before the first scan: capture the session baseline equity,
// inventory open positions, and repair any missing or malformed
// protective orders left over from a previous run.
func (s *Scheduler) ReconcileStartup(ctx context.Context) error {
	acct, err := s.riskMgr.Account(ctx)
	if err != nil {
		return fmt.Errorf("startup account snapshot: %w", err)
	}
	s.riskMgr.StartSession(acct.Equity)

	posResp := s.gateway.GetPositions(ctx)
	if !posResp.Success {
		return fmt.Errorf("startup position inventory: %w", posResp.Err())
	}

	repaired, err := s.orders.AuditProtections(ctx)
	if err != nil {
		return fmt.Errorf("startup protection audit: %w", err)
	}

	s.logger.Info().
		Float64("equity", acct.Equity).
		Float64("buying_power", acct.BuyingPower).
		Int("open_positions", len(posResp.Data)).
		Int("protections_repaired", repaired).
		Int("day_trades_used", s.ledger.DayTradeCount()).
		Msg("startup reconciliation complete")
	return nil
}
