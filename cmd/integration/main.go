// Command integration runs a read-only smoke check against the live
// paper endpoints: connectivity, market data, session clock and storage.
// It never submits orders and refuses to run outside paper mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/marketclock"
	"github.com/quarryhill/daytrader/internal/storage"
)

const checkTimeout = 15 * time.Second

type check struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "smoke").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration load failed")
	}
	if !cfg.PaperTrading {
		logger.Fatal().Msg("smoke checks run against paper endpoints only; set paper_trading: true")
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		logger.Fatal().Err(err).Msg("broker credentials missing")
	}

	limiter := broker.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitUtilization, cfg.EmergencyReserve)
	gateway := broker.NewAlpacaAPI(broker.Credentials{KeyID: creds.KeyID, SecretKey: creds.SecretKey},
		limiter, logger, broker.Options{
			Paper:          true,
			TradingBaseURL: cfg.TradingBaseURL,
			DataBaseURL:    cfg.DataBaseURL,
			Timeout:        cfg.RequestTimeout(),
			StaleQuoteMax:  cfg.StaleQuoteMax(),
		})
	clock := marketclock.New()

	checks := []check{
		{"account connectivity", func(ctx context.Context) error {
			resp := gateway.GetAccount(ctx)
			if !resp.Success {
				return resp.Err()
			}
			if resp.Data.Equity <= 0 {
				return fmt.Errorf("paper account reports non-positive equity %.2f", resp.Data.Equity)
			}
			logger.Info().Float64("equity", resp.Data.Equity).
				Float64("buying_power", resp.Data.BuyingPower).Msg("account reachable")
			return nil
		}},
		{"position inventory", func(ctx context.Context) error {
			resp := gateway.GetPositions(ctx)
			if !resp.Success {
				return resp.Err()
			}
			logger.Info().Int("open_positions", len(resp.Data)).Msg("positions readable")
			return nil
		}},
		{"session clock", func(ctx context.Context) error {
			session := clock.CurrentSession()
			next := clock.NextOpen(time.Now())
			logger.Info().Str("session", string(session)).
				Time("next_open", next).Msg("session clock resolved")
			if next.IsZero() {
				return fmt.Errorf("next open could not be computed")
			}
			return nil
		}},
		{"index quote", func(ctx context.Context) error {
			resp := gateway.GetLatestQuote(ctx, "SPY")
			if !resp.Success {
				return resp.Err()
			}
			q := resp.Data
			if q.BidPrice <= 0 || q.AskPrice <= 0 {
				return fmt.Errorf("implausible SPY quote %.2f/%.2f", q.BidPrice, q.AskPrice)
			}
			logger.Info().Float64("bid", q.BidPrice).Float64("ask", q.AskPrice).
				Float64("spread_pct", q.SpreadPct()).Msg("quote feed live")
			return nil
		}},
		{"daily bars", func(ctx context.Context) error {
			resp := gateway.GetBars(ctx, "SPY", "1Day", 5)
			if !resp.Success {
				return resp.Err()
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("no daily bars returned")
			}
			logger.Info().Int("bars", len(resp.Data)).
				Float64("last_close", resp.Data[len(resp.Data)-1].Close).Msg("bar feed live")
			return nil
		}},
		{"screener", func(ctx context.Context) error {
			resp := gateway.GetMarketMovers(ctx, 10)
			if !resp.Success {
				return resp.Err()
			}
			logger.Info().Int("gainers", len(resp.Data.Gainers)).
				Int("losers", len(resp.Data.Losers)).Msg("screener live")
			return nil
		}},
		{"storage round-trip", func(ctx context.Context) error {
			dir, err := os.MkdirTemp("", "daytrader-smoke-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			store, err := storage.NewStore(dir)
			if err != nil {
				return err
			}
			if _, err := store.LoadLedger(); err != nil {
				return fmt.Errorf("ledger load: %w", err)
			}
			logger.Info().Msg("storage operational")
			return nil
		}},
	}

	failed := 0
	for i, c := range checks {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		err := c.run(ctx)
		cancel()
		if err != nil {
			failed++
			logger.Error().Err(err).Msgf("check %d/%d failed: %s", i+1, len(checks), c.name)
			continue
		}
		logger.Info().Msgf("check %d/%d passed: %s", i+1, len(checks), c.name)
	}

	if failed > 0 {
		logger.Error().Int("failed", failed).Int("total", len(checks)).Msg("smoke checks failed")
		os.Exit(1)
	}
	logger.Info().Int("total", len(checks)).Msg("all smoke checks passed")
}
