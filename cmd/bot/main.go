package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/quarryhill/daytrader/internal/broker"
	"github.com/quarryhill/daytrader/internal/config"
	"github.com/quarryhill/daytrader/internal/funnel"
	"github.com/quarryhill/daytrader/internal/guard"
	"github.com/quarryhill/daytrader/internal/marketclock"
	"github.com/quarryhill/daytrader/internal/oracle"
	"github.com/quarryhill/daytrader/internal/orders"
	"github.com/quarryhill/daytrader/internal/pdt"
	"github.com/quarryhill/daytrader/internal/risk"
	"github.com/quarryhill/daytrader/internal/storage"
	"github.com/quarryhill/daytrader/internal/strategy"
)

const shutdownGrace = 2 * time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := baseLogger(zerolog.InfoLevel)
		bootLog.Fatal().Err(err).Msg("configuration load failed")
	}
	logger := baseLogger(parseLevel(cfg.LogLevel))

	creds, err := config.LoadCredentials()
	if err != nil {
		logger.Fatal().Err(err).Msg("broker credentials missing")
	}

	store, err := storage.NewStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage initialization failed")
	}

	clock := marketclock.New()

	snap, err := store.LoadLedger()
	if err != nil {
		logger.Fatal().Err(err).Msg("day-trade ledger restore failed")
	}
	ledger := pdt.Restore(clock, logger, snap)

	limiter := broker.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitUtilization, cfg.EmergencyReserve)
	alpaca := broker.NewAlpacaAPI(broker.Credentials{KeyID: creds.KeyID, SecretKey: creds.SecretKey},
		limiter, logger, broker.Options{
			Paper:          cfg.PaperTrading,
			TradingBaseURL: cfg.TradingBaseURL,
			DataBaseURL:    cfg.DataBaseURL,
			Timeout:        cfg.RequestTimeout(),
			StaleQuoteMax:  cfg.StaleQuoteMax(),
		})
	gateway := broker.NewCircuitBreakerBroker(alpaca, logger)

	riskMgr := risk.NewManager(cfg, gateway, logger)
	orc := oracle.New(cfg.OracleURL, cfg.OracleModel, logger)
	intel := funnel.NewIntelligence(gateway, orc, logger)
	fnl := funnel.New(gateway, orc, cfg, logger)
	eval := strategy.New(cfg, logger)

	stopCh := make(chan struct{})
	om := orders.NewManager(gateway, ledger, store, logger, stopCh,
		orders.Config{EmulateBrackets: cfg.EmulateBrackets})

	gd, err := guard.New(gateway, store, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("overnight guard initialization failed")
	}

	sched := NewScheduler(cfg, clock, gateway, riskMgr, ledger, intel, fnl, eval, om, gd, store, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().
		Bool("paper", cfg.PaperTrading).
		Str("profile", string(cfg.Profile)).
		Str("session", string(clock.CurrentSession())).
		Msg("engine starting")

	if err := sched.ReconcileStartup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("startup reconciliation failed")
	}

	err = sched.Run(ctx)
	logger.Info().Err(err).Msg("scheduler stopped")

	// The stop channel quiesces background fill trackers before any
	// shutdown liquidation begins.
	close(stopCh)

	if cfg.EmergencyStopOnShutdown {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer stopCancel()
		report, err := om.EmergencyStop(stopCtx, "shutdown")
		if err != nil {
			logger.Error().Err(err).Msg("shutdown liquidation finished with errors")
		}
		if report != nil && !report.Clean() {
			logger.Error().
				Float64("residual_exposure", report.ResidualExposure).
				Msg("positions remain after shutdown liquidation")
		}
	}

	if err := store.SaveLedger(ledger.Snapshot()); err != nil {
		logger.Error().Err(err).Msg("final ledger persistence failed")
	}
	logger.Info().Msg("engine stopped")
}

func baseLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
