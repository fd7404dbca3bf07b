// Package config loads and validates the engine configuration from a
// YAML file plus environment variables. Unknown keys are rejected and
// ${VAR} references in the file are expanded before decoding.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile selects a risk posture preset.
type Profile string

const (
	ProfileConservative Profile = "conservative"
	ProfileStandard     Profile = "standard"
	ProfileAggressive   Profile = "aggressive"
)

// SizingMode selects how position quantities respond to volatility.
type SizingMode string

const (
	SizingFixed              SizingMode = "fixed"
	SizingVolatilityAdjusted SizingMode = "volatility_adjusted"
)

// Config is the complete engine configuration.
type Config struct {
	// Environment
	PaperTrading bool   `yaml:"paper_trading"`
	LogLevel     string `yaml:"log_level"`
	StoragePath  string `yaml:"storage_path"`

	// Broker gateway
	RateLimitPerMinute    int     `yaml:"rate_limit_per_minute"`
	RateLimitUtilization  float64 `yaml:"rate_limit_utilization"`
	EmergencyReserve      int     `yaml:"emergency_reserve"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	StaleQuoteMaxMinutes  float64 `yaml:"stale_quote_max_minutes"`
	TradingBaseURL        string  `yaml:"trading_base_url"`
	DataBaseURL           string  `yaml:"data_base_url"`
	EmulateBrackets       bool    `yaml:"emulate_brackets"`

	// Risk
	Profile                   Profile    `yaml:"profile"`
	Sizing                    SizingMode `yaml:"sizing"`
	MaxPositionPct            float64    `yaml:"max_position_pct"`
	MaxTradeRiskPct           float64    `yaml:"max_trade_risk_pct"`
	MaxPortfolioRiskPct       float64    `yaml:"max_portfolio_risk_pct"`
	CircuitBreakerPct         float64    `yaml:"circuit_breaker_pct"`
	MaxConcurrentPositions    int        `yaml:"max_concurrent_positions"`
	MaxSectorConcentrationPct float64    `yaml:"max_sector_concentration_pct"`
	MinPrice                  float64    `yaml:"min_price"`
	MaxPrice                  float64    `yaml:"max_price"`
	MinRewardRisk             float64    `yaml:"min_reward_risk"`
	RewardMultiple            float64    `yaml:"reward_multiple"`

	// Funnel and strategy
	AIConfidenceThreshold float64 `yaml:"ai_confidence_threshold"`
	ScanIntervalMinutes   int     `yaml:"scan_interval_minutes"`
	MaxOpportunities      int     `yaml:"max_opportunities"`
	DeepDiveBudget        int     `yaml:"deep_dive_budget"`
	OracleURL             string  `yaml:"oracle_url"`
	OracleModel           string  `yaml:"oracle_model"`

	// Overnight / extended hours
	EnableExtendedHours   bool `yaml:"enable_extended_hours"`
	MaxOvernightPositions int  `yaml:"max_overnight_positions"`
	MaxOvernightDays      int  `yaml:"max_overnight_days"`

	// Shutdown
	EmergencyStopOnShutdown bool `yaml:"emergency_stop_on_shutdown"`
}

// Credentials is the Alpaca API key pair, sourced from the environment
// only. Keys never appear in the YAML file.
type Credentials struct {
	KeyID     string
	SecretKey string
}

// LoadCredentials reads the broker credentials from the environment.
// Missing credentials are a startup-fatal configuration error.
func LoadCredentials() (Credentials, error) {
	keyID := os.Getenv("APCA_API_KEY_ID")
	secret := os.Getenv("APCA_API_SECRET_KEY")
	if keyID == "" || secret == "" {
		return Credentials{}, fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY must be set")
	}
	return Credentials{KeyID: keyID, SecretKey: secret}, nil
}

// Default returns a configuration with every documented default
// applied, suitable as a base for tests and ad-hoc wiring.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads, expands, decodes and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} references before decoding.
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StoragePath == "" {
		c.StoragePath = "data"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 200
	}
	if c.RateLimitUtilization == 0 {
		c.RateLimitUtilization = 0.8
	}
	if c.EmergencyReserve == 0 {
		c.EmergencyReserve = 10
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 30
	}
	if c.StaleQuoteMaxMinutes == 0 {
		c.StaleQuoteMaxMinutes = 15
	}
	if c.Profile == "" {
		c.Profile = ProfileStandard
	}
	if c.Sizing == "" {
		c.Sizing = SizingFixed
	}
	if c.MaxPositionPct == 0 {
		c.MaxPositionPct = 0.10
	}
	if c.MaxTradeRiskPct == 0 {
		c.MaxTradeRiskPct = 0.02
	}
	if c.MaxPortfolioRiskPct == 0 {
		c.MaxPortfolioRiskPct = 0.12
	}
	if c.CircuitBreakerPct == 0 {
		c.CircuitBreakerPct = 0.05
	}
	if c.MaxConcurrentPositions == 0 {
		c.MaxConcurrentPositions = defaultMaxPositions(c.Profile)
	}
	if c.MaxSectorConcentrationPct == 0 {
		c.MaxSectorConcentrationPct = 0.25
	}
	if c.MinPrice == 0 {
		c.MinPrice = 10
	}
	if c.MaxPrice == 0 {
		c.MaxPrice = 500
	}
	if c.MinRewardRisk == 0 {
		c.MinRewardRisk = 1.5
	}
	if c.RewardMultiple == 0 {
		c.RewardMultiple = 2.0
	}
	if c.AIConfidenceThreshold == 0 {
		c.AIConfidenceThreshold = 0.65
	}
	if c.ScanIntervalMinutes == 0 {
		c.ScanIntervalMinutes = 15
	}
	if c.MaxOpportunities == 0 {
		c.MaxOpportunities = 10
	}
	if c.DeepDiveBudget == 0 {
		c.DeepDiveBudget = 20
	}
	if c.MaxOvernightPositions == 0 {
		c.MaxOvernightPositions = 3
	}
	if c.MaxOvernightDays == 0 {
		c.MaxOvernightDays = 3
	}
}

func defaultMaxPositions(p Profile) int {
	switch p {
	case ProfileConservative:
		return 3
	case ProfileAggressive:
		return 12
	default:
		return 8
	}
}

// Validate checks every field for internal consistency.
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileConservative, ProfileStandard, ProfileAggressive:
	default:
		return fmt.Errorf("profile must be conservative, standard or aggressive, got %q", c.Profile)
	}
	switch c.Sizing {
	case SizingFixed, SizingVolatilityAdjusted:
	default:
		return fmt.Errorf("sizing must be fixed or volatility_adjusted, got %q", c.Sizing)
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("rate_limit_per_minute must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.RateLimitUtilization <= 0 || c.RateLimitUtilization > 1 {
		return fmt.Errorf("rate_limit_utilization must be in (0, 1], got %v", c.RateLimitUtilization)
	}
	if c.EmergencyReserve < 0 {
		return fmt.Errorf("emergency_reserve must be non-negative, got %d", c.EmergencyReserve)
	}
	if c.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request_timeout_seconds must be positive, got %d", c.RequestTimeoutSeconds)
	}
	if c.StaleQuoteMaxMinutes <= 0 {
		return fmt.Errorf("stale_quote_max_minutes must be positive, got %v", c.StaleQuoteMaxMinutes)
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		return fmt.Errorf("max_position_pct must be in (0, 1], got %v", c.MaxPositionPct)
	}
	if c.MaxTradeRiskPct <= 0 || c.MaxTradeRiskPct > 0.1 {
		return fmt.Errorf("max_trade_risk_pct must be in (0, 0.1], got %v", c.MaxTradeRiskPct)
	}
	if c.MaxPortfolioRiskPct <= 0 || c.MaxPortfolioRiskPct > 1 {
		return fmt.Errorf("max_portfolio_risk_pct must be in (0, 1], got %v", c.MaxPortfolioRiskPct)
	}
	if c.MaxPortfolioRiskPct < c.MaxTradeRiskPct {
		return fmt.Errorf("max_portfolio_risk_pct (%v) must not be below max_trade_risk_pct (%v)",
			c.MaxPortfolioRiskPct, c.MaxTradeRiskPct)
	}
	if c.CircuitBreakerPct <= 0 || c.CircuitBreakerPct > 0.5 {
		return fmt.Errorf("circuit_breaker_pct must be in (0, 0.5], got %v", c.CircuitBreakerPct)
	}
	if c.MaxConcurrentPositions < 1 {
		return fmt.Errorf("max_concurrent_positions must be positive, got %d", c.MaxConcurrentPositions)
	}
	if c.MaxSectorConcentrationPct <= 0 || c.MaxSectorConcentrationPct > 1 {
		return fmt.Errorf("max_sector_concentration_pct must be in (0, 1], got %v", c.MaxSectorConcentrationPct)
	}
	if c.MinPrice < 0 || c.MaxPrice <= c.MinPrice {
		return fmt.Errorf("price band [%v, %v] is invalid", c.MinPrice, c.MaxPrice)
	}
	if c.MinRewardRisk < 1 {
		return fmt.Errorf("min_reward_risk must be at least 1, got %v", c.MinRewardRisk)
	}
	if c.RewardMultiple < c.MinRewardRisk {
		return fmt.Errorf("reward_multiple (%v) must not be below min_reward_risk (%v)",
			c.RewardMultiple, c.MinRewardRisk)
	}
	if c.AIConfidenceThreshold < 0 || c.AIConfidenceThreshold > 1 {
		return fmt.Errorf("ai_confidence_threshold must be in [0, 1], got %v", c.AIConfidenceThreshold)
	}
	if c.ScanIntervalMinutes < 1 {
		return fmt.Errorf("scan_interval_minutes must be positive, got %d", c.ScanIntervalMinutes)
	}
	if c.MaxOpportunities < 1 {
		return fmt.Errorf("max_opportunities must be positive, got %d", c.MaxOpportunities)
	}
	if c.DeepDiveBudget < 3 {
		return fmt.Errorf("deep_dive_budget must be at least 3 (one full deep dive), got %d", c.DeepDiveBudget)
	}
	if c.MaxOvernightPositions < 0 {
		return fmt.Errorf("max_overnight_positions must be non-negative, got %d", c.MaxOvernightPositions)
	}
	if c.MaxOvernightDays < 1 {
		return fmt.Errorf("max_overnight_days must be positive, got %d", c.MaxOvernightDays)
	}
	return nil
}

// RequestTimeout returns the per-call gateway deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StaleQuoteMax returns the quote staleness bound.
func (c *Config) StaleQuoteMax() time.Duration {
	return time.Duration(c.StaleQuoteMaxMinutes * float64(time.Minute))
}

// ScanInterval returns the funnel cadence for the given session state.
// Extended-hours sessions scan faster when enabled.
func (c *Config) ScanInterval(extendedSession bool) time.Duration {
	if extendedSession && c.EnableExtendedHours {
		return 5 * time.Minute
	}
	return time.Duration(c.ScanIntervalMinutes) * time.Minute
}

// EffectiveMaxPositionPct returns the per-position notional cap for the
// current posture: the conservative profile tightens it to 5% and
// extended-hours sessions to 3%.
func (c *Config) EffectiveMaxPositionPct(extendedSession bool) float64 {
	pct := c.MaxPositionPct
	if c.Profile == ProfileConservative && pct > 0.05 {
		pct = 0.05
	}
	if extendedSession && pct > 0.03 {
		pct = 0.03
	}
	return pct
}
