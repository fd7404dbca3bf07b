// Package models provides the core data structures for the trading engine:
// opportunities, trade signals, orders, positions and account snapshots.
package models

import (
	"fmt"
	"math"
	"time"
)

// QuantityEpsilon defines the precision tolerance for quantity comparisons.
// Used to handle floating point precision issues with position quantities.
const QuantityEpsilon = 1e-6

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// OrderClass distinguishes simple orders from bracket/OCO structures.
type OrderClass string

const (
	OrderClassSimple  OrderClass = "simple"
	OrderClassBracket OrderClass = "bracket"
	OrderClassOCO     OrderClass = "oco"
)

// DiscoverySource identifies which scan surfaced an opportunity.
type DiscoverySource string

const (
	SourceTopMovers      DiscoverySource = "top_movers"
	SourceMostActive     DiscoverySource = "most_active"
	SourceUnusualVolume  DiscoverySource = "unusual_volume"
	SourceNewsDriven     DiscoverySource = "news_driven"
	SourceSectorRotation DiscoverySource = "sector_rotation"
)

// CapBucket is a coarse market-capitalization class.
type CapBucket string

const (
	CapSmall CapBucket = "small"
	CapMid   CapBucket = "mid"
	CapLarge CapBucket = "large"
	CapMega  CapBucket = "mega"
)

// MarketRegime classifies the prevailing market environment.
type MarketRegime string

const (
	RegimeBullTrending  MarketRegime = "bull_trending"
	RegimeBearTrending  MarketRegime = "bear_trending"
	RegimeVolatile      MarketRegime = "volatile"
	RegimeRangeBound    MarketRegime = "range_bound"
	RegimeLowVolatility MarketRegime = "low_volatility"
)

// StrategyName identifies an entry strategy.
type StrategyName string

const (
	StrategyMomentum      StrategyName = "momentum"
	StrategyMeanReversion StrategyName = "mean_reversion"
	StrategyBreakout      StrategyName = "breakout"
	StrategyDefensive     StrategyName = "defensive"
)

// Analysis holds the deep-dive technicals attached to an opportunity.
type Analysis struct {
	RSI14        float64   `json:"rsi_14"`
	MACD         float64   `json:"macd"`
	MACDSignal   float64   `json:"macd_signal"`
	MACDHist     float64   `json:"macd_hist"`
	ATR14        float64   `json:"atr_14"`
	SpreadPct    float64   `json:"spread_pct"`
	BidPrice     float64   `json:"bid_price"`
	AskPrice     float64   `json:"ask_price"`
	QuoteTime    time.Time `json:"quote_time"`
	DailyReturns []float64 `json:"daily_returns,omitempty"`
}

// Opportunity is a candidate symbol flowing through the funnel.
type Opportunity struct {
	Symbol         string          `json:"symbol"`
	Source         DiscoverySource `json:"source"`
	DiscoveredAt   time.Time       `json:"discovered_at"`
	Price          float64         `json:"price"`
	DailyChangePct float64         `json:"daily_change_pct"`
	Volume         int64           `json:"volume"`
	AvgVolume      int64           `json:"avg_volume"`
	VolumeRatio    float64         `json:"volume_ratio"`
	CapBucket      CapBucket       `json:"cap_bucket"`
	Sector         string          `json:"sector"`
	Score          float64         `json:"score"`
	Analysis       *Analysis       `json:"analysis,omitempty"`
}

// TradeSignal is a fully specified trade proposal produced by the evaluator.
type TradeSignal struct {
	Symbol      string       `json:"symbol"`
	Side        Side         `json:"side"`
	Entry       float64      `json:"entry"`
	Stop        float64      `json:"stop"`
	Target      float64      `json:"target"`
	Quantity    int          `json:"quantity"`
	Confidence  float64      `json:"confidence"`
	Strategy    StrategyName `json:"strategy"`
	HorizonDays int          `json:"horizon_days"`
	Rationale   string       `json:"rationale"`
	CreatedAt   time.Time    `json:"created_at"`
}

// RiskPerShare returns the absolute distance between entry and stop.
func (s *TradeSignal) RiskPerShare() float64 {
	return math.Abs(s.Entry - s.Stop)
}

// RewardRisk returns the reward-to-risk ratio of the signal.
// Returns 0 when the stop distance is degenerate.
func (s *TradeSignal) RewardRisk() float64 {
	risk := s.RiskPerShare()
	if risk <= 0 {
		return 0
	}
	return math.Abs(s.Target-s.Entry) / risk
}

// Validate checks the geometric consistency of the signal.
func (s *TradeSignal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("invalid side: %s", s.Side)
	}
	if s.Entry <= 0 || s.Stop <= 0 || s.Target <= 0 {
		return fmt.Errorf("%s: non-positive price levels (entry=%.2f stop=%.2f target=%.2f)",
			s.Symbol, s.Entry, s.Stop, s.Target)
	}
	switch s.Side {
	case SideBuy:
		if !(s.Stop < s.Entry && s.Entry < s.Target) {
			return fmt.Errorf("%s: long signal requires stop < entry < target (%.2f, %.2f, %.2f)",
				s.Symbol, s.Stop, s.Entry, s.Target)
		}
	case SideSell:
		if !(s.Target < s.Entry && s.Entry < s.Stop) {
			return fmt.Errorf("%s: short signal requires target < entry < stop (%.2f, %.2f, %.2f)",
				s.Symbol, s.Target, s.Entry, s.Stop)
		}
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%s: confidence %.2f outside [0,1]", s.Symbol, s.Confidence)
	}
	return nil
}

// Position is an open broker position.
type Position struct {
	Symbol          string    `json:"symbol"`
	Qty             float64   `json:"qty"` // signed: negative means short
	AvgEntryPrice   float64   `json:"avg_entry_price"`
	CurrentPrice    float64   `json:"current_price"`
	MarketValue     float64   `json:"market_value"`
	UnrealizedPL    float64   `json:"unrealized_pl"`
	UnrealizedPLPct float64   `json:"unrealized_pl_pct"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.Qty > 0 }

// AbsQty returns the unsigned share count.
func (p *Position) AbsQty() float64 { return math.Abs(p.Qty) }

// ClosingSide returns the order side that flattens the position.
func (p *Position) ClosingSide() Side {
	if p.IsLong() {
		return SideSell
	}
	return SideBuy
}

// ProtectiveSide returns the side a protective stop order must carry.
// Same as ClosingSide; kept separate for call-site readability.
func (p *Position) ProtectiveSide() Side { return p.ClosingSide() }

// AccountSnapshot is a point-in-time view of the brokerage account.
type AccountSnapshot struct {
	Equity           float64   `json:"equity"`
	LastEquity       float64   `json:"last_equity"`
	Cash             float64   `json:"cash"`
	BuyingPower      float64   `json:"buying_power"`
	DayTradeCount    int       `json:"daytrade_count"`
	PatternDayTrader bool      `json:"pattern_day_trader"`
	TakenAt          time.Time `json:"taken_at"`
}

// Order is the engine's view of a broker order.
type Order struct {
	ClientID     string      `json:"client_id"`
	BrokerID     string      `json:"broker_id"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Class        OrderClass  `json:"class"`
	Qty          float64     `json:"qty"`
	LimitPrice   float64     `json:"limit_price,omitempty"`
	StopPrice    float64     `json:"stop_price,omitempty"`
	TIF          TimeInForce `json:"time_in_force"`
	ParentID     string      `json:"parent_id,omitempty"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// IsFilled reports whether the order filled completely.
func (o *Order) IsFilled() bool {
	return o.Status == OrderFilled || o.FilledQty >= o.Qty-QuantityEpsilon && o.Qty > 0
}

// IsProtective reports whether the order is a resting stop or limit that
// would flatten pos if triggered.
func (o *Order) IsProtective(pos *Position) bool {
	if o.Symbol != pos.Symbol || o.Status.Terminal() {
		return false
	}
	if o.Side != pos.ClosingSide() {
		return false
	}
	return o.Type == OrderTypeStop || o.Type == OrderTypeStopLimit || o.Type == OrderTypeLimit
}
