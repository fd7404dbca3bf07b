package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradeSignal_Validate(t *testing.T) {
	tests := []struct {
		name    string
		signal  TradeSignal
		wantErr bool
	}{
		{
			name:   "valid long",
			signal: TradeSignal{Symbol: "NVDA", Side: SideBuy, Entry: 100, Stop: 95, Target: 110, Confidence: 0.7},
		},
		{
			name:   "valid short",
			signal: TradeSignal{Symbol: "XYZ", Side: SideSell, Entry: 50, Stop: 53, Target: 44, Confidence: 0.7},
		},
		{
			name:    "long with inverted stop",
			signal:  TradeSignal{Symbol: "NVDA", Side: SideBuy, Entry: 100, Stop: 105, Target: 110, Confidence: 0.7},
			wantErr: true,
		},
		{
			name:    "short with inverted target",
			signal:  TradeSignal{Symbol: "XYZ", Side: SideSell, Entry: 50, Stop: 53, Target: 55, Confidence: 0.7},
			wantErr: true,
		},
		{
			name:    "missing symbol",
			signal:  TradeSignal{Side: SideBuy, Entry: 100, Stop: 95, Target: 110, Confidence: 0.7},
			wantErr: true,
		},
		{
			name:    "confidence out of range",
			signal:  TradeSignal{Symbol: "NVDA", Side: SideBuy, Entry: 100, Stop: 95, Target: 110, Confidence: 1.2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.signal.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTradeSignal_RewardRisk(t *testing.T) {
	sig := TradeSignal{Symbol: "NVDA", Side: SideBuy, Entry: 100, Stop: 96, Target: 108}
	assert.InDelta(t, 4.0, sig.RiskPerShare(), 1e-9)
	assert.InDelta(t, 2.0, sig.RewardRisk(), 1e-9)

	degenerate := TradeSignal{Entry: 100, Stop: 100, Target: 110}
	assert.Zero(t, degenerate.RewardRisk())
}

func TestPosition_Sides(t *testing.T) {
	long := Position{Symbol: "AAPL", Qty: 10}
	short := Position{Symbol: "TSLA", Qty: -5}

	assert.True(t, long.IsLong())
	assert.Equal(t, SideSell, long.ClosingSide())
	assert.Equal(t, 10.0, long.AbsQty())

	assert.False(t, short.IsLong())
	assert.Equal(t, SideBuy, short.ClosingSide())
	assert.Equal(t, 5.0, short.AbsQty())
}

func TestOrder_IsProtective(t *testing.T) {
	pos := Position{Symbol: "AAPL", Qty: 10}

	stop := Order{Symbol: "AAPL", Side: SideSell, Type: OrderTypeStop, Status: OrderAccepted}
	assert.True(t, stop.IsProtective(&pos))

	takeProfit := Order{Symbol: "AAPL", Side: SideSell, Type: OrderTypeLimit, Status: OrderAccepted}
	assert.True(t, takeProfit.IsProtective(&pos))

	wrongSide := Order{Symbol: "AAPL", Side: SideBuy, Type: OrderTypeStop, Status: OrderAccepted}
	assert.False(t, wrongSide.IsProtective(&pos))

	terminal := Order{Symbol: "AAPL", Side: SideSell, Type: OrderTypeStop, Status: OrderCanceled}
	assert.False(t, terminal.IsProtective(&pos))

	otherSymbol := Order{Symbol: "MSFT", Side: SideSell, Type: OrderTypeStop, Status: OrderAccepted}
	assert.False(t, otherSymbol.IsProtective(&pos))
}

func TestShutdownReport_Clean(t *testing.T) {
	now := time.Now().UTC()
	report := ShutdownReport{
		Reason:      "daily_drawdown",
		StartedAt:   now,
		CompletedAt: now.Add(3 * time.Second),
		Positions: []LiquidationResult{
			{Symbol: "AAPL", Qty: 10, Flattened: true},
			{Symbol: "TSLA", Qty: -5, Flattened: true},
		},
	}
	require.True(t, report.Clean())

	report.Positions[1].Flattened = false
	report.Positions[1].Error = "insufficient qty available"
	report.ResidualExposure = 1200
	assert.False(t, report.Clean())
}
