package models

import "time"

// LiquidationResult records the outcome of flattening a single position
// during an emergency stop.
type LiquidationResult struct {
	Symbol         string  `json:"symbol"`
	Qty            float64 `json:"qty"`
	OrdersCanceled int     `json:"orders_canceled"`
	Flattened      bool    `json:"flattened"`
	FillPrice      float64 `json:"fill_price,omitempty"`
	Attempts       int     `json:"attempts"`
	Error          string  `json:"error,omitempty"`
}

// ShutdownReport is the structured record of an emergency stop. All
// timestamps serialize as RFC 3339 so the report round-trips through JSON.
type ShutdownReport struct {
	Reason           string              `json:"reason"`
	StartedAt        time.Time           `json:"started_at"`
	CompletedAt      time.Time           `json:"completed_at"`
	ElapsedSeconds   float64             `json:"elapsed_seconds"`
	Positions        []LiquidationResult `json:"positions"`
	ResidualExposure float64             `json:"residual_exposure"`
}

// Clean reports whether every position flattened and nothing remains.
func (r *ShutdownReport) Clean() bool {
	if r.ResidualExposure != 0 {
		return false
	}
	for _, p := range r.Positions {
		if !p.Flattened {
			return false
		}
	}
	return true
}
