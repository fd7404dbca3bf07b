package models

import "time"

// CloseSnapshot records a position's state at session close. The gap
// guard compares the next session's quotes against these.
type CloseSnapshot struct {
	Symbol     string    `json:"symbol"`
	ClosePrice float64   `json:"close_price"`
	Qty        float64   `json:"qty"`
	RecordedAt time.Time `json:"recorded_at"`
}
