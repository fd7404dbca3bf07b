// Package util provides price arithmetic on exchange tick grids.
package util

import "math"

// tickEpsilon is a relative tolerance on the price/tick quotient. It is
// wide enough to absorb the few ulps of error a float division leaves on
// an exact tick multiple, and narrow enough that a price even 1e-13
// under a boundary still lands on the lower tick.
const tickEpsilon = 1e-14

// RoundToTick rounds x to the nearest tick increment; ties round away
// from zero. Non-finite x and zero tick pass through unchanged.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the tick grid. Exact multiples survive
// float division error; anything genuinely under a boundary drops to
// the lower tick.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	q := x / tick
	return math.Floor(q+tickEpsilon*math.Abs(q)) * tick
}

// CeilToTick rounds x up to the tick grid, with the same float-error
// tolerance as FloorToTick.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	q := x / tick
	return math.Ceil(q-tickEpsilon*math.Abs(q)) * tick
}
