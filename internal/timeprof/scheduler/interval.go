package scheduler

import (
	"math"
	"math/rand/v2"
	"time"
)

// NextAfter draws the next sample time: an exponentially distributed
// interval with mean rate minutes, rounded up to whole minutes (at least
// one), added to ref.
//
// ref must be the due time of the previous sample, not "now" — scheduling
// relative to the due time keeps the average rate intact even when answers
// arrive late, instead of compounding the drift.
func NextAfter(ref time.Time, rate float64) time.Time {
	minutes := math.Ceil(rand.ExpFloat64() * rate)
	if minutes < 1 {
		minutes = 1
	}
	return ref.Add(time.Duration(minutes) * time.Minute)
}
