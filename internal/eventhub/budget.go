package eventhub

import "time"

// Budget tracks the time left of an original timeout across the steps of a
// multi-step operation.
type Budget struct {
	clock    Clock
	original time.Duration
	start    time.Time
}

// NewBudget starts a budget of d measured on clk.
func NewBudget(clk Clock, d time.Duration) Budget {
	return Budget{
		clock:    clk,
		original: d,
		start:    clk.Now(),
	}
}

// Original returns the timeout the budget was started with.
func (b Budget) Original() time.Duration {
	return b.original
}

// Elapsed returns the time spent since the budget started.
func (b Budget) Elapsed() time.Duration {
	return b.clock.Now().Sub(b.start)
}

// Remaining returns the time left, never negative.
func (b Budget) Remaining() time.Duration {
	return max(b.original-b.Elapsed(), 0)
}

// Expired reports whether no time is left.
func (b Budget) Expired() bool {
	return b.Remaining() == 0
}
