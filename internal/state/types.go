package state

import "time"

// Control is a user's durable accounting state.
type Control struct {
	// SpentBalance is the budget-relevant usage for today. Admin time
	// adjustments move it independently of the per-hour tally.
	SpentBalance int64     `json:"spent_balance"`
	SpentDay     int64     `json:"spent_day"`
	SpentWeek    int64     `json:"spent_week"`
	SpentMonth   int64     `json:"spent_month"`
	LastChecked  time.Time `json:"last_checked"`
	Version      int       `json:"version"`
}

// Sub returns the per-counter difference c - o.
func (c Control) Sub(o Control) Control {
	return Control{
		SpentBalance: c.SpentBalance - o.SpentBalance,
		SpentDay:     c.SpentDay - o.SpentDay,
		SpentWeek:    c.SpentWeek - o.SpentWeek,
		SpentMonth:   c.SpentMonth - o.SpentMonth,
	}
}

// Add returns c with the counters of d added.
func (c Control) Add(d Control) Control {
	c.SpentBalance += d.SpentBalance
	c.SpentDay += d.SpentDay
	c.SpentWeek += d.SpentWeek
	c.SpentMonth += d.SpentMonth
	return c
}
