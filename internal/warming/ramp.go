package warming

import "fmt"

// RampDay is one day's entry in the warm-up table.
type RampDay struct {
	MaxMessages int `json:"maxMessages"`
	MinDelayMs  int `json:"minDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs"`
}

// RampTable maps session age to throughput limits. Days beyond the table
// fall into the flat mature tier. The table is data, not logic, so
// operators can replace it without a rebuild.
type RampTable struct {
	Days   []RampDay `json:"days"`
	Mature RampDay   `json:"mature"`
}

// ForDay returns the limits for a 1-based age in days.
func (t RampTable) ForDay(day int) Limits {
	var e RampDay
	switch {
	case day < 1:
		e = t.Days[0]
	case day <= len(t.Days):
		e = t.Days[day-1]
	default:
		e = t.Mature
	}
	return Limits{
		MaxMessagesToday: e.MaxMessages,
		MinDelayMs:       e.MinDelayMs,
		MaxDelayMs:       e.MaxDelayMs,
	}
}

// Validate rejects tables that would undo the warm-up policy: every day
// must allow at least as many messages as the day before and never widen
// the delay window, and the mature tier must continue the trend past the
// last day.
func (t RampTable) Validate() error {
	if len(t.Days) == 0 {
		return fmt.Errorf("ramp table: no day entries")
	}
	check := func(label string, e RampDay) error {
		if e.MaxMessages <= 0 {
			return fmt.Errorf("ramp table %s: maxMessages must be positive", label)
		}
		if e.MinDelayMs < 0 || e.MaxDelayMs < e.MinDelayMs {
			return fmt.Errorf("ramp table %s: delay window [%d, %d] is invalid", label, e.MinDelayMs, e.MaxDelayMs)
		}
		return nil
	}
	prev := t.Days[0]
	if err := check("day 1", prev); err != nil {
		return err
	}
	for i, e := range t.Days[1:] {
		label := fmt.Sprintf("day %d", i+2)
		if err := check(label, e); err != nil {
			return err
		}
		if e.MaxMessages < prev.MaxMessages {
			return fmt.Errorf("ramp table %s: maxMessages %d drops below day %d (%d)", label, e.MaxMessages, i+1, prev.MaxMessages)
		}
		if e.MinDelayMs > prev.MinDelayMs || e.MaxDelayMs > prev.MaxDelayMs {
			return fmt.Errorf("ramp table %s: delay window widens over day %d", label, i+1)
		}
		prev = e
	}
	if err := check("mature tier", t.Mature); err != nil {
		return err
	}
	if t.Mature.MaxMessages < prev.MaxMessages {
		return fmt.Errorf("ramp table mature tier: maxMessages %d drops below the last day (%d)", t.Mature.MaxMessages, prev.MaxMessages)
	}
	if t.Mature.MinDelayMs > prev.MinDelayMs || t.Mature.MaxDelayMs > prev.MaxDelayMs {
		return fmt.Errorf("ramp table mature tier: delay window widens over the last day")
	}
	return nil
}

// DefaultRampTable is the stock anti-abuse warm-up policy: volume grows
// and delays shrink as a session ages.
func DefaultRampTable() RampTable {
	return RampTable{
		Days: []RampDay{
			{MaxMessages: 20, MinDelayMs: 90000, MaxDelayMs: 180000},
			{MaxMessages: 35, MinDelayMs: 75000, MaxDelayMs: 150000},
			{MaxMessages: 50, MinDelayMs: 60000, MaxDelayMs: 120000},
			{MaxMessages: 75, MinDelayMs: 45000, MaxDelayMs: 100000},
			{MaxMessages: 100, MinDelayMs: 40000, MaxDelayMs: 90000},
			{MaxMessages: 140, MinDelayMs: 30000, MaxDelayMs: 75000},
			{MaxMessages: 180, MinDelayMs: 25000, MaxDelayMs: 60000},
			{MaxMessages: 230, MinDelayMs: 20000, MaxDelayMs: 50000},
			{MaxMessages: 280, MinDelayMs: 15000, MaxDelayMs: 40000},
			{MaxMessages: 350, MinDelayMs: 12000, MaxDelayMs: 30000},
		},
		Mature: RampDay{MaxMessages: 500, MinDelayMs: 8000, MaxDelayMs: 20000},
	}
}
