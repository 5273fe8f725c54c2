package study

import (
	"fmt"
	"strings"
	"time"
)

// IntervalUnit is the calendar unit of a cron interval
type IntervalUnit string

const (
	Minutes IntervalUnit = "MINUTES"
	Hours   IntervalUnit = "HOURS"
	Days    IntervalUnit = "DAYS"
	Weeks   IntervalUnit = "WEEKS"
	Months  IntervalUnit = "MONTHS"
)

// Valid reports whether u is a known unit
func (u IntervalUnit) Valid() bool {
	switch u {
	case Minutes, Hours, Days, Weeks, Months:
		return true
	}
	return false
}

// Add returns t advanced by n units. Days, weeks and months are calendar
// arithmetic in t's location.
func (u IntervalUnit) Add(t time.Time, n int) (time.Time, error) {
	switch u {
	case Minutes:
		return t.Add(time.Duration(n) * time.Minute), nil
	case Hours:
		return t.Add(time.Duration(n) * time.Hour), nil
	case Days:
		return t.AddDate(0, 0, n), nil
	case Weeks:
		return t.AddDate(0, 0, 7*n), nil
	case Months:
		return t.AddDate(0, n, 0), nil
	}
	return time.Time{}, fmt.Errorf("unknown interval unit %q", string(u))
}

// UnmarshalText accepts unit names in any case
func (u *IntervalUnit) UnmarshalText(text []byte) error {
	v := IntervalUnit(strings.ToUpper(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("unknown interval unit %q", string(text))
	}
	*u = v
	return nil
}

// Cron is a named rule set run on every active scope. A cron without an
// interval is never run by the timer; it can still be triggered manually.
type Cron struct {
	ID           string        `yaml:"id"`
	Description  string        `yaml:"description"`
	Interval     *int          `yaml:"interval,omitempty"`
	IntervalUnit *IntervalUnit `yaml:"intervalUnit,omitempty"`
	Rules        []Rule        `yaml:"rules"`
}

// Periodic reports whether the cron has both an interval and a unit
func (c *Cron) Periodic() bool {
	return c.Interval != nil && c.IntervalUnit != nil
}

// NextRun returns the earliest time the cron is due after lastRun
func (c *Cron) NextRun(lastRun time.Time) (time.Time, error) {
	if !c.Periodic() {
		return time.Time{}, &ConfigError{Entity: "cron", ID: c.ID, Reason: "no interval configured"}
	}
	return c.IntervalUnit.Add(lastRun, *c.Interval)
}

// IsDue reports whether a periodic cron should run at now. A cron that has
// never run is due immediately.
func (c *Cron) IsDue(lastRun time.Time, hasRun bool, now time.Time) bool {
	if !c.Periodic() {
		return false
	}
	if !hasRun {
		return true
	}
	next, err := c.NextRun(lastRun)
	if err != nil {
		return false
	}
	return !now.Before(next)
}
