package usage

import (
	"time"

	"github.com/goodtune/ktime/internal/enforcement"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage"
)

// Period identifies the calendar periods a set of counters belongs to.
type Period struct {
	Date    string
	ISOYear int
	ISOWeek int
	Month   string
}

// PeriodOf returns the periods containing t, in t's location.
func PeriodOf(t time.Time) Period {
	year, week := t.ISOWeek()
	return Period{
		Date:    t.Format(storage.DateLayout),
		ISOYear: year,
		ISOWeek: week,
		Month:   t.Format(storage.MonthLayout),
	}
}

// SameWeek reports whether p and o fall in the same ISO week.
func (p Period) SameWeek(o Period) bool {
	return p.ISOYear == o.ISOYear && p.ISOWeek == o.ISOWeek
}

// Counters are the remaining budgets of one user.
type Counters struct {
	Day      time.Duration
	Week     time.Duration
	Month    time.Duration
	PlayTime time.Duration
}

// FreshCounters returns full budgets for the day of t.
func FreshCounters(p *policy.UserPolicy, t time.Time) Counters {
	day := t.Weekday()
	return Counters{
		Day:      p.DayLimit(day),
		Week:     p.WeekLimit,
		Month:    p.MonthLimit,
		PlayTime: p.PlayTimeLimit(day),
	}
}

// RolloverCounters resets the counters whose period ended between from and
// the day of t. It reports whether anything was reset.
func RolloverCounters(c Counters, from Period, p *policy.UserPolicy, t time.Time) (Counters, bool) {
	to := PeriodOf(t)
	if from.Date == to.Date {
		return c, false
	}
	fresh := FreshCounters(p, t)
	c.Day = fresh.Day
	c.PlayTime = fresh.PlayTime
	if !from.SameWeek(to) {
		c.Week = fresh.Week
	}
	if from.Month != to.Month {
		c.Month = fresh.Month
	}
	return c, true
}

// Config tunes the accounting engine.
type Config struct {
	PollInterval time.Duration
	// Slack bounds the accepted gap between ticks as a multiple of
	// PollInterval. Longer gaps are discarded.
	Slack            float64
	ObserverTimeout  time.Duration
	PublisherTimeout time.Duration
	ActuatorTimeout  time.Duration
	// EvictionGrace is how long a user without a qualifying session is
	// kept in memory.
	EvictionGrace    time.Duration
	NotifyHysteresis time.Duration
	PlayTimeEnabled  bool
	Enforcement      enforcement.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     3 * time.Second,
		Slack:            2,
		ObserverTimeout:  2 * time.Second,
		PublisherTimeout: 2 * time.Second,
		ActuatorTimeout:  10 * time.Second,
		EvictionGrace:    10 * time.Minute,
		NotifyHysteresis: time.Minute,
		PlayTimeEnabled:  true,
		Enforcement:      enforcement.DefaultConfig(),
	}
}

// UserSnapshot is a consistent copy of one user's runtime state.
type UserSnapshot struct {
	Username      string
	Period        Period
	Counters      Counters
	Stage         enforcement.Stage
	ActionDone    bool
	Suppressed    bool
	Remaining     time.Duration
	Unlimited     bool
	Allowed       bool
	Unaccounted   bool
	Session       session.State
	Activity      string
	LastAccounted time.Time
	Version       uint64
	Dirty         bool
}

// Record converts the snapshot to its persisted form.
func (s UserSnapshot) Record(now time.Time) storage.RuntimeRecord {
	return storage.RuntimeRecord{
		Username:          s.Username,
		Date:              s.Period.Date,
		ISOYear:           s.Period.ISOYear,
		ISOWeek:           s.Period.ISOWeek,
		Month:             s.Period.Month,
		RemainingDay:      int64(s.Counters.Day / time.Second),
		RemainingWeek:     int64(s.Counters.Week / time.Second),
		RemainingMonth:    int64(s.Counters.Month / time.Second),
		RemainingPlayTime: int64(s.Counters.PlayTime / time.Second),
		Stage:             s.Stage.String(),
		ActionDone:        s.ActionDone,
		UpdatedAt:         now,
	}
}
