package policy

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrUnknownUser is returned when a username has no policy.
var ErrUnknownUser = errors.New("policy: unknown user")

// LockoutType names the enforcement action taken once a user is locked out.
type LockoutType string

const (
	LockoutLock      LockoutType = "lock"
	LockoutSuspend   LockoutType = "suspend"
	LockoutWall      LockoutType = "wall"
	LockoutTerminate LockoutType = "terminate"
	LockoutShutdown  LockoutType = "shutdown"
)

// Valid reports whether t is a known lockout type.
func (t LockoutType) Valid() bool {
	switch t {
	case LockoutLock, LockoutSuspend, LockoutWall, LockoutTerminate, LockoutShutdown:
		return true
	}
	return false
}

// Weekdays is a set of allowed days, Sunday = 0.
type Weekdays []time.Weekday

// Contains reports whether d is in the set.
func (w Weekdays) Contains(d time.Weekday) bool {
	return slices.Contains(w, d)
}

// Normalize sorts and de-duplicates the set.
func (w Weekdays) Normalize() Weekdays {
	out := slices.Clone(w)
	slices.Sort(out)
	return slices.Compact(out)
}

// HourWindow is the allowed part of one clock hour.
// Minutes in [StartMinute, EndMinute) are allowed.
type HourWindow struct {
	StartMinute int  `json:"start_minute"`
	EndMinute   int  `json:"end_minute"`
	Unaccounted bool `json:"unaccounted"`
}

// FullHour is the window covering an entire hour.
var FullHour = HourWindow{StartMinute: 0, EndMinute: 60}

// Contains reports whether minute falls inside the window.
func (h HourWindow) Contains(minute int) bool {
	return minute >= h.StartMinute && minute < h.EndMinute
}

func (h HourWindow) validate() error {
	if h.StartMinute < 0 || h.StartMinute > 59 {
		return fmt.Errorf("start minute %d out of range 0-59", h.StartMinute)
	}
	if h.EndMinute < 1 || h.EndMinute > 60 {
		return fmt.Errorf("end minute %d out of range 1-60", h.EndMinute)
	}
	if h.StartMinute >= h.EndMinute {
		return fmt.Errorf("start minute %d must be before end minute %d", h.StartMinute, h.EndMinute)
	}
	return nil
}

// WakeWindow is an inclusive hour range during which lockout actions are
// held back. From > To wraps around midnight.
type WakeWindow struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Contains reports whether hour is inside the window.
func (w WakeWindow) Contains(hour int) bool {
	if w.From <= w.To {
		return hour >= w.From && hour <= w.To
	}
	return hour >= w.From || hour <= w.To
}

// Lockout is the configured enforcement action and optional wake window.
type Lockout struct {
	Type LockoutType `json:"type"`
	Wake *WakeWindow `json:"wake,omitempty"`
}

// Suppressed reports whether the lockout action must be held back at hour.
func (l Lockout) Suppressed(hour int) bool {
	return l.Wake != nil && l.Wake.Contains(hour)
}

// Activity is one PlayTime process mask.
type Activity struct {
	Mask        string `json:"mask"`
	Description string `json:"description,omitempty"`
}

// PlayTimePolicy configures the activity-gated PlayTime budget.
type PlayTimePolicy struct {
	Enabled                     bool                           `json:"enabled"`
	LimitOverride               bool                           `json:"limit_override"`
	UnaccountedIntervalsAllowed bool                           `json:"unaccounted_intervals_allowed"`
	AllowedDays                 Weekdays                       `json:"allowed_days"`
	Limits                      map[time.Weekday]time.Duration `json:"limits"`
	Activities                  []Activity                     `json:"activities"`
}

// UserPolicy is the complete configuration for one tracked account.
// Values handed out by Store are shared and must not be mutated.
type UserPolicy struct {
	Username      string                              `json:"username"`
	AllowedDays   Weekdays                            `json:"allowed_days"`
	DayLimits     map[time.Weekday]time.Duration      `json:"day_limits"`
	AllowedHours  map[time.Weekday]map[int]HourWindow `json:"allowed_hours"`
	WeekLimit     time.Duration                       `json:"week_limit"`
	MonthLimit    time.Duration                       `json:"month_limit"`
	TrackInactive bool                                `json:"track_inactive"`
	Lockout       Lockout                             `json:"lockout"`
	PlayTime      PlayTimePolicy                      `json:"playtime"`
}

// NewUserPolicy returns a policy that allows every hour of every day with
// no limits and terminates the session on lockout.
func NewUserPolicy(username string) *UserPolicy {
	p := &UserPolicy{
		Username:     username,
		DayLimits:    make(map[time.Weekday]time.Duration),
		AllowedHours: make(map[time.Weekday]map[int]HourWindow),
		Lockout:      Lockout{Type: LockoutTerminate},
		PlayTime: PlayTimePolicy{
			Limits: make(map[time.Weekday]time.Duration),
		},
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		p.AllowedDays = append(p.AllowedDays, d)
		hours := make(map[int]HourWindow, 24)
		for h := 0; h < 24; h++ {
			hours[h] = FullHour
		}
		p.AllowedHours[d] = hours
	}
	return p
}

// Clone returns a deep copy of the policy.
func (p *UserPolicy) Clone() *UserPolicy {
	c := *p
	c.AllowedDays = slices.Clone(p.AllowedDays)
	c.DayLimits = cloneLimits(p.DayLimits)
	c.AllowedHours = make(map[time.Weekday]map[int]HourWindow, len(p.AllowedHours))
	for d, hours := range p.AllowedHours {
		hc := make(map[int]HourWindow, len(hours))
		for h, w := range hours {
			hc[h] = w
		}
		c.AllowedHours[d] = hc
	}
	if p.Lockout.Wake != nil {
		wake := *p.Lockout.Wake
		c.Lockout.Wake = &wake
	}
	c.PlayTime.AllowedDays = slices.Clone(p.PlayTime.AllowedDays)
	c.PlayTime.Limits = cloneLimits(p.PlayTime.Limits)
	c.PlayTime.Activities = slices.Clone(p.PlayTime.Activities)
	return &c
}

func cloneLimits(in map[time.Weekday]time.Duration) map[time.Weekday]time.Duration {
	out := make(map[time.Weekday]time.Duration, len(in))
	for d, v := range in {
		out[d] = v
	}
	return out
}

// Validate checks the structural invariants of the policy.
func (p *UserPolicy) Validate() error {
	if p.Username == "" {
		return errors.New("username is required")
	}
	for _, d := range p.AllowedDays {
		if err := validDay(d); err != nil {
			return err
		}
	}
	for d, limit := range p.DayLimits {
		if err := validDay(d); err != nil {
			return err
		}
		if limit < 0 || limit > 24*time.Hour {
			return fmt.Errorf("limit for %s out of range: %s", d, limit)
		}
	}
	for d, hours := range p.AllowedHours {
		if err := validDay(d); err != nil {
			return err
		}
		for h, w := range hours {
			if h < 0 || h > 23 {
				return fmt.Errorf("hour %d on %s out of range 0-23", h, d)
			}
			if err := w.validate(); err != nil {
				return fmt.Errorf("hour %d on %s: %w", h, d, err)
			}
		}
	}
	if p.WeekLimit < 0 || p.WeekLimit > 7*24*time.Hour {
		return fmt.Errorf("week limit out of range: %s", p.WeekLimit)
	}
	if p.MonthLimit < 0 || p.MonthLimit > 31*24*time.Hour {
		return fmt.Errorf("month limit out of range: %s", p.MonthLimit)
	}
	if !p.Lockout.Type.Valid() {
		return fmt.Errorf("unknown lockout type %q", p.Lockout.Type)
	}
	if w := p.Lockout.Wake; w != nil {
		if w.From < 0 || w.From > 23 || w.To < 0 || w.To > 23 {
			return fmt.Errorf("wake window %d-%d out of range 0-23", w.From, w.To)
		}
	}
	for _, d := range p.PlayTime.AllowedDays {
		if err := validDay(d); err != nil {
			return err
		}
	}
	for d, limit := range p.PlayTime.Limits {
		if err := validDay(d); err != nil {
			return err
		}
		if limit < 0 || limit > 24*time.Hour {
			return fmt.Errorf("playtime limit for %s out of range: %s", d, limit)
		}
	}
	for i, a := range p.PlayTime.Activities {
		if a.Mask == "" {
			return fmt.Errorf("activity %d has an empty mask", i)
		}
	}
	return nil
}

func validDay(d time.Weekday) error {
	if d < time.Sunday || d > time.Saturday {
		return fmt.Errorf("weekday %d out of range 0-6", d)
	}
	return nil
}
