package policy

import "time"

// Window is the outcome of evaluating a policy at an instant.
type Window struct {
	Allowed     bool
	Unaccounted bool
}

// Evaluate reports whether use is allowed at now and whether the current
// hour is unaccounted. The weekday gate is checked first, so an unaccounted
// hour on a day that is not allowed is still disallowed.
func (p *UserPolicy) Evaluate(now time.Time) Window {
	day := now.Weekday()
	if !p.AllowedDays.Contains(day) {
		return Window{}
	}
	hours, ok := p.AllowedHours[day]
	if !ok {
		return Window{}
	}
	w, ok := hours[now.Hour()]
	if !ok || !w.Contains(now.Minute()) {
		return Window{}
	}
	return Window{Allowed: true, Unaccounted: w.Unaccounted}
}

// DayLimit returns the daily budget for day. Zero means unlimited.
func (p *UserPolicy) DayLimit(day time.Weekday) time.Duration {
	return p.DayLimits[day]
}

// PlayTimeActive reports whether the PlayTime budget applies on day.
func (p *UserPolicy) PlayTimeActive(day time.Weekday) bool {
	return p.PlayTime.Enabled && p.PlayTime.AllowedDays.Contains(day)
}

// PlayTimeLimit returns the PlayTime budget for day.
func (p *UserPolicy) PlayTimeLimit(day time.Weekday) time.Duration {
	return p.PlayTime.Limits[day]
}

// AllowedToday returns the total allowed minutes on day, counting only the
// accounted hours. It is used for display and for bounding day limits.
func (p *UserPolicy) AllowedToday(day time.Weekday) time.Duration {
	if !p.AllowedDays.Contains(day) {
		return 0
	}
	var total time.Duration
	for _, w := range p.AllowedHours[day] {
		if w.Unaccounted {
			continue
		}
		total += time.Duration(w.EndMinute-w.StartMinute) * time.Minute
	}
	return total
}
