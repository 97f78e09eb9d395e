package policy

import (
	"testing"
	"time"
)

// 2024-01-01 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 1, day, hour, minute, 0, 0, time.UTC)
}

func TestEvaluate(t *testing.T) {
	p := NewUserPolicy("alice")
	p.AllowedDays = Weekdays{time.Monday, time.Tuesday}
	p.AllowedHours = map[time.Weekday]map[int]HourWindow{
		time.Monday: {
			8:  FullHour,
			22: {StartMinute: 0, EndMinute: 15, Unaccounted: true},
		},
		time.Tuesday: {},
		time.Sunday: {
			10: {StartMinute: 0, EndMinute: 60, Unaccounted: true},
		},
	}

	tests := []struct {
		name string
		now  time.Time
		want Window
	}{
		{"allowed hour", at(1, 8, 30), Window{Allowed: true}},
		{"missing hour", at(1, 9, 0), Window{}},
		{"unaccounted window start", at(1, 22, 0), Window{Allowed: true, Unaccounted: true}},
		{"unaccounted window last minute", at(1, 22, 14), Window{Allowed: true, Unaccounted: true}},
		{"end minute is exclusive", at(1, 22, 15), Window{}},
		{"allowed day without hours", at(2, 8, 0), Window{}},
		{"day not allowed", at(3, 8, 0), Window{}},
		// Day gate wins over an unaccounted hour on a day that is not allowed.
		{"disallowed day with unaccounted hour", at(7, 10, 0), Window{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Evaluate(tt.now); got != tt.want {
				t.Errorf("Evaluate(%s) = %+v, want %+v", tt.now.Format("Mon 15:04"), got, tt.want)
			}
		})
	}
}

func TestWakeWindow(t *testing.T) {
	tests := []struct {
		name string
		wake *WakeWindow
		hour int
		want bool
	}{
		{"no window", nil, 2, false},
		{"inside", &WakeWindow{From: 0, To: 6}, 2, true},
		{"upper bound inclusive", &WakeWindow{From: 0, To: 6}, 6, true},
		{"outside", &WakeWindow{From: 0, To: 6}, 7, false},
		{"wrapped late", &WakeWindow{From: 22, To: 5}, 23, true},
		{"wrapped early", &WakeWindow{From: 22, To: 5}, 3, true},
		{"wrapped outside", &WakeWindow{From: 22, To: 5}, 12, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := Lockout{Type: LockoutSuspend, Wake: tt.wake}
			if got := l.Suppressed(tt.hour); got != tt.want {
				t.Errorf("Suppressed(%d) = %v, want %v", tt.hour, got, tt.want)
			}
		})
	}
}

func TestPlayTimeActive(t *testing.T) {
	p := NewUserPolicy("bob")
	p.PlayTime.AllowedDays = Weekdays{time.Saturday}

	if p.PlayTimeActive(time.Saturday) {
		t.Errorf("PlayTime should be inactive while disabled")
	}
	p.PlayTime.Enabled = true
	if !p.PlayTimeActive(time.Saturday) {
		t.Errorf("PlayTime should be active on an allowed day")
	}
	if p.PlayTimeActive(time.Monday) {
		t.Errorf("PlayTime should be inactive on a day outside its set")
	}
}

func TestAllowedToday(t *testing.T) {
	p := NewUserPolicy("carol")
	p.AllowedHours[time.Monday] = map[int]HourWindow{
		8:  FullHour,
		9:  {StartMinute: 0, EndMinute: 30},
		20: {StartMinute: 0, EndMinute: 60, Unaccounted: true},
	}
	if got := p.AllowedToday(time.Monday); got != 90*time.Minute {
		t.Errorf("AllowedToday = %s, want 1h30m", got)
	}
	if got := p.AllowedToday(time.Sunday); got != 24*time.Hour {
		t.Errorf("AllowedToday(Sunday) = %s, want 24h", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *UserPolicy)
	}{
		{"empty username", func(p *UserPolicy) { p.Username = "" }},
		{"bad weekday", func(p *UserPolicy) { p.AllowedDays = append(p.AllowedDays, 9) }},
		{"negative limit", func(p *UserPolicy) { p.DayLimits[time.Monday] = -time.Second }},
		{"inverted window", func(p *UserPolicy) {
			p.AllowedHours[time.Monday][3] = HourWindow{StartMinute: 30, EndMinute: 10}
		}},
		{"hour out of range", func(p *UserPolicy) { p.AllowedHours[time.Monday][24] = FullHour }},
		{"unknown lockout", func(p *UserPolicy) { p.Lockout.Type = "reboot" }},
		{"wake out of range", func(p *UserPolicy) { p.Lockout.Wake = &WakeWindow{From: 0, To: 30} }},
		{"empty activity mask", func(p *UserPolicy) { p.PlayTime.Activities = []Activity{{Mask: ""}} }},
	}

	if err := NewUserPolicy("dave").Validate(); err != nil {
		t.Fatalf("default policy should be valid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewUserPolicy("dave")
			tt.mutate(p)
			if err := p.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := NewUserPolicy("erin")
	p.Lockout.Wake = &WakeWindow{From: 1, To: 2}
	p.PlayTime.Activities = []Activity{{Mask: "steam"}}

	c := p.Clone()
	c.AllowedHours[time.Monday][5] = HourWindow{StartMinute: 0, EndMinute: 1}
	c.DayLimits[time.Monday] = time.Hour
	c.Lockout.Wake.To = 9
	c.PlayTime.Activities[0].Mask = "minecraft"
	c.AllowedDays[0] = time.Saturday

	if p.AllowedHours[time.Monday][5] != FullHour {
		t.Errorf("hour map shared with clone")
	}
	if p.DayLimits[time.Monday] != 0 {
		t.Errorf("limits shared with clone")
	}
	if p.Lockout.Wake.To != 2 {
		t.Errorf("wake window shared with clone")
	}
	if p.PlayTime.Activities[0].Mask != "steam" {
		t.Errorf("activities shared with clone")
	}
	if p.AllowedDays[0] != time.Sunday {
		t.Errorf("allowed days shared with clone")
	}
}
