package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileExt = ".yaml"

// document is the on-disk form of a UserPolicy. Hours, lockout and
// activities use the same token grammar as the admin commands.
type document struct {
	AllowedDays   []int            `yaml:"allowed_days"`
	Limits        map[int]int64    `yaml:"limits,omitempty"`
	Hours         map[int]string   `yaml:"hours,omitempty"`
	WeekLimit     int64            `yaml:"week_limit,omitempty"`
	MonthLimit    int64            `yaml:"month_limit,omitempty"`
	TrackInactive bool             `yaml:"track_inactive,omitempty"`
	Lockout       string           `yaml:"lockout,omitempty"`
	PlayTime      playTimeDocument `yaml:"playtime,omitempty"`
}

type playTimeDocument struct {
	Enabled              bool          `yaml:"enabled,omitempty"`
	LimitOverride        bool          `yaml:"limit_override,omitempty"`
	UnaccountedIntervals bool          `yaml:"unaccounted_intervals,omitempty"`
	AllowedDays          []int         `yaml:"allowed_days,omitempty"`
	Limits               map[int]int64 `yaml:"limits,omitempty"`
	Activities           []string      `yaml:"activities,omitempty"`
}

func (d *document) toPolicy(username string) (*UserPolicy, error) {
	p := &UserPolicy{
		Username:      username,
		DayLimits:     secondsToLimits(d.Limits),
		AllowedHours:  make(map[time.Weekday]map[int]HourWindow, len(d.Hours)),
		WeekLimit:     time.Duration(d.WeekLimit) * time.Second,
		MonthLimit:    time.Duration(d.MonthLimit) * time.Second,
		TrackInactive: d.TrackInactive,
		Lockout:       Lockout{Type: LockoutTerminate},
		PlayTime: PlayTimePolicy{
			Enabled:                     d.PlayTime.Enabled,
			LimitOverride:               d.PlayTime.LimitOverride,
			UnaccountedIntervalsAllowed: d.PlayTime.UnaccountedIntervals,
			AllowedDays:                 intsToDays(d.PlayTime.AllowedDays),
			Limits:                      secondsToLimits(d.PlayTime.Limits),
		},
	}
	p.AllowedDays = intsToDays(d.AllowedDays)

	for day, spec := range d.Hours {
		hours, err := ParseHours(spec)
		if err != nil {
			return nil, fmt.Errorf("hours for day %d: %w", day, err)
		}
		p.AllowedHours[time.Weekday(day)] = hours
	}

	if d.Lockout != "" {
		l, err := ParseLockout(d.Lockout)
		if err != nil {
			return nil, err
		}
		p.Lockout = l
	}

	for _, tok := range d.PlayTime.Activities {
		mask, desc, err := SplitValueParam(tok)
		if err != nil {
			return nil, fmt.Errorf("activity: %w", err)
		}
		p.PlayTime.Activities = append(p.PlayTime.Activities, Activity{Mask: mask, Description: desc})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func fromPolicy(p *UserPolicy) *document {
	d := &document{
		AllowedDays:   daysToInts(p.AllowedDays),
		Limits:        limitsToSeconds(p.DayLimits),
		Hours:         make(map[int]string, len(p.AllowedHours)),
		WeekLimit:     int64(p.WeekLimit / time.Second),
		MonthLimit:    int64(p.MonthLimit / time.Second),
		TrackInactive: p.TrackInactive,
		Lockout:       FormatLockout(p.Lockout),
		PlayTime: playTimeDocument{
			Enabled:              p.PlayTime.Enabled,
			LimitOverride:        p.PlayTime.LimitOverride,
			UnaccountedIntervals: p.PlayTime.UnaccountedIntervalsAllowed,
			AllowedDays:          daysToInts(p.PlayTime.AllowedDays),
			Limits:               limitsToSeconds(p.PlayTime.Limits),
		},
	}
	for day, hours := range p.AllowedHours {
		d.Hours[int(day)] = FormatHours(hours)
	}
	for _, a := range p.PlayTime.Activities {
		d.PlayTime.Activities = append(d.PlayTime.Activities, FormatActivities([]Activity{a}))
	}
	return d
}

// readFile loads one policy file. The username is the file's base name.
func readFile(path string) (*UserPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var d document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	p, err := d.toPolicy(usernameFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return p, nil
}

// writeFile stores p under dir, replacing any previous file atomically.
func writeFile(dir string, p *UserPolicy) error {
	data, err := yaml.Marshal(fromPolicy(p))
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+p.Username+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp policy file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close policy file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, p.Username+fileExt)); err != nil {
		return fmt.Errorf("failed to replace policy file: %w", err)
	}
	return nil
}

func usernameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), fileExt)
}

func isPolicyFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, fileExt) && !strings.HasPrefix(base, ".")
}

func intsToDays(in []int) Weekdays {
	days := make(Weekdays, 0, len(in))
	for _, n := range in {
		if n == 7 {
			n = 0
		}
		days = append(days, time.Weekday(n))
	}
	return days.Normalize()
}

func daysToInts(days Weekdays) []int {
	out := make([]int, len(days))
	for i, d := range days {
		out[i] = int(d)
	}
	return out
}

func secondsToLimits(in map[int]int64) map[time.Weekday]time.Duration {
	out := make(map[time.Weekday]time.Duration, len(in))
	for d, secs := range in {
		if d == 7 {
			d = 0
		}
		out[time.Weekday(d)] = time.Duration(secs) * time.Second
	}
	return out
}

func limitsToSeconds(in map[time.Weekday]time.Duration) map[int]int64 {
	out := make(map[int]int64, len(in))
	for d, v := range in {
		out[int(d)] = int64(v / time.Second)
	}
	return out
}
