package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SplitValueParam splits a configuration token into its value and an
// optional trailing parameter written as "value[param]" or
// `value("param")`.
func SplitValueParam(s string) (value, param string, err error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, `")`):
		i := strings.LastIndex(s, `("`)
		if i < 0 {
			return "", "", fmt.Errorf("unbalanced parameter in %q", s)
		}
		value, param = s[:i], s[i+2:len(s)-2]
	case strings.HasSuffix(s, "]"):
		i := strings.LastIndex(s, "[")
		if i < 0 {
			return "", "", fmt.Errorf("unbalanced parameter in %q", s)
		}
		value, param = s[:i], s[i+1:len(s)-1]
	default:
		value = s
	}
	if value == "" {
		return "", "", fmt.Errorf("missing value in %q", s)
	}
	return value, param, nil
}

// ParseHour parses one hour token such as "8", "!22" or "!22[00-15]".
// A leading "!" marks the hour unaccounted and the bracketed part bounds
// the allowed minutes.
func ParseHour(s string) (int, HourWindow, error) {
	value, param, err := SplitValueParam(s)
	if err != nil {
		return 0, HourWindow{}, err
	}

	w := FullHour
	if strings.HasPrefix(value, "!") {
		w.Unaccounted = true
		value = value[1:]
	}

	hour, err := strconv.Atoi(value)
	if err != nil {
		return 0, HourWindow{}, fmt.Errorf("invalid hour %q", value)
	}
	if hour < 0 || hour > 23 {
		return 0, HourWindow{}, fmt.Errorf("hour %d out of range 0-23", hour)
	}

	if param != "" {
		start, end, ok := strings.Cut(param, "-")
		if !ok {
			return 0, HourWindow{}, fmt.Errorf("invalid minute range %q", param)
		}
		if w.StartMinute, err = strconv.Atoi(start); err != nil {
			return 0, HourWindow{}, fmt.Errorf("invalid start minute %q", start)
		}
		if w.EndMinute, err = strconv.Atoi(end); err != nil {
			return 0, HourWindow{}, fmt.Errorf("invalid end minute %q", end)
		}
	}
	if err := w.validate(); err != nil {
		return 0, HourWindow{}, err
	}
	return hour, w, nil
}

// FormatHour renders an hour in the form accepted by ParseHour.
func FormatHour(hour int, w HourWindow) string {
	var b strings.Builder
	if w.Unaccounted {
		b.WriteByte('!')
	}
	b.WriteString(strconv.Itoa(hour))
	if w.StartMinute > 0 || w.EndMinute < 60 {
		fmt.Fprintf(&b, "[%d-%d]", w.StartMinute, w.EndMinute)
	}
	return b.String()
}

// ParseHours parses a semicolon separated list of hour tokens. "*" allows
// every hour of the day.
func ParseHours(s string) (map[int]HourWindow, error) {
	hours := make(map[int]HourWindow)
	switch strings.TrimSpace(s) {
	case "":
		return hours, nil
	case "*":
		for h := 0; h < 24; h++ {
			hours[h] = FullHour
		}
		return hours, nil
	}
	for _, tok := range strings.Split(s, ";") {
		hour, w, err := ParseHour(tok)
		if err != nil {
			return nil, err
		}
		hours[hour] = w
	}
	return hours, nil
}

// FormatHours renders hours sorted ascending, separated by semicolons.
func FormatHours(hours map[int]HourWindow) string {
	keys := make([]int, 0, len(hours))
	for h := range hours {
		keys = append(keys, h)
	}
	sort.Ints(keys)
	parts := make([]string, len(keys))
	for i, h := range keys {
		parts[i] = FormatHour(h, hours[h])
	}
	return strings.Join(parts, ";")
}

// ParseDays parses "1;2;3" into a weekday set. Both 0 and 7 mean Sunday.
func ParseDays(s string) (Weekdays, error) {
	var days Weekdays
	if strings.TrimSpace(s) == "" {
		return days, nil
	}
	for _, tok := range strings.Split(s, ";") {
		n, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return nil, fmt.Errorf("invalid day %q", tok)
		}
		if n == 7 {
			n = 0
		}
		if n < 0 || n > 6 {
			return nil, fmt.Errorf("day %d out of range", n)
		}
		days = append(days, time.Weekday(n))
	}
	return days.Normalize(), nil
}

// FormatDays renders a weekday set as "1;2;3".
func FormatDays(days Weekdays) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ";")
}

// ParseLimits parses "3600;7200" into a list of durations in seconds.
func ParseLimits(s string) ([]time.Duration, error) {
	var limits []time.Duration
	if strings.TrimSpace(s) == "" {
		return limits, nil
	}
	for _, tok := range strings.Split(s, ";") {
		secs, err := ParseSeconds(tok)
		if err != nil {
			return nil, err
		}
		limits = append(limits, secs)
	}
	return limits, nil
}

// ParseSeconds parses a non-negative number of seconds.
func ParseSeconds(s string) (time.Duration, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number of seconds %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative number of seconds %d", n)
	}
	return time.Duration(n) * time.Second, nil
}

// AssignLimits maps limits onto the allowed days in ascending order.
func AssignLimits(days Weekdays, limits []time.Duration) (map[time.Weekday]time.Duration, error) {
	days = days.Normalize()
	if len(limits) > len(days) {
		return nil, fmt.Errorf("%d limits given for %d allowed days", len(limits), len(days))
	}
	out := make(map[time.Weekday]time.Duration, len(limits))
	for i, limit := range limits {
		if limit > 24*time.Hour {
			return nil, fmt.Errorf("limit %d exceeds one day", int64(limit/time.Second))
		}
		out[days[i]] = limit
	}
	return out, nil
}

// FormatLimits renders the limits of days in ascending day order.
func FormatLimits(days Weekdays, limits map[time.Weekday]time.Duration) string {
	days = days.Normalize()
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.FormatInt(int64(limits[d]/time.Second), 10)
	}
	return strings.Join(parts, ";")
}

// ParseBool accepts only "true" or "false", case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("please specify true or false, got %q", s)
}

var lockoutCodes = map[string]LockoutType{
	"l": LockoutLock,
	"s": LockoutSuspend,
	"w": LockoutWall,
	"t": LockoutTerminate,
	"d": LockoutShutdown,
}

// ParseLockout parses "type" or "type;from;to". The type is either a full
// name (lock, suspend, wall, terminate, shutdown) or its single letter code
// (L, S, W, T, D). A wake window is only set when from and to are given.
func ParseLockout(s string) (Lockout, error) {
	parts := strings.Split(strings.TrimSpace(s), ";")
	name := strings.ToLower(strings.TrimSpace(parts[0]))

	lt, ok := lockoutCodes[name]
	if !ok {
		lt = LockoutType(name)
	}
	if !lt.Valid() {
		return Lockout{}, fmt.Errorf("please specify one of these: L, S, W, T, D (got %q)", parts[0])
	}

	l := Lockout{Type: lt}
	switch len(parts) {
	case 1:
	case 3:
		from, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || from < 0 || from > 23 {
			return Lockout{}, fmt.Errorf("invalid wake from hour %q", parts[1])
		}
		to, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || to < 0 || to > 23 {
			return Lockout{}, fmt.Errorf("invalid wake to hour %q", parts[2])
		}
		l.Wake = &WakeWindow{From: from, To: to}
	default:
		return Lockout{}, fmt.Errorf("lockout must be \"type\" or \"type;from;to\", got %q", s)
	}
	return l, nil
}

// FormatLockout renders a lockout in the form accepted by ParseLockout.
func FormatLockout(l Lockout) string {
	if l.Wake == nil {
		return string(l.Type)
	}
	return fmt.Sprintf("%s;%d;%d", l.Type, l.Wake.From, l.Wake.To)
}

// ParseActivities parses "mask[description];mask2" into activities.
func ParseActivities(s string) ([]Activity, error) {
	var acts []Activity
	if strings.TrimSpace(s) == "" {
		return acts, nil
	}
	for _, tok := range strings.Split(s, ";") {
		mask, desc, err := SplitValueParam(tok)
		if err != nil {
			return nil, err
		}
		acts = append(acts, Activity{Mask: mask, Description: desc})
	}
	return acts, nil
}

// FormatActivities renders activities in the form accepted by ParseActivities.
func FormatActivities(acts []Activity) string {
	parts := make([]string, len(acts))
	for i, a := range acts {
		if a.Description != "" {
			parts[i] = fmt.Sprintf("%s[%s]", a.Mask, a.Description)
		} else {
			parts[i] = a.Mask
		}
	}
	return strings.Join(parts, ";")
}
