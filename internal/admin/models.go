package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/usage"
)

// Views accepted by UserInfo.
const (
	ViewFull     = "full"
	ViewRealtime = "realtime"
)

// UserInfo is the response of the user_info command.
type UserInfo struct {
	Username string       `json:"username"`
	Policy   *PolicyInfo  `json:"policy,omitempty"`
	Runtime  *RuntimeInfo `json:"runtime,omitempty"`
}

// PolicyInfo renders a policy in the same string grammar the setters accept.
type PolicyInfo struct {
	AllowedDays   string            `json:"allowed_days"`
	AllowedHours  map[string]string `json:"allowed_hours"`
	TimeLimits    string            `json:"time_limits"`
	WeekLimit     int64             `json:"time_limit_week"`
	MonthLimit    int64             `json:"time_limit_month"`
	TrackInactive bool              `json:"track_inactive"`
	LockoutType   string            `json:"lockout_type"`
	PlayTime      PlayTimeInfo      `json:"playtime"`
}

// PlayTimeInfo is the PlayTime part of PolicyInfo.
type PlayTimeInfo struct {
	Enabled                     bool   `json:"enabled"`
	LimitOverride               bool   `json:"limit_override"`
	UnaccountedIntervalsAllowed bool   `json:"unaccounted_intervals_allowed"`
	AllowedDays                 string `json:"allowed_days"`
	Limits                      string `json:"limits"`
	Activities                  string `json:"activities"`
}

func newPolicyInfo(p *policy.UserPolicy) *PolicyInfo {
	hours := make(map[string]string, len(p.AllowedHours))
	for d, h := range p.AllowedHours {
		hours[policy.FormatDays(policy.Weekdays{d})] = policy.FormatHours(h)
	}
	return &PolicyInfo{
		AllowedDays:   policy.FormatDays(p.AllowedDays),
		AllowedHours:  hours,
		TimeLimits:    policy.FormatLimits(p.AllowedDays, p.DayLimits),
		WeekLimit:     int64(p.WeekLimit / time.Second),
		MonthLimit:    int64(p.MonthLimit / time.Second),
		TrackInactive: p.TrackInactive,
		LockoutType:   policy.FormatLockout(p.Lockout),
		PlayTime: PlayTimeInfo{
			Enabled:                     p.PlayTime.Enabled,
			LimitOverride:               p.PlayTime.LimitOverride,
			UnaccountedIntervalsAllowed: p.PlayTime.UnaccountedIntervalsAllowed,
			AllowedDays:                 policy.FormatDays(p.PlayTime.AllowedDays),
			Limits:                      policy.FormatLimits(p.PlayTime.AllowedDays, p.PlayTime.Limits),
			Activities:                  policy.FormatActivities(p.PlayTime.Activities),
		},
	}
}

// RuntimeInfo is the live accounting state of a user. Durations are in
// seconds.
type RuntimeInfo struct {
	Date          string    `json:"date"`
	TimeLeftDay   int64     `json:"time_left_day"`
	TimeLeftWeek  int64     `json:"time_left_week"`
	TimeLeftMonth int64     `json:"time_left_month"`
	PlayTimeLeft  int64     `json:"playtime_left"`
	Remaining     int64     `json:"time_left"`
	Unlimited     bool      `json:"unlimited"`
	Allowed       bool      `json:"allowed"`
	Unaccounted   bool      `json:"unaccounted"`
	Stage         string    `json:"stage"`
	ActionDone    bool      `json:"action_done"`
	Suppressed    bool      `json:"suppressed"`
	Session       string    `json:"session"`
	Activity      string    `json:"activity,omitempty"`
	LastAccounted time.Time `json:"last_accounted"`
}

func newRuntimeInfo(s usage.UserSnapshot) *RuntimeInfo {
	return &RuntimeInfo{
		Date:          s.Period.Date,
		TimeLeftDay:   seconds(s.Counters.Day),
		TimeLeftWeek:  seconds(s.Counters.Week),
		TimeLeftMonth: seconds(s.Counters.Month),
		PlayTimeLeft:  seconds(s.Counters.PlayTime),
		Remaining:     seconds(s.Remaining),
		Unlimited:     s.Unlimited,
		Allowed:       s.Allowed,
		Unaccounted:   s.Unaccounted,
		Stage:         s.Stage.String(),
		ActionDone:    s.ActionDone,
		Suppressed:    s.Suppressed,
		Session:       s.Session.String(),
		Activity:      s.Activity,
		LastAccounted: s.LastAccounted,
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// SettingRequest is the body of a policy setter. Day is only used by
// allowed_hours.
type SettingRequest struct {
	Value string `json:"value"`
	Day   string `json:"day,omitempty"`
}

// AdjustRequest is the body of a time-left adjustment.
type AdjustRequest struct {
	Op      string `json:"op"`
	Seconds string `json:"seconds"`
}

// ResultResponse reports the outcome of a command.
type ResultResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Runtime *RuntimeInfo `json:"runtime,omitempty"`
}

// UsersResponse is the response of the user_list command.
type UsersResponse struct {
	Users []string `json:"users"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// WriteResult writes the error response for a failed command.
func WriteResult(w http.ResponseWriter, r Result) {
	code := httpStatus(r)
	WriteJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Status:  r.Status.String(),
		Message: r.Message,
		Code:    code,
	})
}

// WriteError writes an error response that did not come from a command.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Status:  Invalid.String(),
		Message: message,
		Code:    statusCode,
	})
}

func httpStatus(r Result) int {
	switch {
	case r.Status == OK:
		return http.StatusOK
	case r.Status == NotReady:
		return http.StatusServiceUnavailable
	case r.UnknownUser():
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
