// Package admin implements the administrative commands of the daemon and
// their HTTP transport.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/usage"
)

// Status is the outcome class of a command.
type Status int

const (
	OK Status = iota
	Invalid
	NotReady
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Invalid:
		return "invalid"
	case NotReady:
		return "not_ready"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is returned by every command. Message explains an Invalid result.
type Result struct {
	Status  Status
	Message string
	// Err is the underlying error, if any.
	Err error
}

func ok() Result {
	return Result{Status: OK}
}

func invalid(err error) Result {
	return Result{Status: Invalid, Message: err.Error(), Err: err}
}

// UnknownUser reports whether the result failed because the user has no
// policy.
func (r Result) UnknownUser() bool {
	return errors.Is(r.Err, policy.ErrUnknownUser)
}

// Engine is the part of the accounting engine used by commands.
type Engine interface {
	Ready() bool
	User(username string) (usage.UserSnapshot, bool)
	AdjustTimeLeft(ctx context.Context, username string, op usage.Op, amount time.Duration) (usage.UserSnapshot, error)
	AdjustPlayTimeLeft(ctx context.Context, username string, op usage.Op, amount time.Duration) (usage.UserSnapshot, error)
}

// Service executes administrative commands. Policy changes are applied
// through the policy store, which validates and swaps the whole policy.
type Service struct {
	policies *policy.Store
	engine   Engine
	logger   zerolog.Logger
}

// NewService creates the command service.
func NewService(policies *policy.Store, engine Engine, logger zerolog.Logger) *Service {
	return &Service{
		policies: policies,
		engine:   engine,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

func (s *Service) ready() bool {
	return s.engine.Ready()
}

func (s *Service) record(op string, r Result) Result {
	metrics.AdminRequests.WithLabelValues(op, r.Status.String()).Inc()
	return r
}

// UserList returns every user with a policy.
func (s *Service) UserList() ([]string, Result) {
	if !s.ready() {
		return nil, s.record("user_list", Result{Status: NotReady})
	}
	return s.policies.Users(), s.record("user_list", ok())
}

// UserInfo returns a user's configuration and runtime state. The realtime
// view carries only the runtime state.
func (s *Service) UserInfo(username, view string) (*UserInfo, Result) {
	const op = "user_info"
	if !s.ready() {
		return nil, s.record(op, Result{Status: NotReady})
	}
	if view == "" {
		view = ViewFull
	}
	if view != ViewFull && view != ViewRealtime {
		return nil, s.record(op, invalid(fmt.Errorf("unknown view %q, use %s or %s", view, ViewFull, ViewRealtime)))
	}
	p, found := s.policies.Get(username)
	if !found {
		return nil, s.record(op, invalid(fmt.Errorf("%w: %s", policy.ErrUnknownUser, username)))
	}

	info := &UserInfo{Username: username}
	if view == ViewFull {
		info.Policy = newPolicyInfo(p)
	}
	if snap, tracked := s.engine.User(username); tracked {
		info.Runtime = newRuntimeInfo(snap)
	}
	return info, s.record(op, ok())
}

// update applies a change to the user's policy through the store.
func (s *Service) update(op, username string, apply func(*policy.UserPolicy) error) Result {
	if !s.ready() {
		return s.record(op, Result{Status: NotReady})
	}
	if err := s.policies.Update(username, apply); err != nil {
		if errors.Is(err, policy.ErrUnknownUser) {
			err = fmt.Errorf("%w: %s", policy.ErrUnknownUser, username)
		}
		s.logger.Debug().Err(err).Str("op", op).Str("user", username).Msg("Command rejected")
		return s.record(op, invalid(err))
	}
	s.logger.Info().Str("op", op).Str("user", username).Msg("Policy updated")
	return s.record(op, ok())
}

func (s *Service) reject(op string, err error) Result {
	if !s.ready() {
		return s.record(op, Result{Status: NotReady})
	}
	return s.record(op, invalid(err))
}

// SetAllowedDays sets the allowed weekdays from "1;2;3".
func (s *Service) SetAllowedDays(username, days string) Result {
	d, err := policy.ParseDays(days)
	if err != nil {
		return s.reject("set_allowed_days", err)
	}
	return s.update("set_allowed_days", username, func(p *policy.UserPolicy) error {
		p.AllowedDays = d
		return nil
	})
}

// SetAllowedHours replaces the allowed hours of one day from a string such
// as "7;8;9[00-30];!22[00-15]".
func (s *Service) SetAllowedHours(username, day, hours string) Result {
	const op = "set_allowed_hours"
	days, err := policy.ParseDays(day)
	if err != nil {
		return s.reject(op, err)
	}
	if len(days) != 1 {
		return s.reject(op, fmt.Errorf("exactly one day is required, got %q", day))
	}
	h, err := policy.ParseHours(hours)
	if err != nil {
		return s.reject(op, err)
	}
	return s.update(op, username, func(p *policy.UserPolicy) error {
		p.AllowedHours[days[0]] = h
		return nil
	})
}

// SetTimeLimits sets the daily limits from "3600;7200;...", assigned to the
// allowed days in ascending order.
func (s *Service) SetTimeLimits(username, limits string) Result {
	const op = "set_time_limits"
	l, err := policy.ParseLimits(limits)
	if err != nil {
		return s.reject(op, err)
	}
	return s.update(op, username, func(p *policy.UserPolicy) error {
		assigned, err := policy.AssignLimits(p.AllowedDays, l)
		if err != nil {
			return err
		}
		p.DayLimits = assigned
		return nil
	})
}

// SetTimeLimitWeek sets the weekly limit in seconds. Zero removes it.
func (s *Service) SetTimeLimitWeek(username, seconds string) Result {
	d, err := policy.ParseSeconds(seconds)
	if err != nil {
		return s.reject("set_time_limit_week", err)
	}
	return s.update("set_time_limit_week", username, func(p *policy.UserPolicy) error {
		p.WeekLimit = d
		return nil
	})
}

// SetTimeLimitMonth sets the monthly limit in seconds. Zero removes it.
func (s *Service) SetTimeLimitMonth(username, seconds string) Result {
	d, err := policy.ParseSeconds(seconds)
	if err != nil {
		return s.reject("set_time_limit_month", err)
	}
	return s.update("set_time_limit_month", username, func(p *policy.UserPolicy) error {
		p.MonthLimit = d
		return nil
	})
}

func (s *Service) setFlag(op, username, value string, set func(*policy.UserPolicy, bool)) Result {
	b, err := policy.ParseBool(value)
	if err != nil {
		return s.reject(op, err)
	}
	return s.update(op, username, func(p *policy.UserPolicy) error {
		set(p, b)
		return nil
	})
}

// SetTrackInactive sets whether idle and locked sessions are accounted.
func (s *Service) SetTrackInactive(username, value string) Result {
	return s.setFlag("set_track_inactive", username, value, func(p *policy.UserPolicy, b bool) {
		p.TrackInactive = b
	})
}

// SetLockoutType sets the lockout action from "type" or "type;from;to".
func (s *Service) SetLockoutType(username, lockout string) Result {
	l, err := policy.ParseLockout(lockout)
	if err != nil {
		return s.reject("set_lockout_type", err)
	}
	return s.update("set_lockout_type", username, func(p *policy.UserPolicy) error {
		p.Lockout = l
		return nil
	})
}

// SetPlayTimeEnabled turns the PlayTime budget on or off.
func (s *Service) SetPlayTimeEnabled(username, value string) Result {
	return s.setFlag("set_playtime_enabled", username, value, func(p *policy.UserPolicy, b bool) {
		p.PlayTime.Enabled = b
	})
}

// SetPlayTimeLimitOverride sets whether PlayTime replaces the main budget
// while an activity runs.
func (s *Service) SetPlayTimeLimitOverride(username, value string) Result {
	return s.setFlag("set_playtime_limit_override", username, value, func(p *policy.UserPolicy, b bool) {
		p.PlayTime.LimitOverride = b
	})
}

// SetPlayTimeUnaccountedIntervals sets whether activities are charged to
// PlayTime during unaccounted hours.
func (s *Service) SetPlayTimeUnaccountedIntervals(username, value string) Result {
	return s.setFlag("set_playtime_unaccounted_intervals", username, value, func(p *policy.UserPolicy, b bool) {
		p.PlayTime.UnaccountedIntervalsAllowed = b
	})
}

// SetPlayTimeAllowedDays sets the days on which PlayTime applies.
func (s *Service) SetPlayTimeAllowedDays(username, days string) Result {
	d, err := policy.ParseDays(days)
	if err != nil {
		return s.reject("set_playtime_allowed_days", err)
	}
	return s.update("set_playtime_allowed_days", username, func(p *policy.UserPolicy) error {
		p.PlayTime.AllowedDays = d
		return nil
	})
}

// SetPlayTimeLimits sets the PlayTime limits, assigned to the PlayTime
// days in ascending order.
func (s *Service) SetPlayTimeLimits(username, limits string) Result {
	const op = "set_playtime_limits"
	l, err := policy.ParseLimits(limits)
	if err != nil {
		return s.reject(op, err)
	}
	return s.update(op, username, func(p *policy.UserPolicy) error {
		assigned, err := policy.AssignLimits(p.PlayTime.AllowedDays, l)
		if err != nil {
			return err
		}
		p.PlayTime.Limits = assigned
		return nil
	})
}

// SetPlayTimeActivities replaces the activity list from
// "mask[description];mask".
func (s *Service) SetPlayTimeActivities(username, activities string) Result {
	a, err := policy.ParseActivities(activities)
	if err != nil {
		return s.reject("set_playtime_activities", err)
	}
	return s.update("set_playtime_activities", username, func(p *policy.UserPolicy) error {
		p.PlayTime.Activities = a
		return nil
	})
}

// SetTimeLeft adjusts the remaining main time. op is "+", "-" or "=".
func (s *Service) SetTimeLeft(ctx context.Context, username, op, seconds string) (*RuntimeInfo, Result) {
	return s.adjust(ctx, "set_time_left", username, op, seconds, s.engine.AdjustTimeLeft)
}

// SetPlayTimeLeft adjusts the remaining PlayTime. op is "+", "-" or "=".
func (s *Service) SetPlayTimeLeft(ctx context.Context, username, op, seconds string) (*RuntimeInfo, Result) {
	return s.adjust(ctx, "set_playtime_left", username, op, seconds, s.engine.AdjustPlayTimeLeft)
}

type adjustFunc func(context.Context, string, usage.Op, time.Duration) (usage.UserSnapshot, error)

func (s *Service) adjust(ctx context.Context, name, username, op, seconds string, fn adjustFunc) (*RuntimeInfo, Result) {
	if !s.ready() {
		return nil, s.record(name, Result{Status: NotReady})
	}
	o, err := usage.ParseOp(op)
	if err != nil {
		return nil, s.record(name, invalid(err))
	}
	amount, err := policy.ParseSeconds(seconds)
	if err != nil {
		return nil, s.record(name, invalid(err))
	}
	snap, err := fn(ctx, username, o, amount)
	if err != nil {
		return nil, s.record(name, invalid(err))
	}
	s.logger.Info().
		Str("op", name).
		Str("user", username).
		Str("operator", op).
		Dur("amount", amount).
		Msg("Remaining time adjusted")
	return newRuntimeInfo(snap), s.record(name, ok())
}
