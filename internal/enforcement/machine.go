// Package enforcement turns exhausted budgets and disallowed windows into
// staged lockout actions.
package enforcement

import (
	"fmt"
	"strings"
	"time"
)

// Stage is a step on the way from normal use to lockout.
type Stage int

const (
	Allowed Stage = iota
	Warned
	FinalWarning
	LockedOut
)

func (s Stage) String() string {
	switch s {
	case Allowed:
		return "allowed"
	case Warned:
		return "warned"
	case FinalWarning:
		return "final_warning"
	case LockedOut:
		return "locked_out"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ParseStage is the inverse of Stage.String.
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(s) {
	case "allowed", "":
		return Allowed, nil
	case "warned":
		return Warned, nil
	case "final_warning":
		return FinalWarning, nil
	case "locked_out":
		return LockedOut, nil
	}
	return Allowed, fmt.Errorf("unknown enforcement stage %q", s)
}

// Level identifies a critical notification.
type Level int

const (
	// LevelWarning is sent when remaining time falls to the warning threshold.
	LevelWarning Level = iota + 1
	// LevelFinal is sent when remaining time falls to the final notification
	// threshold or the final countdown starts.
	LevelFinal
	// LevelLockout is sent when the lockout action becomes due.
	LevelLockout
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelFinal:
		return "final"
	case LevelLockout:
		return "lockout"
	default:
		return "none"
	}
}

// State is the per-user enforcement state. The zero value is Allowed.
type State struct {
	Stage Stage
	// Since is when Stage was entered.
	Since time.Time
	// DisallowedSince is when the user entered the current disallowed
	// window, zero while allowed.
	DisallowedSince time.Time
	// ActionDone is set once the lockout action for this episode succeeded.
	ActionDone bool
	// Suppressed reports whether the last evaluation fell in the wake window.
	Suppressed bool

	notified uint8
}

// MarkDone records that the lockout action was carried out.
func (s *State) MarkDone() {
	s.ActionDone = true
}

// Rearm makes the lockout action due again, for a user who came back to
// the machine after it was carried out.
func (s *State) Rearm() {
	if s.Stage == LockedOut {
		s.ActionDone = false
	}
}

// Reset returns the state for a fresh accounting period.
func Reset(now time.Time) State {
	return State{Stage: Allowed, Since: now}
}

// Restore rebuilds a state from a persisted stage.
func Restore(stage Stage, actionDone bool, now time.Time) State {
	s := State{Stage: stage, Since: now, ActionDone: actionDone && stage == LockedOut}
	for l := LevelWarning; l <= LevelLockout; l++ {
		if Stage(l) <= stage {
			s.notified |= 1 << l
		}
	}
	return s
}

func (s *State) once(l Level) bool {
	if s.notified&(1<<l) != 0 {
		return false
	}
	s.notified |= 1 << l
	return true
}

// Input is what the accounting engine knows about a user on one tick.
type Input struct {
	Now       time.Time
	Remaining time.Duration
	Unlimited bool
	// Allowed is false when the current day or hour is disallowed.
	Allowed bool
	// Suppressed is true while the current hour is in the lockout wake window.
	Suppressed bool
}

// Effects are the side effects the caller must carry out after a transition.
type Effects struct {
	From     Stage
	Changed  bool
	Critical []Level
	// Invoke asks the caller to run the lockout action.
	Invoke bool
}

// Config holds the thresholds of the state machine.
type Config struct {
	// WarningThreshold is the remaining time at or below which the user is warned.
	WarningThreshold time.Duration
	// FinalNotificationThreshold is the remaining time at or below which the
	// final critical notification is sent.
	FinalNotificationThreshold time.Duration
	// FinalCountdown is how long FinalWarning lasts before LockedOut.
	FinalCountdown time.Duration
	// DisallowedGrace is how long a user may stay in a disallowed window
	// before the final countdown starts.
	DisallowedGrace time.Duration
}

// Defaults for Config.
const (
	DefaultWarningThreshold           = 5 * time.Minute
	DefaultFinalNotificationThreshold = time.Minute
	DefaultFinalCountdown             = 15 * time.Second
	DefaultDisallowedGrace            = time.Minute
)

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		WarningThreshold:           DefaultWarningThreshold,
		FinalNotificationThreshold: DefaultFinalNotificationThreshold,
		FinalCountdown:             DefaultFinalCountdown,
		DisallowedGrace:            DefaultDisallowedGrace,
	}
}

// Machine evaluates enforcement transitions. It holds no per-user state.
type Machine struct {
	cfg Config
}

// NewMachine creates a state machine with cfg.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// Config returns the thresholds in use.
func (m *Machine) Config() Config {
	return m.cfg
}

func (m *Machine) target(s *State, in Input) Stage {
	if !in.Allowed {
		if s.DisallowedSince.IsZero() {
			s.DisallowedSince = in.Now
		}
		if in.Now.Sub(s.DisallowedSince) < m.cfg.DisallowedGrace {
			return Warned
		}
		return FinalWarning
	}
	s.DisallowedSince = time.Time{}

	switch {
	case in.Unlimited || in.Remaining > m.cfg.WarningThreshold:
		return Allowed
	case in.Remaining > 0:
		return Warned
	default:
		return FinalWarning
	}
}

// Next computes the state after one tick. LockedOut is entered only on a
// tick after FinalWarning has lasted FinalCountdown. Lower stages are
// skipped when the remaining time drops straight to zero. Granting time
// moves the state back down.
func (m *Machine) Next(s State, in Input) (State, Effects) {
	eff := Effects{From: s.Stage}
	s.Suppressed = in.Suppressed
	target := m.target(&s, in)

	switch {
	case target == Allowed:
		if s.Stage != Allowed {
			s = State{Stage: Allowed, Since: in.Now, Suppressed: in.Suppressed}
		}
	case target == FinalWarning && s.Stage == LockedOut:
	case target < s.Stage:
		s.Stage = target
		s.Since = in.Now
		s.ActionDone = false
	case s.Stage == FinalWarning && target == FinalWarning:
		if in.Now.Sub(s.Since) >= m.cfg.FinalCountdown && in.Now.After(s.Since) {
			s.Stage = LockedOut
			s.Since = in.Now
		}
	case target > s.Stage:
		s.Stage = target
		s.Since = in.Now
	}
	eff.Changed = s.Stage != eff.From

	if s.Stage >= Warned && s.once(LevelWarning) {
		eff.Critical = append(eff.Critical, LevelWarning)
	}
	finalDue := s.Stage >= FinalWarning ||
		(in.Allowed && !in.Unlimited && in.Remaining <= m.cfg.FinalNotificationThreshold)
	if s.Stage >= Warned && finalDue && s.once(LevelFinal) {
		eff.Critical = append(eff.Critical, LevelFinal)
	}
	if s.Stage == LockedOut && s.once(LevelLockout) {
		eff.Critical = append(eff.Critical, LevelLockout)
	}

	eff.Invoke = s.Stage == LockedOut && !s.ActionDone && !in.Suppressed
	return s, eff
}
