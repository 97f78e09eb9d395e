package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/ktime/internal/enforcement"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/session"
)

// userState is the in-memory runtime state of one user. All fields are
// guarded by mu.
type userState struct {
	mu sync.Mutex

	username      string
	counters      Counters
	period        Period
	lastAccounted time.Time
	lastSeen      time.Time
	enforcement   enforcement.State

	session    session.State
	qualifying bool
	window     policy.Window
	activity   string
	matched    bool
	sessionIDs []string
	// acting is set while a lockout action is in flight.
	acting bool

	remaining     time.Duration
	unlimited     bool
	notified      time.Duration
	notifiedValid bool

	// version is bumped on every change; saved is the version last
	// written to storage.
	version uint64
	saved   uint64
}

func newUserState(username string, p *policy.UserPolicy, now time.Time) *userState {
	return &userState{
		username:    username,
		counters:    FreshCounters(p, now),
		period:      PeriodOf(now),
		lastSeen:    now,
		enforcement: enforcement.Reset(now),
		version:     1,
	}
}

func (st *userState) touch() {
	st.version++
}

func (st *userState) dirty() bool {
	return st.version != st.saved
}

// rollover resets counters whose period has ended. A new day always starts
// a new enforcement episode.
func (st *userState) rollover(p *policy.UserPolicy, now time.Time) bool {
	c, changed := RolloverCounters(st.counters, st.period, p, now)
	if !changed {
		return false
	}
	st.counters = c
	st.period = PeriodOf(now)
	st.enforcement = enforcement.Reset(now)
	st.notifiedValid = false
	st.touch()
	return true
}

// deduct charges elapsed to the budgets that apply in the current window.
// It returns the amount charged per budget name.
func (st *userState) deduct(p *policy.UserPolicy, day time.Weekday, elapsed time.Duration) map[string]time.Duration {
	charged := make(map[string]time.Duration, 4)
	if elapsed <= 0 || !st.window.Allowed {
		return charged
	}
	charge := func(name string, c *time.Duration) {
		before := *c
		*c = clamp(*c-elapsed, 0, -1)
		charged[name] = before - *c
	}

	override := st.matched && p.PlayTime.LimitOverride
	switch {
	case !st.window.Unaccounted:
		if !override {
			if p.DayLimit(day) > 0 {
				charge("day", &st.counters.Day)
			}
			if p.WeekLimit > 0 {
				charge("week", &st.counters.Week)
			}
			if p.MonthLimit > 0 {
				charge("month", &st.counters.Month)
			}
		}
		if st.matched {
			charge("playtime", &st.counters.PlayTime)
		}
	case st.matched && p.PlayTime.UnaccountedIntervalsAllowed:
		charge("playtime", &st.counters.PlayTime)
	}
	return charged
}

// mainRemaining is the smallest of the active day, week and month budgets.
func (st *userState) mainRemaining(p *policy.UserPolicy, day time.Weekday) (time.Duration, bool) {
	var (
		least  time.Duration
		active bool
	)
	consider := func(limit, left time.Duration) {
		if limit <= 0 {
			return
		}
		if !active || left < least {
			least = left
		}
		active = true
	}
	consider(p.DayLimit(day), st.counters.Day)
	consider(p.WeekLimit, st.counters.Week)
	consider(p.MonthLimit, st.counters.Month)
	return least, !active
}

// budget returns the remaining time that governs enforcement in the
// current window.
func (st *userState) budget(p *policy.UserPolicy, day time.Weekday) (time.Duration, bool) {
	main, mainUnlimited := st.mainRemaining(p, day)
	// Without limit override, used up PlayTime hands control back to the
	// main budgets.
	playing := st.matched && (p.PlayTime.LimitOverride || st.counters.PlayTime > 0)
	switch {
	case !st.window.Allowed:
		return 0, false
	case st.window.Unaccounted:
		if playing && p.PlayTime.UnaccountedIntervalsAllowed {
			return st.counters.PlayTime, false
		}
		return 0, true
	case playing && p.PlayTime.LimitOverride:
		return st.counters.PlayTime, false
	case playing:
		if mainUnlimited || st.counters.PlayTime < main {
			return st.counters.PlayTime, false
		}
		return main, false
	}
	return main, mainUnlimited
}

// applyPolicy moves each counter by the change of its limit so time
// already used stays used.
func (st *userState) applyPolicy(old, cur *policy.UserPolicy, now time.Time) {
	day := now.Weekday()
	if old == nil {
		st.counters = FreshCounters(cur, now)
		st.touch()
		return
	}
	st.counters.Day = shift(st.counters.Day, old.DayLimit(day), cur.DayLimit(day))
	st.counters.Week = shift(st.counters.Week, old.WeekLimit, cur.WeekLimit)
	st.counters.Month = shift(st.counters.Month, old.MonthLimit, cur.MonthLimit)
	st.counters.PlayTime = shift(st.counters.PlayTime, old.PlayTimeLimit(day), cur.PlayTimeLimit(day))
	st.notifiedValid = false
	st.touch()
}

func (st *userState) snapshot() UserSnapshot {
	return UserSnapshot{
		Username:      st.username,
		Period:        st.period,
		Counters:      st.counters,
		Stage:         st.enforcement.Stage,
		ActionDone:    st.enforcement.ActionDone,
		Suppressed:    st.enforcement.Suppressed,
		Remaining:     st.remaining,
		Unlimited:     st.unlimited,
		Allowed:       st.window.Allowed,
		Unaccounted:   st.window.Unaccounted,
		Session:       st.session,
		Activity:      st.activity,
		LastAccounted: st.lastAccounted,
		Version:       st.version,
		Dirty:         st.dirty(),
	}
}

func shift(cur, oldLimit, newLimit time.Duration) time.Duration {
	switch {
	case newLimit <= 0:
		return 0
	case oldLimit <= 0:
		return newLimit
	}
	return clamp(cur+newLimit-oldLimit, 0, newLimit)
}

// clamp bounds d to [lo, hi]. A negative hi means no upper bound.
func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi >= 0 && d > hi {
		return hi
	}
	return d
}

// Op is an adjustment operator for remaining time.
type Op byte

const (
	OpAdd Op = '+'
	OpSub Op = '-'
	OpSet Op = '='
)

// ParseOp parses "+", "-" or "=".
func ParseOp(s string) (Op, error) {
	if len(s) == 1 {
		switch op := Op(s[0]); op {
		case OpAdd, OpSub, OpSet:
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOp, s)
}

// apply adjusts cur by op. Results of "-" and "=" stay within [0, limit];
// "+" may exceed the limit. A limit of zero leaves the result unbounded.
func (op Op) apply(cur, amount, limit time.Duration) time.Duration {
	hi := limit
	if hi <= 0 {
		hi = -1
	}
	switch op {
	case OpAdd:
		return clamp(cur+amount, 0, -1)
	case OpSub:
		return clamp(cur-amount, 0, hi)
	default:
		return clamp(amount, 0, hi)
	}
}
