package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/notify"
	"github.com/goodtune/ktime/internal/policy"
)

// AdjustTimeLeft changes a user's remaining main time. The day budget is
// adjusted and the week and month budgets move by the same amount. When no
// day limit applies, the week and month budgets are adjusted directly.
func (e *Engine) AdjustTimeLeft(ctx context.Context, username string, op Op, amount time.Duration) (UserSnapshot, error) {
	return e.adjust(ctx, username, amount, func(st *userState, p *policy.UserPolicy, day time.Weekday) error {
		c := &st.counters
		if limit := p.DayLimit(day); limit > 0 {
			next := op.apply(c.Day, amount, limit)
			delta := next - c.Day
			c.Day = next
			if p.WeekLimit > 0 {
				c.Week = clamp(c.Week+delta, 0, -1)
			}
			if p.MonthLimit > 0 {
				c.Month = clamp(c.Month+delta, 0, -1)
			}
			return nil
		}
		if p.WeekLimit <= 0 && p.MonthLimit <= 0 {
			return fmt.Errorf("%w for %s", ErrUnlimited, username)
		}
		if p.WeekLimit > 0 {
			c.Week = op.apply(c.Week, amount, p.WeekLimit)
		}
		if p.MonthLimit > 0 {
			c.Month = op.apply(c.Month, amount, p.MonthLimit)
		}
		return nil
	})
}

// AdjustPlayTimeLeft changes a user's remaining PlayTime.
func (e *Engine) AdjustPlayTimeLeft(ctx context.Context, username string, op Op, amount time.Duration) (UserSnapshot, error) {
	return e.adjust(ctx, username, amount, func(st *userState, p *policy.UserPolicy, day time.Weekday) error {
		st.counters.PlayTime = op.apply(st.counters.PlayTime, amount, p.PlayTimeLimit(day))
		return nil
	})
}

func (e *Engine) adjust(ctx context.Context, username string, amount time.Duration, fn func(*userState, *policy.UserPolicy, time.Weekday) error) (UserSnapshot, error) {
	if amount < 0 {
		return UserSnapshot{}, ErrInvalidAmount
	}
	p, ok := e.policies.Get(username)
	if !ok {
		return UserSnapshot{}, fmt.Errorf("%w: %s", policy.ErrUnknownUser, username)
	}
	now := e.clock.Now()
	st := e.state(ctx, username, p, now, true)

	st.mu.Lock()
	st.rollover(p, now)
	if err := fn(st, p, now.Weekday()); err != nil {
		st.mu.Unlock()
		return UserSnapshot{}, err
	}
	st.touch()
	st.notifiedValid = false
	ev := e.currentEvent(st, p, now, notify.TimeLeftChanged)
	snap := st.snapshot()
	st.mu.Unlock()

	e.logger.Info().
		Str("user", username).
		Dur("day", snap.Counters.Day).
		Dur("week", snap.Counters.Week).
		Dur("month", snap.Counters.Month).
		Dur("playtime", snap.Counters.PlayTime).
		Msg("Remaining time adjusted")
	e.publish(ctx, username, ev)
	e.changed(username)
	return snap, nil
}

// PolicyChanged applies a policy replacement to the runtime state of the
// user. It is registered with the policy store.
func (e *Engine) PolicyChanged(c policy.Change) {
	if c.New == nil {
		e.drop(c.Username)
		return
	}
	e.mu.RLock()
	st, ok := e.users[c.Username]
	e.mu.RUnlock()
	if !ok {
		return
	}

	now := e.clock.Now()
	st.mu.Lock()
	st.rollover(c.New, now)
	st.applyPolicy(c.Old, c.New, now)
	limits := e.currentEvent(st, c.New, now, notify.TimeLimitsChanged)
	st.mu.Unlock()

	e.logger.Info().Str("user", c.Username).Msg("Policy change applied to runtime state")
	ctx := context.Background()
	e.publish(ctx, c.Username, limits)
	e.publish(ctx, c.Username, notify.Event{Kind: notify.ConfigurationChanged})
	e.changed(c.Username)
}

// currentEvent builds an event of kind from the user's budgets as they
// stand. The caller holds st.mu.
func (e *Engine) currentEvent(st *userState, p *policy.UserPolicy, now time.Time, kind notify.Kind) notify.Event {
	if st.lastAccounted.IsZero() {
		st.window = p.Evaluate(now)
	}
	remaining, unlimited := st.budget(p, now.Weekday())
	st.remaining = remaining
	st.unlimited = unlimited
	ev := notify.Event{Kind: kind, Remaining: remaining, PlayTimeRemaining: st.counters.PlayTime}
	if unlimited {
		ev.Message = "unlimited"
	}
	return ev
}

func (e *Engine) changed(username string) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(username)
	}
}
