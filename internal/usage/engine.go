// Package usage accounts screen time against user policies and drives
// enforcement.
package usage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/ktime/internal/activity"
	"github.com/goodtune/ktime/internal/enforcement"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/notify"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidOp is returned for an unknown adjustment operator.
	ErrInvalidOp = errors.New("invalid operator")
	// ErrInvalidAmount is returned for a negative adjustment.
	ErrInvalidAmount = errors.New("amount must not be negative")
	// ErrUnlimited is returned when adjusting a budget that has no limit.
	ErrUnlimited = errors.New("no limit is set")
)

// PolicySource provides the current policy of each user.
type PolicySource interface {
	Get(username string) (*policy.UserPolicy, bool)
	Users() []string
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Policies  PolicySource
	Observer  session.Observer
	Publisher notify.Publisher
	Actuator  enforcement.Actuator
	Matcher   *activity.Set
	Clock     clockwork.Clock
	// Records, when set, supplies the persisted state of users seen for
	// the first time since start or eviction.
	Records   storage.RuntimeStore
}

// Engine runs the accounting loop. Each user's state is guarded by its own
// mutex so ticks, admin commands and persistence never see a half-applied
// update.
type Engine struct {
	cfg       Config
	policies  PolicySource
	observer  session.Observer
	publisher notify.Publisher
	actuator  enforcement.Actuator
	matcher   *activity.Set
	clock     clockwork.Clock
	records   storage.RuntimeStore
	machine   *enforcement.Machine
	logger    zerolog.Logger

	users     map[string]*userState
	listeners []func(username string)
	ready     atomic.Bool
	actions   sync.WaitGroup
	mu        sync.RWMutex
}

// New creates an accounting engine.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Policies == nil || deps.Observer == nil || deps.Actuator == nil {
		return nil, errors.New("policies, observer and actuator are required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.Slack < 1 {
		cfg.Slack = 1
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Multi{}
	}
	if deps.Matcher == nil {
		set, err := activity.NewSet(activity.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		deps.Matcher = set
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	return &Engine{
		cfg:       cfg,
		policies:  deps.Policies,
		observer:  deps.Observer,
		publisher: deps.Publisher,
		actuator:  deps.Actuator,
		matcher:   deps.Matcher,
		clock:     deps.Clock,
		records:   deps.Records,
		machine:   enforcement.NewMachine(cfg.Enforcement),
		logger:    logger.With().Str("component", "usage-engine").Logger(),
		users:     make(map[string]*userState),
	}, nil
}

// OnChange registers fn to be called after an administrative change to a
// user's runtime state.
func (e *Engine) OnChange(fn func(username string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// MarkReady records that persisted state has been restored.
func (e *Engine) MarkReady() {
	e.ready.Store(true)
}

// Ready reports whether the engine accepts administrative commands.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Clock returns the engine clock.
func (e *Engine) Clock() clockwork.Clock {
	return e.clock
}

// Run ticks every poll interval until ctx is done. It returns once
// in-flight lockout actions have finished.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	defer e.actions.Wait()

	e.logger.Info().Dur("interval", e.cfg.PollInterval).Msg("Accounting engine started")
	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Accounting engine stopped")
			return nil
		case <-ticker.Chan():
			e.Tick(ctx)
		}
	}
}

// Tick runs one accounting pass over every tracked user. Lockout actions
// are started in the background and never delay the pass.
func (e *Engine) Tick(ctx context.Context) {
	start := e.clock.Now()
	now := start

	snapCtx, cancel := context.WithTimeout(ctx, e.cfg.ObserverTimeout)
	snap, err := e.observer.Snapshot(snapCtx)
	cancel()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to observe sessions")
		metrics.ObserverErrors.Inc()
		snap = session.NewSnapshot()
	}
	for user, err := range snap.Errors {
		e.logger.Debug().Err(err).Str("user", user).Msg("Session state unreadable")
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, username := range e.candidates(snap) {
		username := username
		g.Go(func() error {
			e.tickUser(ctx, username, now, snap)
			return nil
		})
	}
	_ = g.Wait()

	e.evict(now)
	metrics.TickDuration.Observe(e.clock.Since(start).Seconds())
}

// candidates returns users with runtime state plus users with a policy
// who appear in snap.
func (e *Engine) candidates(snap session.Snapshot) []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.users))
	for name := range e.users {
		names = append(names, name)
	}
	e.mu.RUnlock()

	for _, name := range e.policies.Users() {
		if _, ok := snap.Sessions[name]; ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

type tickResult struct {
	events     []notify.Event
	invoke     bool
	action     policy.LockoutType
	sessionIDs []string
}

func (e *Engine) tickUser(ctx context.Context, username string, now time.Time, snap session.Snapshot) {
	p, ok := e.policies.Get(username)
	if !ok {
		e.drop(username)
		return
	}
	state, readable := snap.State(username)
	qualifying := readable && session.Qualifies(state, p.TrackInactive)

	st := e.state(ctx, username, p, now, qualifying)
	if st == nil {
		return
	}

	var match *policy.Activity
	if qualifying && e.cfg.PlayTimeEnabled && p.PlayTimeActive(now.Weekday()) {
		if a, ok := e.matcher.FirstMatch(p.PlayTime.Activities, snap.Processes[username]); ok {
			match = &a
		}
	}

	ids := slices.Clone(snap.SessionIDs[username])
	slices.Sort(ids)

	st.mu.Lock()
	res := e.account(st, p, now, state, qualifying, match, ids)
	st.mu.Unlock()

	for _, ev := range res.events {
		e.publish(ctx, username, ev)
	}
	if res.invoke {
		e.actions.Add(1)
		go func() {
			defer e.actions.Done()
			e.invoke(ctx, st, res)
		}()
	}
}

// account runs one tick for a user. The caller holds st.mu.
func (e *Engine) account(st *userState, p *policy.UserPolicy, now time.Time, state session.State, qualifying bool, match *policy.Activity, ids []string) tickResult {
	var res tickResult
	day := now.Weekday()

	if st.rollover(p, now) {
		e.logger.Info().Str("user", st.username).Str("date", st.period.Date).Msg("Counters rolled over")
	}

	prevState, prevQualifying := st.session, st.qualifying
	st.session = state
	st.qualifying = qualifying
	if !qualifying {
		st.lastAccounted = time.Time{}
		st.matched = false
		st.activity = ""
		return res
	}
	st.lastSeen = now

	elapsed, gap := e.elapsed(st, now)
	st.lastAccounted = now

	// A user back at the machine after the lockout action gets it again.
	returned := !prevQualifying || gap ||
		(state == session.Active && prevState != session.Active) ||
		!slices.Equal(st.sessionIDs, ids)
	st.sessionIDs = ids
	if returned && st.enforcement.ActionDone {
		st.enforcement.Rearm()
		st.touch()
		e.logger.Info().Str("user", st.username).Strs("sessions", ids).Msg("User returned while locked out")
	}

	// Without limit override, exhausted PlayTime falls back to main time.
	if match != nil && !p.PlayTime.LimitOverride && st.counters.PlayTime <= 0 {
		match = nil
	}
	st.window = p.Evaluate(now)
	st.matched = match != nil
	st.activity = ""
	if match != nil {
		st.activity = match.Description
		if st.activity == "" {
			st.activity = match.Mask
		}
	}

	for name, d := range st.deduct(p, day, elapsed) {
		if d > 0 {
			metrics.SecondsConsumed.WithLabelValues(st.username, name).Add(d.Seconds())
			st.touch()
		}
	}

	remaining, unlimited := st.budget(p, day)
	next, fx := e.machine.Next(st.enforcement, enforcement.Input{
		Now:        now,
		Remaining:  remaining,
		Unlimited:  unlimited,
		Allowed:    st.window.Allowed,
		Suppressed: p.Lockout.Suppressed(now.Hour()),
	})
	st.enforcement = next
	if fx.Changed {
		st.touch()
		metrics.StageTransitions.WithLabelValues(st.username, next.Stage.String()).Inc()
		e.logger.Info().
			Str("user", st.username).
			Str("from", fx.From.String()).
			Str("to", next.Stage.String()).
			Dur("remaining", remaining).
			Bool("allowed", st.window.Allowed).
			Msg("Enforcement stage changed")
	}
	for _, level := range fx.Critical {
		res.events = append(res.events, notify.Event{
			Kind:              notify.TimeLeftCritical,
			Remaining:         remaining,
			PlayTimeRemaining: st.counters.PlayTime,
			Level:             level.String(),
			Message:           criticalMessage(level, remaining),
		})
	}
	if fx.Invoke && st.acting {
		e.logger.Debug().Str("user", st.username).Msg("Lockout action still in flight")
	} else if fx.Invoke {
		st.acting = true
		res.invoke = true
		res.action = p.Lockout.Type
		res.sessionIDs = ids
	} else if next.Stage == enforcement.LockedOut && next.Suppressed && !next.ActionDone {
		e.logger.Debug().Str("user", st.username).Msg("Lockout held back by wake window")
	}

	if unlimited {
		if !st.unlimited {
			res.events = append(res.events, notify.Event{Kind: notify.TimeUnlimited, PlayTimeRemaining: st.counters.PlayTime})
		}
		st.notifiedValid = false
	} else if !st.notifiedValid || absDuration(remaining-st.notified) > e.cfg.NotifyHysteresis {
		res.events = append(res.events, notify.Event{
			Kind:              notify.TimeLeft,
			Remaining:         remaining,
			PlayTimeRemaining: st.counters.PlayTime,
		})
		st.notified = remaining
		st.notifiedValid = true
	}
	st.remaining = remaining
	st.unlimited = unlimited

	e.observeRemaining(st, p, day)
	return res
}

// elapsed returns the time to charge since the last qualifying tick. Gaps
// longer than the slack allows, such as a suspend, are discarded and
// reported.
func (e *Engine) elapsed(st *userState, now time.Time) (time.Duration, bool) {
	if st.lastAccounted.IsZero() {
		return 0, false
	}
	d := now.Sub(st.lastAccounted)
	if d <= 0 {
		return 0, false
	}
	if limit := time.Duration(float64(e.cfg.PollInterval) * e.cfg.Slack); d > limit {
		metrics.TicksSkipped.WithLabelValues("gap").Inc()
		e.logger.Debug().Str("user", st.username).Dur("gap", d).Msg("Discarding long gap between ticks")
		return 0, true
	}
	return d, false
}

func (e *Engine) observeRemaining(st *userState, p *policy.UserPolicy, day time.Weekday) {
	if p.DayLimit(day) > 0 {
		metrics.RemainingSeconds.WithLabelValues(st.username, "day").Set(st.counters.Day.Seconds())
	}
	if p.WeekLimit > 0 {
		metrics.RemainingSeconds.WithLabelValues(st.username, "week").Set(st.counters.Week.Seconds())
	}
	if p.MonthLimit > 0 {
		metrics.RemainingSeconds.WithLabelValues(st.username, "month").Set(st.counters.Month.Seconds())
	}
	if p.PlayTimeActive(day) {
		metrics.RemainingSeconds.WithLabelValues(st.username, "playtime").Set(st.counters.PlayTime.Seconds())
	}
}

func (e *Engine) invoke(ctx context.Context, st *userState, res tickResult) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.ActuatorTimeout)
	defer cancel()

	err := e.actuator.Invoke(actx, st.username, res.sessionIDs, res.action)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.acting = false
	if err != nil {
		metrics.LockoutsInvoked.WithLabelValues(st.username, string(res.action), "error").Inc()
		e.logger.Error().Err(err).
			Str("user", st.username).
			Str("action", string(res.action)).
			Msg("Lockout action failed, retrying next tick")
		return
	}
	metrics.LockoutsInvoked.WithLabelValues(st.username, string(res.action), "ok").Inc()
	e.logger.Warn().
		Str("user", st.username).
		Str("action", string(res.action)).
		Strs("sessions", res.sessionIDs).
		Msg("Lockout action carried out")

	if st.enforcement.Stage == enforcement.LockedOut {
		st.enforcement.MarkDone()
		st.touch()
	}
}

func (e *Engine) publish(ctx context.Context, username string, ev notify.Event) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PublisherTimeout)
	defer cancel()
	if err := e.publisher.Publish(pctx, username, ev); err != nil {
		metrics.NotificationErrors.WithLabelValues(ev.Kind.String()).Inc()
		e.logger.Warn().Err(err).Str("user", username).Str("kind", ev.Kind.String()).Msg("Failed to publish notification")
	}
}

// state returns the runtime state of username, creating it when create is
// set. New state starts from the user's latest persisted record when one
// exists. It returns nil for an unknown user that is not to be created.
func (e *Engine) state(ctx context.Context, username string, p *policy.UserPolicy, now time.Time, create bool) *userState {
	e.mu.RLock()
	st, ok := e.users[username]
	e.mu.RUnlock()
	if ok || !create {
		return st
	}

	st = newUserState(username, p, now)
	if e.records != nil {
		rec, err := e.records.Latest(ctx, username)
		switch {
		case err == nil:
			st = e.restoreState(*rec, p, now)
		case !errors.Is(err, storage.ErrNotFound):
			e.logger.Error().Err(err).Str("user", username).Msg("Failed to load runtime state, starting fresh")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.users[username]; ok {
		return cur
	}
	e.users[username] = st
	metrics.TrackedUsers.Set(float64(len(e.users)))
	e.logger.Info().Str("user", username).Str("stage", st.enforcement.Stage.String()).Msg("Tracking user")
	return st
}

func (e *Engine) drop(username string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.users[username]; ok {
		delete(e.users, username)
		metrics.TrackedUsers.Set(float64(len(e.users)))
		e.logger.Info().Str("user", username).Msg("Stopped tracking user without policy")
	}
}

// evict drops users that have had no qualifying session for longer than the
// eviction grace and whose state has been saved.
func (e *Engine) evict(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, st := range e.users {
		st.mu.Lock()
		idle := !st.qualifying && now.Sub(st.lastSeen) > e.cfg.EvictionGrace && !st.dirty()
		st.mu.Unlock()
		if idle {
			delete(e.users, name)
			e.logger.Debug().Str("user", name).Msg("Evicted idle user")
		}
	}
	metrics.TrackedUsers.Set(float64(len(e.users)))
}

// Restore loads a persisted record, replacing any state held for the user.
func (e *Engine) Restore(rec storage.RuntimeRecord) error {
	p, ok := e.policies.Get(rec.Username)
	if !ok {
		return fmt.Errorf("%w: %s", policy.ErrUnknownUser, rec.Username)
	}
	st := e.restoreState(rec, p, e.clock.Now())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[rec.Username] = st
	metrics.TrackedUsers.Set(float64(len(e.users)))
	return nil
}

// restoreState rebuilds runtime state from a record. Counters of periods
// that ended since the record was written are reset, and the rest are
// bounded by the current limits.
func (e *Engine) restoreState(rec storage.RuntimeRecord, p *policy.UserPolicy, now time.Time) *userState {
	day := now.Weekday()
	stage, err := enforcement.ParseStage(rec.Stage)
	if err != nil {
		e.logger.Warn().Err(err).Str("user", rec.Username).Msg("Ignoring persisted stage")
	}
	from := Period{Date: rec.Date, ISOYear: rec.ISOYear, ISOWeek: rec.ISOWeek, Month: rec.Month}
	c := Counters{
		Day:      time.Duration(rec.RemainingDay) * time.Second,
		Week:     time.Duration(rec.RemainingWeek) * time.Second,
		Month:    time.Duration(rec.RemainingMonth) * time.Second,
		PlayTime: time.Duration(rec.RemainingPlayTime) * time.Second,
	}
	c, rolled := RolloverCounters(c, from, p, now)
	c.Day = clamp(c.Day, 0, limitBound(p.DayLimit(day)))
	c.Week = clamp(c.Week, 0, limitBound(p.WeekLimit))
	c.Month = clamp(c.Month, 0, limitBound(p.MonthLimit))
	c.PlayTime = clamp(c.PlayTime, 0, limitBound(p.PlayTimeLimit(day)))

	st := newUserState(rec.Username, p, now)
	st.counters = c
	if !rolled {
		st.enforcement = enforcement.Restore(stage, rec.ActionDone, now)
		st.saved = st.version
	}
	e.logger.Debug().
		Str("user", rec.Username).
		Str("date", rec.Date).
		Bool("rolled_over", rolled).
		Str("stage", st.enforcement.Stage.String()).
		Msg("Restored runtime state")
	return st
}

func limitBound(limit time.Duration) time.Duration {
	if limit <= 0 {
		return -1
	}
	return limit
}

// Snapshot returns a copy of every tracked user's state, sorted by name.
func (e *Engine) Snapshot() []UserSnapshot {
	e.mu.RLock()
	states := make([]*userState, 0, len(e.users))
	for _, st := range e.users {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]UserSnapshot, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.snapshot())
		st.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b UserSnapshot) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return out
}

// User returns a copy of one user's state.
func (e *Engine) User(username string) (UserSnapshot, bool) {
	e.mu.RLock()
	st, ok := e.users[username]
	e.mu.RUnlock()
	if !ok {
		return UserSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), true
}

// MarkSaved records that version of a user's state was written.
func (e *Engine) MarkSaved(username string, version uint64) {
	e.mu.RLock()
	st, ok := e.users[username]
	e.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if version > st.saved {
		st.saved = version
	}
}

func criticalMessage(level enforcement.Level, remaining time.Duration) string {
	switch level {
	case enforcement.LevelWarning:
		return fmt.Sprintf("%s of computer time left", remaining.Round(time.Second))
	case enforcement.LevelFinal:
		return fmt.Sprintf("Only %s left, please save your work", remaining.Round(time.Second))
	default:
		return "Computer time is up"
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
