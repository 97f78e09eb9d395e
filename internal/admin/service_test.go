package admin

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/goodtune/ktime/internal/enforcement"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Monday.
var noon = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	policies *policy.Store
	engine   *usage.Engine
	service  *Service
}

func newFixture(t *testing.T, ready bool) *fixture {
	t.Helper()
	policies := policy.NewStore("", zerolog.Nop())
	p := policy.NewUserPolicy("alice")
	p.AllowedDays = policy.Weekdays{time.Monday, time.Tuesday, time.Wednesday}
	p.DayLimits = map[time.Weekday]time.Duration{time.Monday: time.Hour, time.Tuesday: time.Hour, time.Wednesday: time.Hour}
	p.PlayTime.Enabled = true
	p.PlayTime.AllowedDays = policy.Weekdays{time.Monday}
	p.PlayTime.Limits = map[time.Weekday]time.Duration{time.Monday: 30 * time.Minute}
	if err := policies.Put(p); err != nil {
		t.Fatalf("failed to store policy: %v", err)
	}
	if err := policies.Put(policy.NewUserPolicy("bob")); err != nil {
		t.Fatalf("failed to store policy: %v", err)
	}

	e, err := usage.New(usage.DefaultConfig(), usage.Deps{
		Policies: policies,
		Observer: session.NewStatic(),
		Actuator: &enforcement.Recorder{},
		Clock:    clockwork.NewFakeClockAt(noon),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	policies.OnChange(e.PolicyChanged)
	if ready {
		e.MarkReady()
	}
	return &fixture{
		policies: policies,
		engine:   e,
		service:  NewService(policies, e, zerolog.Nop()),
	}
}

func (f *fixture) policy(t *testing.T, user string) *policy.UserPolicy {
	t.Helper()
	p, ok := f.policies.Get(user)
	if !ok {
		t.Fatalf("no policy for %s", user)
	}
	return p
}

func TestNotReadyBeforeRestore(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	results := map[string]Result{
		"set_allowed_days":       f.service.SetAllowedDays("alice", "1;2"),
		"set_allowed_days (bad)": f.service.SetAllowedDays("alice", "x"),
		"set_time_limit_week":    f.service.SetTimeLimitWeek("alice", "3600"),
		"set_lockout_type":       f.service.SetLockoutType("alice", "lock"),
	}
	_, results["user_list"] = f.service.UserList()
	_, results["user_info"] = f.service.UserInfo("alice", ViewFull)
	_, results["set_time_left"] = f.service.SetTimeLeft(ctx, "alice", "+", "60")

	for name, res := range results {
		if res.Status != NotReady {
			t.Errorf("%s: status = %s, want not_ready", name, res.Status)
		}
	}
	if got := f.policy(t, "alice").WeekLimit; got != 0 {
		t.Errorf("policy changed while not ready: week limit %s", got)
	}
}

func TestUserList(t *testing.T) {
	f := newFixture(t, true)
	users, res := f.service.UserList()
	if res.Status != OK {
		t.Fatalf("status = %s", res.Status)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("users = %v", users)
	}
}

func TestUserInfo(t *testing.T) {
	f := newFixture(t, true)

	info, res := f.service.UserInfo("alice", "")
	if res.Status != OK {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
	if info.Policy == nil {
		t.Fatal("full view has no policy")
	}
	if info.Policy.AllowedDays != "1;2;3" || info.Policy.TimeLimits != "3600;3600;3600" {
		t.Errorf("policy = %+v", info.Policy)
	}
	if info.Policy.PlayTime.Limits != "1800" || info.Policy.LockoutType != "terminate" {
		t.Errorf("playtime = %+v", info.Policy.PlayTime)
	}
	if info.Runtime != nil {
		t.Errorf("untracked user has runtime %+v", info.Runtime)
	}

	if _, res := f.service.SetTimeLeft(context.Background(), "alice", "-", "600"); res.Status != OK {
		t.Fatalf("set_time_left: %s", res.Message)
	}
	info, res = f.service.UserInfo("alice", ViewRealtime)
	if res.Status != OK {
		t.Fatalf("status = %s", res.Status)
	}
	if info.Policy != nil {
		t.Errorf("realtime view has policy")
	}
	if info.Runtime == nil || info.Runtime.TimeLeftDay != 3000 || info.Runtime.Date != "2024-01-01" {
		t.Errorf("runtime = %+v", info.Runtime)
	}

	if _, res := f.service.UserInfo("alice", "summary"); res.Status != Invalid {
		t.Errorf("unknown view: status = %s", res.Status)
	}
	if _, res := f.service.UserInfo("carol", ViewFull); res.Status != Invalid || !res.UnknownUser() {
		t.Errorf("unknown user: %+v", res)
	}
}

func TestSetters(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name  string
		call  func() Result
		check func(p *policy.UserPolicy) bool
	}{
		{
			"allowed days",
			func() Result { return f.service.SetAllowedDays("alice", "1;2;3;4;5") },
			func(p *policy.UserPolicy) bool { return len(p.AllowedDays) == 5 },
		},
		{
			"allowed hours",
			func() Result { return f.service.SetAllowedHours("alice", "1", "7;8;9[00-30];!22[00-15]") },
			func(p *policy.UserPolicy) bool {
				h := p.AllowedHours[time.Monday]
				return len(h) == 4 && h[9].EndMinute == 30 && h[22].Unaccounted
			},
		},
		{
			"time limits",
			func() Result { return f.service.SetTimeLimits("alice", "3600;7200") },
			func(p *policy.UserPolicy) bool {
				return p.DayLimits[time.Monday] == time.Hour && p.DayLimits[time.Tuesday] == 2*time.Hour
			},
		},
		{
			"week limit",
			func() Result { return f.service.SetTimeLimitWeek("alice", "36000") },
			func(p *policy.UserPolicy) bool { return p.WeekLimit == 10*time.Hour },
		},
		{
			"month limit",
			func() Result { return f.service.SetTimeLimitMonth("alice", "360000") },
			func(p *policy.UserPolicy) bool { return p.MonthLimit == 100*time.Hour },
		},
		{
			"track inactive",
			func() Result { return f.service.SetTrackInactive("alice", "TRUE") },
			func(p *policy.UserPolicy) bool { return p.TrackInactive },
		},
		{
			"lockout",
			func() Result { return f.service.SetLockoutType("alice", "suspend;22;6") },
			func(p *policy.UserPolicy) bool {
				return p.Lockout.Type == policy.LockoutSuspend && p.Lockout.Wake != nil && p.Lockout.Wake.From == 22
			},
		},
		{
			"playtime enabled",
			func() Result { return f.service.SetPlayTimeEnabled("alice", "false") },
			func(p *policy.UserPolicy) bool { return !p.PlayTime.Enabled },
		},
		{
			"playtime override",
			func() Result { return f.service.SetPlayTimeLimitOverride("alice", "true") },
			func(p *policy.UserPolicy) bool { return p.PlayTime.LimitOverride },
		},
		{
			"playtime unaccounted",
			func() Result { return f.service.SetPlayTimeUnaccountedIntervals("alice", "true") },
			func(p *policy.UserPolicy) bool { return p.PlayTime.UnaccountedIntervalsAllowed },
		},
		{
			"playtime days",
			func() Result { return f.service.SetPlayTimeAllowedDays("alice", "6;7") },
			func(p *policy.UserPolicy) bool {
				return p.PlayTime.AllowedDays.Contains(time.Saturday) && p.PlayTime.AllowedDays.Contains(time.Sunday)
			},
		},
		{
			"playtime limits",
			func() Result { return f.service.SetPlayTimeLimits("alice", "600;1200") },
			func(p *policy.UserPolicy) bool {
				return p.PlayTime.Limits[time.Sunday] == 10*time.Minute && p.PlayTime.Limits[time.Saturday] == 20*time.Minute
			},
		},
		{
			"playtime activities",
			func() Result { return f.service.SetPlayTimeActivities("alice", "steam[Steam];*minecraft*") },
			func(p *policy.UserPolicy) bool {
				a := p.PlayTime.Activities
				return len(a) == 2 && a[0].Description == "Steam" && a[1].Mask == "*minecraft*"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := tt.call(); res.Status != OK {
				t.Fatalf("status = %s: %s", res.Status, res.Message)
			}
			if !tt.check(f.policy(t, "alice")) {
				t.Errorf("policy not updated: %+v", f.policy(t, "alice"))
			}
		})
	}
}

func TestInvalidInputLeavesPolicyUnchanged(t *testing.T) {
	f := newFixture(t, true)
	before := f.policy(t, "alice")

	tests := []struct {
		name string
		call func() Result
	}{
		{"bad day", func() Result { return f.service.SetAllowedDays("alice", "1;8") }},
		{"two days for hours", func() Result { return f.service.SetAllowedHours("alice", "1;2", "7") }},
		{"bad hour", func() Result { return f.service.SetAllowedHours("alice", "1", "24") }},
		{"too many limits", func() Result { return f.service.SetTimeLimits("alice", "1;2;3;4") }},
		{"limit over a day", func() Result { return f.service.SetTimeLimits("alice", "90000") }},
		{"negative week", func() Result { return f.service.SetTimeLimitWeek("alice", "-1") }},
		{"week over range", func() Result { return f.service.SetTimeLimitWeek("alice", "700000") }},
		{"bool", func() Result { return f.service.SetTrackInactive("alice", "yes") }},
		{"lockout", func() Result { return f.service.SetLockoutType("alice", "reboot") }},
		{"activities", func() Result { return f.service.SetPlayTimeActivities("alice", "[x]") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.call()
			if res.Status != Invalid || res.Message == "" {
				t.Fatalf("result = %+v, want invalid with a reason", res)
			}
			if f.policy(t, "alice") != before {
				t.Errorf("policy replaced by rejected command")
			}
		})
	}

	if res := f.service.SetAllowedDays("carol", "1"); !res.UnknownUser() {
		t.Errorf("unknown user: %+v", res)
	}
}

func TestSetTimeLeft(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	rt, res := f.service.SetTimeLeft(ctx, "alice", "-", "600")
	if res.Status != OK || rt.TimeLeftDay != 3000 {
		t.Fatalf("minus: %+v %+v", res, rt)
	}
	rt, res = f.service.SetTimeLeft(ctx, "alice", "+", "7200")
	if res.Status != OK || rt.TimeLeftDay != 10200 {
		t.Fatalf("plus: %+v %+v", res, rt)
	}
	rt, res = f.service.SetTimeLeft(ctx, "alice", "=", "7200")
	if res.Status != OK || rt.TimeLeftDay != 3600 {
		t.Fatalf("set is clamped to the limit: %+v %+v", res, rt)
	}
	rt, res = f.service.SetPlayTimeLeft(ctx, "alice", "-", "60")
	if res.Status != OK || rt.PlayTimeLeft != 1740 {
		t.Fatalf("playtime: %+v %+v", res, rt)
	}

	for _, tt := range []struct{ op, secs string }{{"*", "60"}, {"+", "abc"}, {"-", "-5"}} {
		if _, res := f.service.SetTimeLeft(ctx, "alice", tt.op, tt.secs); res.Status != Invalid {
			t.Errorf("SetTimeLeft(%q, %q) = %s", tt.op, tt.secs, res.Status)
		}
	}
	if _, res := f.service.SetTimeLeft(ctx, "bob", "+", "60"); res.Status != Invalid {
		t.Errorf("unlimited user: %s", res.Status)
	}
	if _, res := f.service.SetTimeLeft(ctx, "carol", "+", "60"); !res.UnknownUser() {
		t.Errorf("unknown user: %+v", res)
	}
}

func TestPolicyChangeReachesEngine(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if _, res := f.service.SetTimeLeft(ctx, "alice", "-", "600"); res.Status != OK {
		t.Fatalf("set_time_left: %s", res.Message)
	}
	if res := f.service.SetTimeLimits("alice", "7200;3600;3600"); res.Status != OK {
		t.Fatalf("set_time_limits: %s", res.Message)
	}
	s, ok := f.engine.User("alice")
	if !ok || s.Counters.Day != 6600*time.Second {
		t.Errorf("day counter = %s, want 1h50m", s.Counters.Day)
	}
}
