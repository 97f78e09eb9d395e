package enforcement

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/policy"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testMachine() *Machine {
	return NewMachine(Config{
		WarningThreshold:           30 * time.Second,
		FinalNotificationThreshold: 10 * time.Second,
		FinalCountdown:             0,
		DisallowedGrace:            20 * time.Second,
	})
}

func TestStageOrderWhileCountingDown(t *testing.T) {
	m := testMachine()
	s := Reset(t0)

	var stages []Stage
	var invokes int
	remaining := 60 * time.Second
	for i := 0; i <= 8; i++ {
		now := t0.Add(time.Duration(i) * 10 * time.Second)
		var eff Effects
		s, eff = m.Next(s, Input{Now: now, Remaining: remaining, Allowed: true})
		if eff.Invoke {
			invokes++
			s.MarkDone()
		}
		if len(stages) == 0 || stages[len(stages)-1] != s.Stage {
			stages = append(stages, s.Stage)
		}
		remaining = max(remaining-10*time.Second, 0)
	}

	want := []Stage{Allowed, Warned, FinalWarning, LockedOut}
	if !slices.Equal(stages, want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	if invokes != 1 {
		t.Errorf("invoked %d times, want 1", invokes)
	}
}

func TestCriticalNotificationsOncePerCrossing(t *testing.T) {
	m := testMachine()
	s := Reset(t0)

	var levels []Level
	for i, rem := range []time.Duration{40, 30, 25, 10, 5, 0, 0} {
		var eff Effects
		s, eff = m.Next(s, Input{Now: t0.Add(time.Duration(i) * time.Second), Remaining: rem * time.Second, Allowed: true})
		levels = append(levels, eff.Critical...)
	}
	want := []Level{LevelWarning, LevelFinal, LevelLockout}
	if !slices.Equal(levels, want) {
		t.Fatalf("critical levels = %v, want %v", levels, want)
	}

	// Granting time resets, crossing again notifies again.
	s, eff := m.Next(s, Input{Now: t0.Add(time.Minute), Remaining: time.Hour, Allowed: true})
	if s.Stage != Allowed || len(eff.Critical) != 0 {
		t.Fatalf("after grant: stage %s critical %v", s.Stage, eff.Critical)
	}
	_, eff = m.Next(s, Input{Now: t0.Add(2 * time.Minute), Remaining: 20 * time.Second, Allowed: true})
	if !slices.Equal(eff.Critical, []Level{LevelWarning}) {
		t.Errorf("second crossing critical = %v", eff.Critical)
	}
}

func TestSuppressedLockout(t *testing.T) {
	m := testMachine()
	s := Reset(t0)

	in := Input{Remaining: 0, Allowed: true, Suppressed: true}
	for i := 0; i < 5; i++ {
		in.Now = t0.Add(time.Duration(i) * 10 * time.Second)
		var eff Effects
		s, eff = m.Next(s, in)
		if eff.Invoke {
			t.Fatalf("tick %d: action invoked while suppressed", i)
		}
	}
	if s.Stage != LockedOut || !s.Suppressed {
		t.Fatalf("stage = %s suppressed = %v, want locked out and suppressed", s.Stage, s.Suppressed)
	}

	in.Suppressed = false
	in.Now = in.Now.Add(10 * time.Second)
	s, eff := m.Next(s, in)
	if !eff.Invoke {
		t.Fatalf("expected invocation once outside the wake window")
	}
	s.MarkDone()
	in.Now = in.Now.Add(10 * time.Second)
	if _, eff := m.Next(s, in); eff.Invoke {
		t.Errorf("action invoked twice")
	}
}

func TestFailedActionRetriedEveryTick(t *testing.T) {
	m := testMachine()
	s := Restore(LockedOut, false, t0)
	for i := 1; i <= 3; i++ {
		var eff Effects
		s, eff = m.Next(s, Input{Now: t0.Add(time.Duration(i) * time.Second), Allowed: true})
		if !eff.Invoke {
			t.Fatalf("tick %d: pending action not reissued", i)
		}
		if s.Stage != LockedOut {
			t.Fatalf("tick %d: stage %s", i, s.Stage)
		}
	}
}

func TestRearmReissuesAction(t *testing.T) {
	m := testMachine()
	in := Input{Now: t0, Allowed: true}

	s := Restore(LockedOut, true, t0)
	if _, eff := m.Next(s, in); eff.Invoke {
		t.Fatal("carried out action reissued without rearm")
	}
	s.Rearm()
	s, eff := m.Next(s, in)
	if !eff.Invoke {
		t.Fatal("rearmed action not reissued")
	}
	s.MarkDone()
	if _, eff := m.Next(s, in); eff.Invoke {
		t.Error("action invoked twice after rearm")
	}

	w := Reset(t0)
	w.ActionDone = true
	w.Rearm()
	if !w.ActionDone {
		t.Error("rearm changed a state that is not locked out")
	}
}

func TestDisallowedGrace(t *testing.T) {
	m := testMachine()
	s := Reset(t0)

	in := Input{Remaining: time.Hour, Allowed: false}
	var stages []Stage
	for i := 0; i < 5; i++ {
		in.Now = t0.Add(time.Duration(i) * 10 * time.Second)
		s, _ = m.Next(s, in)
		stages = append(stages, s.Stage)
	}
	want := []Stage{Warned, Warned, FinalWarning, LockedOut, LockedOut}
	if !slices.Equal(stages, want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}

	in.Allowed = true
	in.Now = in.Now.Add(10 * time.Second)
	s, _ = m.Next(s, in)
	if s.Stage != Allowed || !s.DisallowedSince.IsZero() {
		t.Errorf("entering an allowed window should reset, got %s", s.Stage)
	}
}

func TestUnlimitedIsAllowed(t *testing.T) {
	m := testMachine()
	s, eff := m.Next(Reset(t0), Input{Now: t0, Unlimited: true, Allowed: true})
	if s.Stage != Allowed || eff.Changed || len(eff.Critical) != 0 {
		t.Errorf("unlimited: %+v %+v", s, eff)
	}
}

func TestCountdownHoldsFinalWarning(t *testing.T) {
	m := NewMachine(Config{WarningThreshold: time.Minute, FinalCountdown: 15 * time.Second})
	s := Reset(t0)
	s, _ = m.Next(s, Input{Now: t0, Allowed: true})
	if s.Stage != FinalWarning {
		t.Fatalf("stage = %s", s.Stage)
	}
	s, _ = m.Next(s, Input{Now: t0.Add(10 * time.Second), Allowed: true})
	if s.Stage != FinalWarning {
		t.Fatalf("countdown not honoured, stage = %s", s.Stage)
	}
	s, _ = m.Next(s, Input{Now: t0.Add(15 * time.Second), Allowed: true})
	if s.Stage != LockedOut {
		t.Fatalf("stage = %s, want locked out", s.Stage)
	}
}

func TestParseStage(t *testing.T) {
	for _, st := range []Stage{Allowed, Warned, FinalWarning, LockedOut} {
		got, err := ParseStage(st.String())
		if err != nil || got != st {
			t.Errorf("ParseStage(%q) = %v, %v", st.String(), got, err)
		}
	}
	if _, err := ParseStage("nope"); err == nil {
		t.Errorf("expected error")
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	if err := r.Invoke(context.Background(), "alice", []string{"3"}, policy.LockoutLock); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	r.SetError(errors.New("denied"))
	if err := r.Invoke(context.Background(), "alice", nil, policy.LockoutSuspend); err == nil {
		t.Fatalf("expected error")
	}
	calls := r.Calls()
	if len(calls) != 2 || calls[0].Action != policy.LockoutLock || calls[1].Action != policy.LockoutSuspend {
		t.Errorf("calls = %+v", calls)
	}
}
