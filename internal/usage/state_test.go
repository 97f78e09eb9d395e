package usage

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/goodtune/ktime/internal/policy"
)

func TestOpApply(t *testing.T) {
	tests := []struct {
		op     Op
		cur    time.Duration
		amount time.Duration
		limit  time.Duration
		want   time.Duration
	}{
		{OpAdd, 50, 20, 60, 70},
		{OpSub, 50, 80, 60, 0},
		{OpSub, 70, 5, 60, 60},
		{OpSet, 0, 90, 60, 60},
		{OpSet, 50, 30, 60, 30},
		{OpSet, 50, 90, 0, 90},
	}
	for _, tt := range tests {
		if got := tt.op.apply(tt.cur, tt.amount, tt.limit); got != tt.want {
			t.Errorf("%c apply(%d, %d, %d) = %d, want %d", tt.op, tt.cur, tt.amount, tt.limit, got, tt.want)
		}
	}
}

func TestParseOp(t *testing.T) {
	for _, s := range []string{"+", "-", "="} {
		op, err := ParseOp(s)
		if err != nil || string(rune(op)) != s {
			t.Errorf("ParseOp(%q) = %c, %v", s, op, err)
		}
	}
	for _, s := range []string{"", "*", "++"} {
		if _, err := ParseOp(s); !errors.Is(err, ErrInvalidOp) {
			t.Errorf("ParseOp(%q) error = %v", s, err)
		}
	}
}

func TestShift(t *testing.T) {
	tests := []struct {
		cur, oldLimit, newLimit, want time.Duration
	}{
		{50, 60, 120, 110},
		{50, 60, 30, 20},
		{5, 60, 30, 0},
		{50, 0, 30, 30},
		{50, 60, 0, 0},
	}
	for _, tt := range tests {
		if got := shift(tt.cur, tt.oldLimit, tt.newLimit); got != tt.want {
			t.Errorf("shift(%d, %d, %d) = %d, want %d", tt.cur, tt.oldLimit, tt.newLimit, got, tt.want)
		}
	}
}

func TestDeductionNeverNegativeOrIncreasing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := policy.NewUserPolicy("alice")
		p.DayLimits[time.Monday] = time.Duration(rapid.IntRange(0, 3600).Draw(t, "day")) * time.Second
		p.WeekLimit = time.Duration(rapid.IntRange(0, 7200).Draw(t, "week")) * time.Second
		p.MonthLimit = time.Duration(rapid.IntRange(0, 36000).Draw(t, "month")) * time.Second

		st := newUserState("alice", p, noon)
		st.window = policy.Window{Allowed: true, Unaccounted: rapid.Bool().Draw(t, "unaccounted")}
		steps := rapid.SliceOfN(rapid.IntRange(0, 120), 1, 60).Draw(t, "steps")
		for _, secs := range steps {
			before := st.counters
			st.deduct(p, time.Monday, time.Duration(secs)*time.Second)
			c := st.counters
			if c.Day < 0 || c.Week < 0 || c.Month < 0 || c.PlayTime < 0 {
				t.Fatalf("negative counter %+v", c)
			}
			if c.Day > before.Day || c.Week > before.Week || c.Month > before.Month {
				t.Fatalf("counter increased from %+v to %+v", before, c)
			}
			remaining, unlimited := st.budget(p, time.Monday)
			if remaining < 0 {
				t.Fatalf("negative remaining %s", remaining)
			}
			if st.window.Unaccounted && !unlimited {
				t.Fatalf("unaccounted window without PlayTime is limited")
			}
		}
	})
}

func TestAdjustStaysInBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		op := rapid.SampledFrom([]Op{OpAdd, OpSub, OpSet}).Draw(t, "op")
		limit := time.Duration(rapid.IntRange(0, 86400).Draw(t, "limit")) * time.Second
		cur := time.Duration(rapid.IntRange(0, 86400).Draw(t, "cur")) * time.Second
		amount := time.Duration(rapid.IntRange(0, 86400).Draw(t, "amount")) * time.Second

		got := op.apply(cur, amount, limit)
		if got < 0 {
			t.Fatalf("%c produced negative %s", op, got)
		}
		if op != OpAdd && limit > 0 && got > limit {
			t.Fatalf("%c exceeded limit %s: %s", op, limit, got)
		}
		if op == OpAdd && got != cur+amount {
			t.Fatalf("+ produced %s, want %s", got, cur+amount)
		}
	})
}
