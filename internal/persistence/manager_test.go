package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/goodtune/ktime/internal/enforcement"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/bolt"
	"github.com/goodtune/ktime/internal/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var noon = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    storage.RuntimeStore
	policies *policy.Store
	observer *session.Static
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "ktime.bolt"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	policies := policy.NewStore("", zerolog.Nop())
	p := policy.NewUserPolicy("alice")
	p.DayLimits[time.Monday] = time.Hour
	if err := policies.Put(p); err != nil {
		t.Fatalf("failed to store policy: %v", err)
	}

	observer := session.NewStatic()
	snap := session.NewSnapshot()
	snap.AddSession("alice", "c1", session.Active)
	observer.Set(snap)

	return &fixture{
		store:    db.Runtime(),
		policies: policies,
		observer: observer,
		clock:    clockwork.NewFakeClockAt(noon),
	}
}

func (f *fixture) engine(t *testing.T) *usage.Engine {
	t.Helper()
	cfg := usage.DefaultConfig()
	cfg.PollInterval = 10 * time.Second
	e, err := usage.New(cfg, usage.Deps{
		Policies: f.policies,
		Observer: f.observer,
		Actuator: &enforcement.Recorder{},
		Clock:    f.clock,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func TestSaveAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(t)
	m := NewManager(f.store, e, 30*time.Second, f.clock, zerolog.Nop())

	e.Tick(ctx)
	f.clock.Advance(10 * time.Second)
	e.Tick(ctx)
	if err := m.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, err := f.store.Get(ctx, "alice", "2024-01-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.RemainingDay != 3590 || rec.Stage != "allowed" || rec.ISOWeek != 1 {
		t.Errorf("record = %+v", rec)
	}
	if s, _ := e.User("alice"); s.Dirty {
		t.Errorf("state still dirty after save")
	}

	restored := f.engine(t)
	if restored.Ready() {
		t.Fatalf("engine ready before restore")
	}
	if n := NewManager(f.store, restored, 30*time.Second, f.clock, zerolog.Nop()).Restore(ctx, f.policies.Users()); n != 1 {
		t.Fatalf("restored %d users, want 1", n)
	}
	if !restored.Ready() {
		t.Errorf("engine not ready after restore")
	}
	s, ok := restored.User("alice")
	if !ok || s.Counters.Day != 3590*time.Second {
		t.Errorf("restored state = %+v", s)
	}
}

type failingStore struct {
	storage.RuntimeStore
	err error
}

func (s *failingStore) Put(context.Context, storage.RuntimeRecord) error { return s.err }

func TestFailedWriteStaysDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(t)
	bad := &failingStore{RuntimeStore: f.store, err: errors.New("disk full")}

	e.Tick(ctx)
	if err := NewManager(bad, e, 30*time.Second, f.clock, zerolog.Nop()).Save(ctx); err == nil {
		t.Fatalf("expected save error")
	}
	if s, _ := e.User("alice"); !s.Dirty {
		t.Fatalf("state marked clean after failed write")
	}
	if err := NewManager(f.store, e, 30*time.Second, f.clock, zerolog.Nop()).Save(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s, _ := e.User("alice"); s.Dirty {
		t.Errorf("state dirty after successful retry")
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	m := NewManager(f.store, e, time.Hour, f.clock, zerolog.Nop())
	e.Tick(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	if err := f.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	if _, err := f.store.Get(context.Background(), "alice", "2024-01-01"); err != nil {
		t.Errorf("state not flushed: %v", err)
	}
}

func TestKickTriggersSave(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	m := NewManager(f.store, e, time.Hour, f.clock, zerolog.Nop())
	e.Tick(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Kick()
	m.Kick()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := f.store.Get(context.Background(), "alice", "2024-01-01"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("kick did not save")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestCleanerRemovesOldRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, date := range []time.Time{noon.AddDate(0, 0, -100), noon.AddDate(0, 0, -10), noon} {
		rec := storage.RuntimeRecord{Username: "alice", Stage: "allowed"}
		rec.SetPeriod(date)
		if err := f.store.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	c := NewCleaner(f.store, 90*24*time.Hour, 24*time.Hour, f.clock, zerolog.Nop())
	if n := c.Cleanup(ctx); n != 1 {
		t.Fatalf("deleted %d records, want 1", n)
	}
	recs, err := f.store.List(ctx, noon.AddDate(0, 0, -10).Format(storage.DateLayout))
	if err != nil || len(recs) != 1 {
		t.Errorf("recent record gone: %v %v", recs, err)
	}

	c.Start()
	c.Stop()
}
