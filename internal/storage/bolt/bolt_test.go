package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"go.etcd.io/bbolt"
)

func record(user, date string, remaining int64) storage.RuntimeRecord {
	day, _ := time.Parse(storage.DateLayout, date)
	rec := storage.RuntimeRecord{
		Username:     user,
		RemainingDay: remaining,
		Stage:        "allowed",
		UpdatedAt:    day.Add(12 * time.Hour),
	}
	rec.SetPeriod(day)
	return rec
}

func TestRuntimeStorePutGet(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	rs := store.Runtime()

	if err := rs.Put(ctx, record("alice", "2024-01-02", 3600)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := rs.Put(ctx, record("alice", "2024-01-02", 1800)); err != nil {
		t.Fatalf("put again: %v", err)
	}

	got, err := rs.Get(ctx, "alice", "2024-01-02")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RemainingDay != 1800 || got.ISOWeek != 1 || got.Month != "2024-01" {
		t.Fatalf("unexpected record %+v", got)
	}

	if _, err := rs.Get(ctx, "alice", "2024-01-03"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := rs.Put(ctx, storage.RuntimeRecord{Username: "bob", Date: "yesterday"}); err == nil {
		t.Fatalf("expected invalid date to be rejected")
	}
}

func TestRuntimeStoreLatest(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	rs := store.Runtime()
	for _, rec := range []storage.RuntimeRecord{
		record("alice", "2024-01-03", 30),
		record("alice", "2024-01-01", 10),
		record("alice", "2024-01-02", 20),
		record("alicex", "2024-02-01", 99),
	} {
		if err := rs.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	latest, err := rs.Latest(ctx, "alice")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Date != "2024-01-03" {
		t.Fatalf("latest date = %s, want 2024-01-03", latest.Date)
	}
	if _, err := rs.Latest(ctx, "carol"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRuntimeStoreListAndDelete(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	rs := store.Runtime()
	for _, rec := range []storage.RuntimeRecord{
		record("alice", "2024-01-01", 10),
		record("bob", "2024-01-01", 10),
		record("alice", "2024-01-02", 20),
	} {
		if err := rs.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	list, err := rs.List(ctx, "2024-01-01")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}

	deleted, err := rs.DeleteBefore(ctx, "2024-01-02")
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted records, got %d", deleted)
	}
	if _, err := rs.Get(ctx, "alice", "2024-01-02"); err != nil {
		t.Fatalf("record on cutoff date should survive: %v", err)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ktime.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestOpenRejectsOtherSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ktime.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(schemaKey), []byte("0"))
	})
	if err != nil {
		t.Fatalf("overwrite schema: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected schema mismatch to be rejected")
	}
}
