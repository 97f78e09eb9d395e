package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketRuntime = "runtime"
	bucketMeta    = "meta"

	schemaKey     = "schema"
	schemaVersion = "1"
)

// Store keeps runtime records in a single bbolt file.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path. A file written with a
// different record schema is refused.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketRuntime)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketRuntime, err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketMeta, err)
		}
		switch v := meta.Get([]byte(schemaKey)); {
		case v == nil:
			return meta.Put([]byte(schemaKey), []byte(schemaVersion))
		case string(v) != schemaVersion:
			return fmt.Errorf("unsupported runtime schema %q (want %s)", v, schemaVersion)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Runtime returns the runtime record store.
func (s *Store) Runtime() storage.RuntimeStore { return &runtimeStore{db: s.db} }

func encodeRecord(rec storage.RuntimeRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode runtime record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*storage.RuntimeRecord, error) {
	var rec storage.RuntimeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode runtime record: %w", err)
	}
	return &rec, nil
}

// view runs fn against the runtime bucket in a read transaction.
func view(ctx context.Context, db *bbolt.DB, fn func(*bbolt.Bucket) error) error {
	return db.View(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tx.Bucket([]byte(bucketRuntime)))
	})
}

// update runs fn against the runtime bucket in a write transaction.
func update(ctx context.Context, db *bbolt.DB, fn func(*bbolt.Bucket) error) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tx.Bucket([]byte(bucketRuntime)))
	})
}
