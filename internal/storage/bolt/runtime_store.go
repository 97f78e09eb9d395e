package bolt

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	"go.etcd.io/bbolt"
)

type runtimeStore struct {
	db *bbolt.DB
}

// runtimeKey orders records by user, then date.
func runtimeKey(username, date string) []byte {
	return []byte(username + "/" + date)
}

func (s *runtimeStore) Put(ctx context.Context, rec storage.RuntimeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return update(ctx, s.db, func(b *bbolt.Bucket) error {
		return b.Put(runtimeKey(rec.Username, rec.Date), data)
	})
}

func (s *runtimeStore) Get(ctx context.Context, username, date string) (*storage.RuntimeRecord, error) {
	var rec *storage.RuntimeRecord
	err := view(ctx, s.db, func(b *bbolt.Bucket) error {
		data := b.Get(runtimeKey(username, date))
		if data == nil {
			return storage.ErrNotFound
		}
		var err error
		rec, err = decodeRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *runtimeStore) Latest(ctx context.Context, username string) (*storage.RuntimeRecord, error) {
	var rec *storage.RuntimeRecord
	err := view(ctx, s.db, func(b *bbolt.Bucket) error {
		prefix := []byte(username + "/")
		var last []byte
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			last = v
		}
		if last == nil {
			return storage.ErrNotFound
		}
		var err error
		rec, err = decodeRecord(last)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *runtimeStore) List(ctx context.Context, date string) ([]storage.RuntimeRecord, error) {
	records := make([]storage.RuntimeRecord, 0)
	suffix := []byte("/" + date)
	err := view(ctx, s.db, func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			if !bytes.HasSuffix(k, suffix) {
				return nil
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, *rec)
			return nil
		})
	})
	return records, err
}

func (s *runtimeStore) DeleteBefore(ctx context.Context, cutoffDate string) (int, error) {
	deleted := 0
	err := update(ctx, s.db, func(b *bbolt.Bucket) error {
		var stale [][]byte
		err := b.ForEach(func(k, _ []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			i := bytes.LastIndexByte(k, '/')
			if i >= 0 && string(k[i+1:]) < cutoffDate {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
