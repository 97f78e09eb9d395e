package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "ktime:"
	datesKey  = keyPrefix + "dates"

	// recordTTL matches the default retention of 90 days.
	recordTTL = 90 * 24 * time.Hour
)

type runtimeStore struct {
	client       *redis.Client
	upsert       *redis.Script
	deleteBefore *redis.Script
}

func newRuntimeStore(client *redis.Client) *runtimeStore {
	return &runtimeStore{
		client:       client,
		upsert:       redis.NewScript(upsertRuntimeScript),
		deleteBefore: redis.NewScript(deleteRuntimeBeforeScript),
	}
}

func recordKey(username, date string) string {
	return fmt.Sprintf("%sruntime:%s:%s", keyPrefix, username, date)
}

func latestKey(username string) string {
	return keyPrefix + "latest:" + username
}

func indexKey(date string) string {
	return keyPrefix + "index:" + date
}

// Put creates or replaces a runtime record
func (s *runtimeStore) Put(ctx context.Context, rec storage.RuntimeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	keys := []string{
		recordKey(rec.Username, rec.Date),
		latestKey(rec.Username),
		indexKey(rec.Date),
		datesKey,
	}
	args := []interface{}{
		rec.Username,
		rec.Date,
		rec.ISOYear,
		rec.ISOWeek,
		rec.Month,
		rec.RemainingDay,
		rec.RemainingWeek,
		rec.RemainingMonth,
		rec.RemainingPlayTime,
		rec.Stage,
		strconv.FormatBool(rec.ActionDone),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		int64(recordTTL.Seconds()),
	}

	return s.upsert.Run(ctx, s.client, keys, args...).Err()
}

// Get retrieves the record of a user for a date
func (s *runtimeStore) Get(ctx context.Context, username, date string) (*storage.RuntimeRecord, error) {
	data, err := s.client.HGetAll(ctx, recordKey(username, date)).Result()
	if err != nil {
		return nil, err
	}
	return parseRuntimeRecord(data)
}

// Latest retrieves the most recent record of a user
func (s *runtimeStore) Latest(ctx context.Context, username string) (*storage.RuntimeRecord, error) {
	date, err := s.client.Get(ctx, latestKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, username, date)
}

// List returns every record for a date
func (s *runtimeStore) List(ctx context.Context, date string) ([]storage.RuntimeRecord, error) {
	users, err := s.client.SMembers(ctx, indexKey(date)).Result()
	if err != nil {
		return nil, err
	}

	if len(users) == 0 {
		return []storage.RuntimeRecord{}, nil
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(users))
	for i, user := range users {
		cmds[i] = pipe.HGetAll(ctx, recordKey(user, date))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.RuntimeRecord, 0, len(users))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		rec, err := parseRuntimeRecord(data)
		if err == nil {
			records = append(records, *rec)
		}
	}

	return records, nil
}

// DeleteBefore removes records dated before cutoffDate. Keys also expire
// on their own after recordTTL.
func (s *runtimeStore) DeleteBefore(ctx context.Context, cutoffDate string) (int, error) {
	n, err := s.deleteBefore.Run(ctx, s.client, []string{datesKey}, cutoffDate, keyPrefix).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}
