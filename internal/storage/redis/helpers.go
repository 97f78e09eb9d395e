package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// parseRuntimeRecord converts a Redis hash to RuntimeRecord
func parseRuntimeRecord(data map[string]string) (*storage.RuntimeRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	ints := map[string]*int64{}
	rec := &storage.RuntimeRecord{
		Username: data["username"],
		Date:     data["date"],
		Month:    data["month"],
		Stage:    data["stage"],
	}
	ints["remaining_day"] = &rec.RemainingDay
	ints["remaining_week"] = &rec.RemainingWeek
	ints["remaining_month"] = &rec.RemainingMonth
	ints["remaining_playtime"] = &rec.RemainingPlayTime
	for field, dst := range ints {
		v, err := strconv.ParseInt(data[field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", field, err)
		}
		*dst = v
	}

	isoYear, err := strconv.Atoi(data["iso_year"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse iso_year: %w", err)
	}
	isoWeek, err := strconv.Atoi(data["iso_week"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse iso_week: %w", err)
	}
	rec.ISOYear, rec.ISOWeek = isoYear, isoWeek

	rec.ActionDone, err = strconv.ParseBool(data["action_done"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse action_done: %w", err)
	}

	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return rec, nil
}
