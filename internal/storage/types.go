package storage

import (
	"fmt"
	"time"
)

// Layouts of the period keys of a RuntimeRecord.
const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

// RuntimeRecord is the persisted runtime state of one user for one day.
// Counters are whole seconds.
type RuntimeRecord struct {
	Username          string    `json:"username"`
	Date              string    `json:"date"`
	ISOYear           int       `json:"iso_year"`
	ISOWeek           int       `json:"iso_week"`
	Month             string    `json:"month"`
	RemainingDay      int64     `json:"remaining_day"`
	RemainingWeek     int64     `json:"remaining_week"`
	RemainingMonth    int64     `json:"remaining_month"`
	RemainingPlayTime int64     `json:"remaining_playtime"`
	Stage             string    `json:"stage"`
	ActionDone        bool      `json:"action_done"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SetPeriod fills the period keys from t.
func (r *RuntimeRecord) SetPeriod(t time.Time) {
	r.Date = t.Format(DateLayout)
	r.ISOYear, r.ISOWeek = t.ISOWeek()
	r.Month = t.Format(MonthLayout)
}

// Validate checks that the record can be keyed.
func (r RuntimeRecord) Validate() error {
	if r.Username == "" {
		return fmt.Errorf("runtime record has no username")
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("runtime record has invalid date %q: %w", r.Date, err)
	}
	return nil
}
