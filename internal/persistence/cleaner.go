package persistence

import (
	"context"
	"time"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Cleaner removes runtime records older than the retention period.
type Cleaner struct {
	store     storage.RuntimeStore
	retention time.Duration
	interval  time.Duration
	clock     clockwork.Clock
	logger    zerolog.Logger
	stopChan  chan struct{}
	done      chan struct{}
}

// NewCleaner creates a retention cleaner that runs every interval.
func NewCleaner(store storage.RuntimeStore, retention, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Cleaner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cleaner{
		store:     store,
		retention: retention,
		interval:  interval,
		clock:     clock,
		logger:    logger.With().Str("component", "retention").Logger(),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the cleanup loop.
func (c *Cleaner) Start() {
	go c.run()
	c.logger.Info().
		Dur("retention", c.retention).
		Dur("interval", c.interval).
		Msg("Retention cleaner started")
}

// Stop stops the cleanup loop and waits for it to exit.
func (c *Cleaner) Stop() {
	close(c.stopChan)
	<-c.done
	c.logger.Info().Msg("Retention cleaner stopped")
}

func (c *Cleaner) run() {
	defer close(c.done)
	for {
		select {
		case <-c.clock.After(c.interval):
			c.Cleanup(context.Background())
		case <-c.stopChan:
			return
		}
	}
}

// Cleanup deletes records dated before now minus the retention period.
func (c *Cleaner) Cleanup(ctx context.Context) int {
	cutoff := c.clock.Now().Add(-c.retention).Format(storage.DateLayout)
	n, err := c.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error().Err(err).Str("cutoff_date", cutoff).Msg("Failed to clean up old runtime records")
		return 0
	}
	metrics.RecordsExpired.Add(float64(n))
	c.logger.Info().
		Int("records_deleted", n).
		Str("cutoff_date", cutoff).
		Msg("Old runtime records cleaned up")
	return n
}
