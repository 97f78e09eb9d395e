// Package persistence saves and restores runtime state.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/usage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// FlushTimeout bounds the final save on shutdown.
const FlushTimeout = 5 * time.Second

// Engine is the part of the accounting engine the manager works with.
type Engine interface {
	Snapshot() []usage.UserSnapshot
	MarkSaved(username string, version uint64)
	Restore(rec storage.RuntimeRecord) error
	MarkReady()
}

// Manager writes dirty runtime state on an interval, on request and on
// shutdown.
type Manager struct {
	store    storage.RuntimeStore
	engine   Engine
	clock    clockwork.Clock
	interval time.Duration
	kick     chan struct{}
	logger   zerolog.Logger
}

// NewManager creates a persistence manager.
func NewManager(store storage.RuntimeStore, engine Engine, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		store:    store,
		engine:   engine,
		clock:    clock,
		interval: interval,
		kick:     make(chan struct{}, 1),
		logger:   logger.With().Str("component", "persistence").Logger(),
	}
}

// Restore loads the latest record of every user and marks the engine
// ready. Records that cannot be read leave the user with fresh counters.
func (m *Manager) Restore(ctx context.Context, users []string) int {
	restored := 0
	for _, user := range users {
		rec, err := m.store.Latest(ctx, user)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Error().Err(err).Str("user", user).Msg("Failed to load runtime state")
			continue
		}
		if err := m.engine.Restore(*rec); err != nil {
			m.logger.Warn().Err(err).Str("user", user).Msg("Failed to restore runtime state")
			continue
		}
		restored++
	}
	m.engine.MarkReady()
	m.logger.Info().Int("users", restored).Msg("Runtime state restored")
	return restored
}

// Kick requests a save soon. It never blocks.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Save writes every dirty user. Failed users stay dirty and are retried
// on the next save.
func (m *Manager) Save(ctx context.Context) error {
	var errs []error
	now := m.clock.Now()
	for _, snap := range m.engine.Snapshot() {
		if !snap.Dirty {
			continue
		}
		if err := m.store.Put(ctx, snap.Record(now)); err != nil {
			metrics.PersistenceWrites.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("failed to save %s: %w", snap.Username, err))
			continue
		}
		metrics.PersistenceWrites.WithLabelValues("ok").Inc()
		m.engine.MarkSaved(snap.Username, snap.Version)
	}
	return errors.Join(errs...)
}

// Run saves on every interval and on every kick until ctx is done, then
// flushes once more.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.Flush()
		case <-ticker.Chan():
		case <-m.kick:
		}
		if err := m.Save(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Failed to save runtime state")
		}
	}
}

// Flush saves outstanding state with a fresh deadline.
func (m *Manager) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), FlushTimeout)
	defer cancel()
	if err := m.Save(ctx); err != nil {
		return fmt.Errorf("failed to flush runtime state: %w", err)
	}
	m.logger.Info().Msg("Runtime state flushed")
	return nil
}
