// Package notify delivers engine events to desktop clients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind is the type of an event.
type Kind int

const (
	TimeLeft Kind = iota
	TimeLimitsChanged
	TimeLeftCritical
	TimeUnlimited
	TimeLeftChanged
	ConfigurationChanged
)

func (k Kind) String() string {
	switch k {
	case TimeLeft:
		return "TimeLeft"
	case TimeLimitsChanged:
		return "TimeLimitsChanged"
	case TimeLeftCritical:
		return "TimeLeftCritical"
	case TimeUnlimited:
		return "TimeUnlimited"
	case TimeLeftChanged:
		return "TimeLeftChanged"
	case ConfigurationChanged:
		return "ConfigurationChanged"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one notification for a user.
type Event struct {
	Kind              Kind
	Remaining         time.Duration
	PlayTimeRemaining time.Duration
	// Level is the critical level name for TimeLeftCritical events.
	Level   string
	Message string
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, user string, ev Event) error
}

// Log writes events to a zerolog logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a publisher that logs every event.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

// Publish implements Publisher.
func (l *Log) Publish(_ context.Context, user string, ev Event) error {
	e := l.logger.Debug()
	if ev.Kind == TimeLeftCritical {
		e = l.logger.Info()
	}
	e.Str("user", user).
		Str("kind", ev.Kind.String()).
		Dur("remaining", ev.Remaining).
		Dur("playtime_remaining", ev.PlayTimeRemaining).
		Str("level", ev.Level).
		Msg(ev.Message)
	return nil
}

// Multi fans an event out to several publishers.
type Multi []Publisher

// Publish implements Publisher. Every publisher is tried; errors are joined.
func (m Multi) Publish(ctx context.Context, user string, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, user, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sent is one event captured by a Recorder.
type Sent struct {
	User  string
	Event Event
}

// Recorder keeps published events in memory.
type Recorder struct {
	sent []Sent
	err  error
	mu   sync.Mutex
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, user string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{User: user, Event: ev})
	return r.err
}

// SetError makes later calls fail after recording.
func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Events returns the events sent to user, in order.
func (r *Recorder) Events(user string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, s := range r.sent {
		if s.User == user {
			out = append(out, s.Event)
		}
	}
	return out
}

// Kinds returns the kinds of the events sent to user, in order.
func (r *Recorder) Kinds(user string) []Kind {
	var out []Kind
	for _, ev := range r.Events(user) {
		out = append(out, ev.Kind)
	}
	return out
}
