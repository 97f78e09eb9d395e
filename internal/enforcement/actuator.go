package enforcement

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/policy"
)

// Actuator carries out a lockout action for a user.
type Actuator interface {
	Invoke(ctx context.Context, user string, sessionIDs []string, action policy.LockoutType) error
}

const (
	login1Dest    = "org.freedesktop.login1"
	login1Path    = dbus.ObjectPath("/org/freedesktop/login1")
	login1Manager = "org.freedesktop.login1.Manager"
)

// WallMessage is broadcast by the wall lockout action.
const WallMessage = "Your screen time is over. Please save your work and log out."

// Logind performs lockout actions through systemd-logind.
type Logind struct {
	conn   *dbus.Conn
	wall   string
	logger zerolog.Logger
}

// NewLogind connects to the system bus.
func NewLogind(logger zerolog.Logger) (*Logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Logind{
		conn:   conn,
		wall:   "wall",
		logger: logger.With().Str("component", "actuator").Logger(),
	}, nil
}

// Close releases the bus connection.
func (l *Logind) Close() error {
	return l.conn.Close()
}

func (l *Logind) call(ctx context.Context, method string, args ...any) error {
	obj := l.conn.Object(login1Dest, login1Path)
	return obj.CallWithContext(ctx, login1Manager+"."+method, 0, args...).Err
}

// Invoke implements Actuator.
func (l *Logind) Invoke(ctx context.Context, user string, sessionIDs []string, action policy.LockoutType) error {
	l.logger.Info().
		Str("user", user).
		Str("action", string(action)).
		Strs("sessions", sessionIDs).
		Msg("Invoking lockout action")

	switch action {
	case policy.LockoutLock, policy.LockoutTerminate:
		if len(sessionIDs) == 0 {
			return fmt.Errorf("no sessions to %s for %s", action, user)
		}
		method := "LockSession"
		if action == policy.LockoutTerminate {
			method = "TerminateSession"
		}
		var errs []error
		for _, id := range sessionIDs {
			if err := l.call(ctx, method, id); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", method, id, err))
			}
		}
		return errors.Join(errs...)
	case policy.LockoutSuspend:
		return l.call(ctx, "Suspend", false)
	case policy.LockoutShutdown:
		return l.call(ctx, "PowerOff", false)
	case policy.LockoutWall:
		out, err := exec.CommandContext(ctx, l.wall, WallMessage).CombinedOutput()
		if err != nil {
			return fmt.Errorf("wall failed: %w: %s", err, out)
		}
		return nil
	}
	return fmt.Errorf("unsupported lockout action %q", action)
}

// Invocation is one recorded call to a Recorder.
type Invocation struct {
	User       string
	SessionIDs []string
	Action     policy.LockoutType
}

// Recorder is an Actuator that only records what it was asked to do. It is
// used for dry runs and tests.
type Recorder struct {
	calls []Invocation
	err   error
	mu    sync.Mutex
}

// Invoke implements Actuator.
func (r *Recorder) Invoke(_ context.Context, user string, sessionIDs []string, action policy.LockoutType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Invocation{
		User:       user,
		SessionIDs: append([]string(nil), sessionIDs...),
		Action:     action,
	})
	return r.err
}

// SetError makes later invocations fail with err after being recorded.
func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Calls returns the recorded invocations.
func (r *Recorder) Calls() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invocation(nil), r.calls...)
}
