package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
)

// LogindConfig selects which sessions and users are observed.
type LogindConfig struct {
	// ControlledTypes lists session types that are tracked (x11, wayland, tty ...).
	// Empty tracks every type.
	ControlledTypes []string
	// ExcludedTypes lists session types that are never tracked.
	ExcludedTypes []string
	// ExcludedUsers lists users that are never tracked.
	ExcludedUsers []string
	// FullCommandLine matches activities against the whole command line
	// instead of the process name.
	FullCommandLine bool
}

// Logind observes sessions through systemd-logind and processes through
// the process table.
type Logind struct {
	conn   *login1.Conn
	cfg    LogindConfig
	logger zerolog.Logger
}

// NewLogind connects to systemd-logind on the system bus.
func NewLogind(cfg LogindConfig, logger zerolog.Logger) (*Logind, error) {
	conn, err := login1.New()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to logind: %w", err)
	}
	return &Logind{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("component", "session-observer").Logger(),
	}, nil
}

// Close releases the bus connection.
func (l *Logind) Close() {
	l.conn.Close()
}

// Snapshot implements Observer.
func (l *Logind) Snapshot(ctx context.Context) (Snapshot, error) {
	sessions, err := l.conn.ListSessionsContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list sessions: %w", err)
	}

	snap := NewSnapshot()
	for _, s := range sessions {
		if slices.Contains(l.cfg.ExcludedUsers, s.User) {
			continue
		}
		props, err := l.conn.GetSessionPropertiesContext(ctx, s.Path)
		if err != nil {
			snap.Errors[s.User] = fmt.Errorf("session %s: %w", s.ID, err)
			continue
		}
		if stringProp(props, "Class") != "user" || !l.controlled(stringProp(props, "Type")) {
			continue
		}
		snap.AddSession(s.User, s.ID, stateFromProperties(props))
	}

	if len(snap.Sessions) > 0 {
		if err := l.collectProcesses(ctx, snap); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to read process table")
		}
	}

	return snap, nil
}

func (l *Logind) controlled(sessionType string) bool {
	if slices.Contains(l.cfg.ExcludedTypes, sessionType) {
		return false
	}
	return len(l.cfg.ControlledTypes) == 0 || slices.Contains(l.cfg.ControlledTypes, sessionType)
}

func (l *Logind) collectProcesses(ctx context.Context, snap Snapshot) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		user, err := p.UsernameWithContext(ctx)
		if err != nil {
			continue
		}
		if _, tracked := snap.Sessions[user]; !tracked {
			continue
		}
		var ident string
		if l.cfg.FullCommandLine {
			ident, err = p.CmdlineWithContext(ctx)
		} else {
			ident, err = p.NameWithContext(ctx)
		}
		if err != nil || ident == "" {
			continue
		}
		snap.Processes[user] = append(snap.Processes[user], ident)
	}
	return nil
}

func stateFromProperties(props map[string]dbus.Variant) State {
	switch {
	case boolProp(props, "LockedHint"):
		return Locked
	case !boolProp(props, "Active"), boolProp(props, "IdleHint"):
		return Idle
	default:
		return Active
	}
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
