package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	// Interface is the D-Bus interface events are emitted on.
	Interface = "com.ktime.user"
	basePath  = "/com/ktime/user/"
)

// DBus emits events as signals on the system bus. Each user has its own
// object path so clients can subscribe to their own events only.
type DBus struct {
	conn *dbus.Conn
}

// NewDBus connects to the system bus.
func NewDBus() (*DBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &DBus{conn: conn}, nil
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	return d.conn.Close()
}

// Publish implements Publisher. Signals carry remaining seconds, PlayTime
// remaining seconds, the critical level and a message.
func (d *DBus) Publish(ctx context.Context, user string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.conn.Emit(
		UserPath(user),
		Interface+"."+ev.Kind.String(),
		int64(ev.Remaining.Seconds()),
		int64(ev.PlayTimeRemaining.Seconds()),
		ev.Level,
		ev.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to emit %s for %s: %w", ev.Kind, user, err)
	}
	return nil
}

// UserPath returns the object path for user. Bytes outside [A-Za-z0-9]
// are escaped as _xx.
func UserPath(user string) dbus.ObjectPath {
	var b strings.Builder
	b.WriteString(basePath)
	for i := 0; i < len(user); i++ {
		c := user[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return dbus.ObjectPath(b.String())
}
