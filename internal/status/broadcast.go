package status

import (
	"fmt"
	"os"
	"sync"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	dbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
)

const (
	DBusInterface       = "org.cloudmount.Daemon"
	DBusObjectPath      = "/org/cloudmount/Daemon"
	DBusServiceNameBase = "org.cloudmount.Daemon"
)

// Broadcaster owns the D-Bus session connection and exports the daemon's
// status as both a queryable method and a change signal. Update is the
// only mutation path; it emits DaemonStatusChanged exactly when the new
// tuple differs from the last one broadcast.
type Broadcaster struct {
	serviceName string

	mu       sync.Mutex
	conn     *dbus.Conn
	started  bool
	last     DaemonStatus
	haveLast bool
}

// NewBroadcaster constructs a Broadcaster. instance disambiguates the
// D-Bus service name when more than one cloudmount daemon runs on the
// same session bus (one per mountpoint).
func NewBroadcaster(instance string) *Broadcaster {
	if instance == "" {
		instance = fmt.Sprintf("pid%d", os.Getpid())
	}
	return &Broadcaster{serviceName: DBusServiceNameBase + "." + sanitizeInstance(instance)}
}

func sanitizeInstance(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Start connects to the session bus, claims the service name and exports
// the Daemon object and its introspection data.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		return cerrors.Wrap(err, "failed to connect to D-Bus session bus")
	}

	reply, err := conn.RequestName(b.serviceName, dbus.NameFlagAllowReplacement|dbus.NameFlagReplaceExisting|dbus.NameFlagDoNotQueue)
	if err != nil {
		return cerrors.Wrap(err, "failed to request D-Bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		log.Warn().Str("name", b.serviceName).Int("reply", int(reply)).
			Msg("not primary owner of D-Bus name, continuing anyway")
	}

	if err := conn.Export(b, DBusObjectPath, DBusInterface); err != nil {
		return cerrors.Wrap(err, "failed to export D-Bus object")
	}
	node := &introspect.Node{
		Name: DBusObjectPath,
		Interfaces: []introspect.Interface{
			{
				Name: DBusInterface,
				Methods: []introspect.Method{
					{Name: "GetStatus", Args: []introspect.Arg{{Name: "status", Type: "a{sv}", Direction: "out"}}},
				},
				Signals: []introspect.Signal{
					{Name: "DaemonStatusChanged", Args: []introspect.Arg{{Name: "status", Type: "a{sv}"}}},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), DBusObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return cerrors.Wrap(err, "failed to export D-Bus introspection data")
	}

	b.conn = conn
	b.started = true
	log.Info().Str("name", b.serviceName).Msg("D-Bus status broadcaster started")
	return nil
}

// Stop releases the service name and closes the connection.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.conn == nil {
		return
	}
	if _, err := b.conn.ReleaseName(b.serviceName); err != nil {
		log.Warn().Err(err).Msg("failed to release D-Bus name")
	}
	if err := b.conn.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close D-Bus connection")
	}
	b.conn = nil
	b.started = false
}

// Update folds status into the broadcaster's last-known value and emits
// DaemonStatusChanged only when it actually changed.
func (b *Broadcaster) Update(status DaemonStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haveLast && b.last == status {
		return
	}
	b.last = status
	b.haveLast = true

	if !b.started || b.conn == nil {
		return
	}
	if err := b.conn.Emit(DBusObjectPath, DBusInterface+".DaemonStatusChanged", statusToMap(status)); err != nil {
		log.Error().Err(err).Msg("failed to emit DaemonStatusChanged signal")
	}
}

// GetStatus is exported over D-Bus so clients can poll the current tuple
// without waiting for the next change signal.
func (b *Broadcaster) GetStatus() (map[string]dbus.Variant, *dbus.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return statusToMap(b.last), nil
}

func statusToMap(status DaemonStatus) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"IsAuthenticated": dbus.MakeVariant(status.IsAuthenticated),
		"IsConnected":     dbus.MakeVariant(status.IsConnected),
		"SyncStatus":      dbus.MakeVariant(string(status.SyncStatus)),
		"HasConflicts":    dbus.MakeVariant(status.HasConflicts),
		"IsMounted":       dbus.MakeVariant(status.IsMounted),
	}
}
