package fs

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
)

const (
	// DBusInterface is the D-Bus interface name for share sync events.
	DBusInterface = "com.adobe.aemfs.SyncEvents"
	// DBusObjectPath is the D-Bus object path events are emitted from.
	DBusObjectPath = "/com/adobe/aemfs/SyncEvents"
)

// EventBroadcaster mirrors share events onto the D-Bus session bus so file
// managers and desktop tooling can show sync state without polling.
type EventBroadcaster struct {
	share *Share
	conn  *dbus.Conn

	mutex   sync.Mutex
	started bool
	done    chan struct{}
}

// NewEventBroadcaster returns an unstarted broadcaster for a share.
func NewEventBroadcaster(share *Share) *EventBroadcaster {
	return &EventBroadcaster{
		share: share,
		done:  make(chan struct{}),
	}
}

// Start connects to the session bus, exports the introspection data and
// begins relaying events. A missing session bus (headless machine) is not
// worth failing a mount over; callers may log the error and move on.
func (b *EventBroadcaster) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.started {
		return nil
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		return err
	}
	b.conn = conn

	node := &introspect.Node{
		Name: DBusObjectPath,
		Interfaces: []introspect.Interface{
			{
				Name: DBusInterface,
				Signals: []introspect.Signal{
					{
						Name: "SyncConflict",
						Args: []introspect.Arg{{Name: "path", Type: "s"}},
					},
					{
						Name: "SyncError",
						Args: []introspect.Arg{
							{Name: "path", Type: "s"},
							{Name: "method", Type: "s"},
							{Name: "status", Type: "i"},
						},
					},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), DBusObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		b.conn = nil
		return err
	}

	events := b.share.Events().Subscribe()
	go b.relay(events)

	b.started = true
	log.Info().Str("interface", DBusInterface).Msg("D-Bus event broadcaster started.")
	return nil
}

// relay forwards conflict and error events as D-Bus signals until the
// subscription closes.
func (b *EventBroadcaster) relay(events <-chan Event) {
	defer close(b.done)
	for event := range events {
		var err error
		switch event.Type {
		case EventSyncConflict:
			err = b.conn.Emit(DBusObjectPath, DBusInterface+".SyncConflict", event.Path)
		case EventSyncError:
			err = b.conn.Emit(DBusObjectPath, DBusInterface+".SyncError",
				event.Path, string(event.Method), int32(event.Status))
		default:
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("path", event.Path).Msg("Could not emit D-Bus signal.")
		}
	}
}

// Stop closes the bus connection. The relay goroutine exits when the share's
// event hub closes.
func (b *EventBroadcaster) Stop() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if !b.started {
		return
	}
	b.started = false
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not close D-Bus connection.")
		}
		b.conn = nil
	}
}
