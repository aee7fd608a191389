package fs

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType enumerates the events a share emits.
type EventType string

const (
	// EventSyncConflict fires when a locally modified file turned out to be
	// stale remotely; the local copy is preserved.
	EventSyncConflict EventType = "syncconflict"
	// EventSyncError fires when a queued request exhausted its retry budget.
	EventSyncError EventType = "syncerror"
	// EventFolderList fires after a folder listing is assembled.
	EventFolderList EventType = "folderlist"
	// EventDownloadStart fires when a remote fetch begins.
	EventDownloadStart EventType = "downloadstart"
	// EventDownloadEnd fires when a remote fetch finishes.
	EventDownloadEnd EventType = "downloadend"
)

// Event is one occurrence on the share. Only the fields relevant to the type
// are set.
type Event struct {
	Type   EventType
	Path   string
	Method Method
	Status int
	Files  []string
}

// Events fans share events out to subscribers. Emission never blocks: a
// subscriber that stops draining its channel loses events rather than
// stalling the share.
type Events struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

// NewEvents returns an empty event hub.
func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers a new subscriber channel.
func (e *Events) Subscribe() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, 64)
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// Emit delivers an event to all subscribers.
func (e *Events) Emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
			log.Warn().Str("type", string(event.Type)).Str("path", event.Path).
				Msg("Subscriber not draining events, dropping.")
		}
	}
}

// Close shuts down all subscriber channels.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
