package engine

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// FilesystemEvent is the payload posted by a filesystem watch, carrying
// the underlying fsnotify event straight through so the handler can
// inspect Op/Name without this package needing to understand either.
type FilesystemEvent struct {
	Event fsnotify.Event
	Err   error
}

// RegisterFilesystem relays w's events onto the shared queue under tag,
// the single global "filesystem changed" source §4.1 describes: the
// supervisor has no notion of per-path watches at the event-loop layer,
// only one source per watcher that a caller (package supervisor) points
// at whatever directory it cares about (e.g. the one holding a pending
// stdout/stderr redirection path). w is not closed by Unregister; the
// caller owns w's lifetime.
func (l *Loop) RegisterFilesystem(tag Tag, w *fsnotify.Watcher) {
	ctx, cancel := context.WithCancel(context.Background())
	l.register(tag, cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				l.Post(tag, FilesystemEvent{Event: ev})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.Post(tag, FilesystemEvent{Err: err})
			}
		}
	}()
}
