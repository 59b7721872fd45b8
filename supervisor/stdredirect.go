package supervisor

import (
	"fmt"
	"os"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/wire"
)

// redirectSlot is a stashed SetStdOut/SetStdErr path request waiting for a
// writable filesystem to become known (§4.6: "if string and a writable
// filesystem is not yet known, stash as pending"). On a per-user agent
// the filesystem is known from the start, so in practice this only ever
// holds a value transiently for the first-process supervisor during
// early boot.
type redirectSlot struct {
	path string
}

// pendingRedirectTag is the fixed engine.Tag the filesystem-change source
// fires under; there is only ever one such watch live at a time, matching
// §4.1's single global filesystem-change source.
var pendingRedirectTag = engine.Tag{Kind: engine.KindFilesystem, Key: "pending-redirect"}

// WatchPendingRedirects arms an fsnotify watch on dir — the directory the
// engine expects a stashed pending_stdout/pending_stderr path to appear
// writable under — and re-applies both slots on every filesystem event,
// per §3's "applied once the directory holding the path becomes
// writable." A nil error return with no active pending slot is a no-op
// watch that simply never fires anything interesting.
func (e *Engine) WatchPendingRedirects(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	e.mu.Lock()
	e.fsWatcher = w
	e.mu.Unlock()
	e.loop.RegisterFilesystem(pendingRedirectTag, w)
	return nil
}

func (e *Engine) handlePendingRedirectEvent(ev engine.Event) {
	fev, _ := ev.Payload.(engine.FilesystemEvent)
	if fev.Err != nil {
		e.log.Warn("pending redirect watch error")
		return
	}
	e.ApplyPendingRedirects()
}

// ApplyPendingRedirects flushes both pending slots against a now-known
// writable filesystem; called directly at boot (the filesystem holding
// the default log directory is usually already writable by then) and
// again by handlePendingRedirectEvent whenever the watched directory
// changes.
func (e *Engine) ApplyPendingRedirects() {
	e.mu.Lock()
	out, errSlot := e.pendingStdout, e.pendingStderr
	e.pendingStdout, e.pendingStderr = nil, nil
	e.mu.Unlock()
	if out != nil {
		if err := redirectFD(syscall.Stdout, out.path); err != nil {
			e.restashPending(&e.pendingStdout, out)
		}
	}
	if errSlot != nil {
		if err := redirectFD(syscall.Stderr, errSlot.path); err != nil {
			e.restashPending(&e.pendingStderr, errSlot)
		}
	}
}

func (e *Engine) restashPending(slot **redirectSlot, s *redirectSlot) {
	e.mu.Lock()
	*slot = s
	e.mu.Unlock()
}

func (e *Engine) setStdOut(payload wire.Value) error {
	return e.setStdStream(payload, syscall.Stdout, &e.pendingStdout)
}

func (e *Engine) setStdErr(payload wire.Value) error {
	return e.setStdStream(payload, syscall.Stderr, &e.pendingStderr)
}

func (e *Engine) setStdStream(payload wire.Value, targetFd int, slot **redirectSlot) error {
	switch payload.Kind {
	case wire.KindFD:
		return syscall.Dup2(payload.FD, targetFd)
	case wire.KindString:
		if payload.Str == "" {
			return fmt.Errorf("setstdstream: empty path")
		}
		if err := redirectFD(targetFd, payload.Str); err == nil {
			return nil
		}
		e.mu.Lock()
		*slot = &redirectSlot{path: payload.Str}
		e.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("setstdstream: unsupported payload kind %v", payload.Kind)
	}
}

func redirectFD(targetFd int, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return syscall.Dup2(int(f.Fd()), targetFd)
}
