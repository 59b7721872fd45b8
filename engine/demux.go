// Package engine implements the supervisor's single-threaded event
// demultiplexer (§4.1). The original design owns one kernel event queue
// (kqueue) and dispatches by an opaque callback pointer; Go has no
// portable equivalent of kqueue's arbitrary-source multiplexing, so this
// realizes the same contract with one shared events channel fed by a
// goroutine per registered source. Every goroutine is cancellable via its
// own context, and RunOnce still dispatches exactly one event at a time
// on the caller's goroutine — the single-threaded mutation guarantee of
// §5 is therefore preserved: nothing touches job/registry state except
// the goroutine that calls RunOnce.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RunResult is RunOnce's outcome, mirroring the three-way return the
// spec describes for run_once: "timeout," "event," or "error."
type RunResult int

const (
	Timeout RunResult = iota
	Dispatched
	Errored
)

// Loop is the demultiplexer: one shared event channel, plus a
// registration table keyed by Tag so re-registration and unregistration
// are idempotent, per §4.1's contract.
type Loop struct {
	mu       sync.Mutex
	events   chan Event
	sources  map[Tag]context.CancelFunc
	closedMu sync.Mutex
	closed   bool
}

// New creates a demultiplexer with the given event buffer depth. A
// depth of a few dozen is plenty for a supervisor: sources post as
// events occur and RunOnce drains one at a time.
func New(buffer int) *Loop {
	return &Loop{
		events:  make(chan Event, buffer),
		sources: make(map[Tag]context.CancelFunc),
	}
}

// Post injects an event as though a registered source had fired. It is
// how subsystems whose sources Go cannot watch generically — a spawned
// child's exit, a signal relay, an fsnotify relay — feed the shared
// queue: each owns a small goroutine that blocks on its real primitive
// and calls Post when something happens.
func (l *Loop) Post(tag Tag, payload interface{}) {
	l.closedMu.Lock()
	closed := l.closed
	l.closedMu.Unlock()
	if closed {
		return
	}
	select {
	case l.events <- Event{Tag: tag, Payload: payload}:
	default:
		// The buffer is full, which only happens under extreme load;
		// block briefly rather than drop a state-changing event.
		l.events <- Event{Tag: tag, Payload: payload}
	}
}

// register records tag's cancel func, canceling whatever was previously
// registered under the same tag (re-registration updates in place, per
// §4.1).
func (l *Loop) register(tag Tag, cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.sources[tag]; ok {
		old()
	}
	l.sources[tag] = cancel
}

// Unregister cancels tag's source goroutine, if any; unregistering a tag
// that was never registered silently succeeds, per §4.1.
func (l *Loop) Unregister(tag Tag) {
	l.mu.Lock()
	cancel, ok := l.sources[tag]
	if ok {
		delete(l.sources, tag)
	}
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

// RegisteredCount reports how many sources are currently armed; tests
// use it to assert the per-job watch-count invariants of §8.
func (l *Loop) RegisteredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

// IsRegistered reports whether tag currently has an armed source.
func (l *Loop) IsRegistered(tag Tag) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sources[tag]
	return ok
}

// RegisterFD arms read-readiness watching on fd under tag. The watcher
// polls the raw descriptor and posts exactly once, then removes itself
// — on-demand activation (§4.5) re-arms by calling RegisterFD again
// after the job goes back to idle-watching, exactly as the spec
// describes listener watches being installed while idle and suspended
// while running.
func (l *Loop) RegisterFD(tag Tag, fd int) {
	ctx, cancel := context.WithCancel(context.Background())
	l.register(tag, cancel)
	go l.watchFD(ctx, tag, fd)
}

func (l *Loop) watchFD(ctx context.Context, tag Tag, fd int) {
	const pollTimeoutMS = 250
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.postAndDisarm(ctx, tag, FDEvent{FD: fd, Err: err})
			return
		}
		if n == 0 {
			continue
		}
		revents := fds[0].Revents
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			l.postAndDisarm(ctx, tag, FDEvent{FD: fd, Hangup: revents&unix.POLLHUP != 0})
			return
		}
	}
}

func (l *Loop) postAndDisarm(ctx context.Context, tag Tag, ev FDEvent) {
	select {
	case <-ctx.Done():
		return
	default:
	}
	l.mu.Lock()
	delete(l.sources, tag)
	l.mu.Unlock()
	l.Post(tag, ev)
}

// FDEvent is the payload posted by an fd-readiness watch.
type FDEvent struct {
	FD     int
	Hangup bool
	Err    error
}

// SignalEvent is the payload posted by a signal relay.
type SignalEvent struct {
	Num int
}

// RegisterSignal arms a relay from os/signal onto the shared queue under
// tag; ch is expected to already be subscribed via signal.Notify by the
// caller (svcd/main.go owns process-wide signal routing).
func (l *Loop) RegisterSignal(tag Tag, ch <-chan SignalEvent) {
	ctx, cancel := context.WithCancel(context.Background())
	l.register(tag, cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-ch:
				if !ok {
					return
				}
				l.Post(tag, s)
			}
		}
	}()
}

// RunOnce blocks until exactly one event is available or timeout
// elapses, matching §4.1's contract precisely: it dispatches exactly one
// event and returns which of the three outcomes occurred. Dispatch
// itself is the caller's job (supervisor.Engine.handle); RunOnce just
// hands back the Event via the out parameter.
func (l *Loop) RunOnce(timeout time.Duration, out *Event) RunResult {
	if timeout <= 0 {
		*out = <-l.events
		return Dispatched
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-l.events:
		*out = ev
		return Dispatched
	case <-t.C:
		return Timeout
	}
}

// Close stops accepting further Post calls; it does not cancel
// outstanding source goroutines (callers Unregister them individually
// during shutdown/remove, per §3's ownership rules).
func (l *Loop) Close() {
	l.closedMu.Lock()
	l.closed = true
	l.closedMu.Unlock()
}
