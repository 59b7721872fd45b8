// Package supervisor wires the job registry, the control-channel
// transport, the on-demand activation package, and the event demultiplexer
// into the single "Engine" aggregate Design Notes §9 describes: no
// process-global state, everything reachable from one struct passed by
// reference into every handler.
package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsdaemon/svcd/control"
	"github.com/opsdaemon/svcd/demandport"
	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/platform"
	"github.com/opsdaemon/svcd/registry"
	"github.com/opsdaemon/svcd/svclog"
)

// idleExit is the §5 "a per-user agent with an empty registry exits after
// 30s idle" timeout. It is never applied when FirstProcess is set.
const idleExit = 30 * time.Second

// controlTag is the fixed engine.Tag the control socket's own accept
// readiness is registered under; per-job on-demand watches use the same
// Kind with a label#slot key (package ondemand), so "control" can never
// collide with a real job label's key.
var controlTag = engine.Tag{Kind: engine.KindListener, Key: "control"}

// Config are the construction-time parameters only svcd/main.go knows:
// whether this engine is the first process launched by the kernel (which
// changes idle-exit and shutdown behavior, §4.7, §5), the session-create
// hook for the platform this build targets, and the platform_init callout
// (§1) invoked once, only for the first process.
type Config struct {
	FirstProcess bool
	SessionHook  platform.SessionCreateHook
	PlatformInit func() error
	// PostShutdown is the platform-specific hook §4.7 hands control to
	// once the first process has reaped its last child during shutdown
	// (reboot/halt sequencing); nil is a valid no-op for builds with
	// nothing platform-specific to do.
	PostShutdown func()
	Log          *svclog.Logger
	// AdminCLI names the configuration-reader binary LaunchReadCfgChild
	// execs on startup and again on every SIGHUP (§6); empty disables
	// configuration-file ingestion entirely.
	AdminCLI string
}

// Engine is the aggregate of Design Notes §9: the registry, the event
// loop, the control listener, the live connection set, the pending
// stdout/stderr redirection slots, the batch-disable set, and the running
// child count, all reachable from this one struct.
type Engine struct {
	reg  *registry.Registry
	loop *engine.Loop
	ctrl *control.Listener
	disp *control.Dispatcher
	aux  *demandport.Aux
	log  *svclog.Logger

	firstProcess bool
	sessionHook  platform.SessionCreateHook
	platformInit func() error
	postShutdown func()
	adminCLI     string

	mu             sync.Mutex
	conns          map[string]*control.Conn
	batchDisablers map[string]struct{}
	pendingStdout  *redirectSlot
	pendingStderr  *redirectSlot
	fsWatcher      *fsnotify.Watcher

	shuttingDown     int32 // atomic bool
	childCount       int32 // atomic; running children: incremented per spawn, decremented per reap
	postShutdownDone int32 // atomic bool
}

// New builds an Engine bound to reg and ctrl, with loop as its event
// demultiplexer and aux as the optional demand-port auxiliary thread
// (nil when the platform build has no notification-port equivalent to
// bridge in).
func New(reg *registry.Registry, loop *engine.Loop, ctrl *control.Listener, aux *demandport.Aux, cfg Config) *Engine {
	e := &Engine{
		reg:            reg,
		loop:           loop,
		ctrl:           ctrl,
		aux:            aux,
		log:            cfg.Log,
		firstProcess:   cfg.FirstProcess,
		sessionHook:    cfg.SessionHook,
		platformInit:   cfg.PlatformInit,
		postShutdown:   cfg.PostShutdown,
		adminCLI:       cfg.AdminCLI,
		conns:          make(map[string]*control.Conn),
		batchDisablers: make(map[string]struct{}),
	}
	if e.log == nil {
		e.log = svclog.NewDiscard()
	}
	if e.sessionHook == nil {
		e.sessionHook = platform.DefaultSessionCreateHook
	}
	e.disp = control.NewDispatcher(reg, control.Hooks{
		Start:            e.Start,
		Stop:             e.Stop,
		Remove:           e.Remove,
		Shutdown:         e.beginShutdown,
		SetBatchDisabled: e.setBatchDisabled,
		BatchEnabled:     e.batchEnabled,
		ReloadTTYs:       e.reloadTTYs,
		SetStdOut:        e.setStdOut,
		SetStdErr:        e.setStdErr,
		SetLogMask:       e.setLogMask,
		GetLogMask:       e.getLogMask,
	})
	return e
}

// Dispatcher exposes the bound command dispatcher, for tests and for
// svcd/main.go's bootstrap-env convenience commands that call straight
// into it without going through the wire transport.
func (e *Engine) Dispatcher() *control.Dispatcher { return e.disp }

func (e *Engine) isShuttingDown() bool { return atomic.LoadInt32(&e.shuttingDown) != 0 }

// Run is the main event loop: arm the control listener (and the
// demand-port pipe, if present), then dispatch events one at a time
// forever, applying the idle-exit timeout of §5 when this is a per-user
// agent with nothing registered. It returns when shutdown completes or a
// fatal transport error occurs.
func (e *Engine) Run() error {
	if e.firstProcess && e.platformInit != nil {
		if err := e.platformInit(); err != nil {
			return err
		}
	}
	e.loop.RegisterFD(controlTag, mustFd(e.ctrl.Fd()))
	if e.aux != nil {
		e.aux.Arm(e.loop)
	}

	var ev engine.Event
	for {
		timeout := time.Duration(0)
		if !e.firstProcess && e.reg.Len() == 0 && !e.isShuttingDown() {
			timeout = idleExit
		}
		switch e.loop.RunOnce(timeout, &ev) {
		case engine.Timeout:
			if !e.firstProcess && e.reg.Len() == 0 {
				e.log.Info("idle timeout, exiting")
				return nil
			}
		case engine.Dispatched:
			e.handle(ev)
			if done := e.checkShutdownComplete(); done {
				return nil
			}
		case engine.Errored:
			return nil
		}
	}
}

func mustFd(fd int, err error) int {
	if err != nil {
		return -1
	}
	return fd
}

func (e *Engine) handle(ev engine.Event) {
	switch ev.Tag.Kind {
	case engine.KindListener:
		if ev.Tag.Key == controlTag.Key {
			e.handleControlReadiness(ev)
			return
		}
		e.handleOnDemandReadiness(ev)
	case engine.KindConnection:
		e.handleConnReadiness(ev)
	case engine.KindJob:
		e.handleExit(ev)
	case engine.KindRestartTimer:
		e.handleRestartTimer(ev)
	case engine.KindDemandPortPipe:
		e.handleDemandPort(ev)
	case engine.KindFilesystem:
		e.handlePendingRedirectEvent(ev)
	case engine.KindReadCfgChild:
		e.handleReadCfgChild(ev)
	case engine.KindSignal:
		e.handleSignal(ev)
	}
}

// Close releases resources Run doesn't own a natural point to release
// itself — currently just the fsnotify watcher WatchPendingRedirects may
// have armed. Safe to call even if WatchPendingRedirects was never
// called.
func (e *Engine) Close() {
	e.mu.Lock()
	w := e.fsWatcher
	e.fsWatcher = nil
	e.mu.Unlock()
	if w != nil {
		w.Close()
	}
}
