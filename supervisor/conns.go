package supervisor

import (
	"net"
	"os"

	"github.com/opsdaemon/svcd/control"
	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/ondemand"
	"github.com/opsdaemon/svcd/svclog"
)

// handleControlReadiness accepts one pending connection per readiness
// event on the control socket, arms it for read readiness under its own
// connection tag, and re-arms the control socket watch so any further
// pending connection raises another event.
func (e *Engine) handleControlReadiness(ev engine.Event) {
	c, err := e.ctrl.AcceptOne()
	if err != nil {
		e.log.Warn("accept failed", svclog.KVErr(err))
	} else if c != nil {
		e.trackConn(c)
	}
	e.loop.RegisterFD(controlTag, mustFd(e.ctrl.Fd()))
}

func (e *Engine) trackConn(c *control.Conn) {
	e.mu.Lock()
	e.conns[c.ID.String()] = c
	e.mu.Unlock()
	fd, err := c.Fd()
	if err != nil {
		c.Close()
		return
	}
	e.loop.RegisterFD(engine.Tag{Kind: engine.KindConnection, Key: c.ID.String()}, fd)
}

// armCheckIn wraps the supervisor's end of a service_ipc/inet_compat
// job's check-in socketpair as an ordinary connection, pre-bound to the
// job's label, so CheckIn arriving on it goes through the same dispatch
// path as a client connection (§4.4's "the descriptor passed to it via
// the environment").
func (e *Engine) armCheckIn(j *job.Job, fd int) {
	f := os.NewFile(uintptr(fd), "checkin-parent")
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		return
	}
	c := control.NewConn(uc)
	c.BindLabel(j.Label())
	e.trackConn(c)
}

func (e *Engine) handleConnReadiness(ev engine.Event) {
	connID := ev.Tag.Key
	e.mu.Lock()
	c, ok := e.conns[connID]
	e.mu.Unlock()
	if !ok {
		return
	}

	fdev, _ := ev.Payload.(engine.FDEvent)
	if fdev.Err != nil {
		e.dropConn(connID, c)
		return
	}
	if fdev.Hangup {
		// The peer may have written its last request and closed the
		// write side in the same instant; drain whatever arrived before
		// tearing the connection down.
		e.drainPendingRequests(c)
		e.dropConn(connID, c)
		return
	}

	reqs, err := c.ReadFrame()
	if err != nil {
		e.dropConn(connID, c)
		return
	}
	for _, req := range reqs {
		reply := e.disp.Dispatch(c, req)
		if werr := c.WriteFrame(reply); werr != nil {
			e.dropConn(connID, c)
			return
		}
	}

	fd, err := c.Fd()
	if err != nil {
		e.dropConn(connID, c)
		return
	}
	e.loop.RegisterFD(ev.Tag, fd)
}

// drainPendingRequests handles the common "peer sent its last request and
// closed the write side in the same instant" pattern: read whatever
// frames arrived along with the EOF and answer them before the
// connection is torn down.
func (e *Engine) drainPendingRequests(c *control.Conn) {
	reqs, err := c.ReadFrame()
	if err != nil {
		return
	}
	for _, req := range reqs {
		reply := e.disp.Dispatch(c, req)
		_ = c.WriteFrame(reply)
	}
}

func (e *Engine) dropConn(connID string, c *control.Conn) {
	e.mu.Lock()
	delete(e.conns, connID)
	delete(e.batchDisablers, connID)
	e.mu.Unlock()
	e.loop.Unregister(engine.Tag{Kind: engine.KindConnection, Key: connID})
	c.Close()
	e.applyBatchSignal()
}

// handleOnDemandReadiness classifies a fired job-socket watch via package
// ondemand and either starts the job or, on a stale descriptor, simply
// re-arms the job's remaining watches (§4.5).
func (e *Engine) handleOnDemandReadiness(ev engine.Event) {
	label, slot, ok := ondemand.ParseTagKey(ev.Tag.Key)
	if !ok {
		return
	}
	j, err := e.reg.Get(label)
	if err != nil {
		return
	}
	fdev, _ := ev.Payload.(engine.FDEvent)
	switch ondemand.HandleReadiness(j, fdev, slot) {
	case ondemand.Start:
		_ = e.startJob(j, false)
	case ondemand.Stale:
		if j.State() == job.IdleWatching {
			ondemand.Arm(e.loop, j)
		}
	}
}

// handleDemandPort implements the main-thread half of §4.8: on a
// DemandPortPipe readiness, read the activated port identity, translate
// it to a job exactly as if it were a descriptor-readiness event, then
// re-arm the pipe for the next activation.
func (e *Engine) handleDemandPort(ev engine.Event) {
	if e.aux == nil {
		return
	}
	_, label, err := e.aux.ReadActivated()
	if err == nil {
		if j, gerr := e.reg.Get(label); gerr == nil {
			_ = e.startJob(j, false)
		}
	}
	e.aux.Arm(e.loop)
}
