package supervisor

import (
	"sync/atomic"
	"syscall"

	"github.com/opsdaemon/svcd/job"
)

// beginShutdown implements §4.7: set the global shutdown flag, flip every
// registered job's on_demand attribute to false so no later exit re-arms
// idle-watching, and signal every currently running child with the stop
// signal. The event loop keeps running; checkShutdownComplete (called
// after every dispatched event) notices when the last child has exited.
func (e *Engine) beginShutdown() {
	if !atomic.CompareAndSwapInt32(&e.shuttingDown, 0, 1) {
		return
	}
	e.log.Info("shutdown initiated")
	for _, j := range e.reg.Jobs() {
		j.MutateConfig(func(c *job.Config) { c.OnDemand = false })
		if pid := j.Pid(); pid != 0 {
			_ = syscall.Kill(pid, stopSignal)
		}
	}
}

// checkShutdownComplete reports whether the event loop should exit: a
// shutdown is in progress, the supervisor is not the first process (which
// hands off to a platform-specific post-shutdown hook instead, §4.7), and
// the running-child count has reached zero.
func (e *Engine) checkShutdownComplete() bool {
	if !e.isShuttingDown() {
		return false
	}
	if atomic.LoadInt32(&e.childCount) > 0 {
		return false
	}
	if e.firstProcess {
		if atomic.CompareAndSwapInt32(&e.postShutdownDone, 0, 1) && e.postShutdown != nil {
			e.postShutdown()
		}
		return false
	}
	return true
}
