package supervisor

import (
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/ondemand"
	"github.com/opsdaemon/svcd/svclog"
)

// ExitEvent is the payload posted when a spawned child is reaped. There is
// no portable NOTE_EXIT-style kernel source to watch the way the engine
// package's generic fd/signal sources do, so each spawned child gets its
// own goroutine blocked in cmd.Wait() — the same shape
// gravwell-gravwell/manager/process.go uses for its exitCh relay.
type ExitEvent struct {
	State *os.ProcessState
}

func (e *Engine) watchExit(j *job.Job, cmd *exec.Cmd) {
	_ = cmd.Wait()
	e.loop.Post(engine.Tag{Kind: engine.KindJob, Key: j.Label()}, ExitEvent{State: cmd.ProcessState})
}

// handleExit implements §4.4's post-reap decision tree exactly: firstborn
// triggers shutdown; a service_ipc job that never checked in is removed;
// a job over the consecutive-failed-exits threshold is removed; an
// on_demand job goes back to Idle-watching with its listeners re-armed;
// anything else restarts, subject to the reward/penalty policy in
// job.PrepareStart/RecordExit.
func (e *Engine) handleExit(ev engine.Event) {
	label := ev.Tag.Key
	j, err := e.reg.Get(label)
	if err != nil {
		return
	}
	prevState := j.State()
	j.SetState(job.Reaping)
	j.SetPid(0)
	atomic.AddInt32(&e.childCount, -1)

	exitEv, _ := ev.Payload.(ExitEvent)
	ranFor := time.Since(j.Runtime().LastStart)
	failed := isFailedExit(exitEv.State)
	cfg := j.Config()

	e.log.Info("job exited", svclog.KV("label", label), svclog.KV("failed", failed), svclog.KV("ran_for", ranFor.String()))

	switch {
	case prevState == job.Terminal:
		// RemoveJob already set Terminal and signaled the child before
		// this reap (§4.4: "remove → stop if running, then Terminal;
		// freed after reap"); finish the removal instead of restarting.
		e.finishRemoval(j)
	case j.IsFirstborn():
		j.SetState(job.Terminal)
		e.beginShutdown()
	case cfg.ServiceIPC && !j.CheckedIn():
		j.SetState(job.Terminal)
		e.finishRemoval(j)
	case j.RecordExit(ranFor, failed):
		j.SetState(job.Terminal)
		e.finishRemoval(j)
	case cfg.OnDemand:
		j.SetState(job.IdleWatching)
		ondemand.Arm(e.loop, j)
	default:
		if err := e.startJob(j, false); err != nil {
			j.SetState(job.Terminal)
			e.finishRemoval(j)
		}
	}
}

// isFailedExit derives the signaled/exit-code facts job.IsFailedExit
// needs from the raw os.ProcessState Wait() hands back.
func isFailedExit(state *os.ProcessState) bool {
	if state == nil {
		return true
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return state.ExitCode() != 0
	}
	if ws.Signaled() {
		return job.IsFailedExit(true, 0, ws.Signal(), stopSignal)
	}
	return job.IsFailedExit(false, ws.ExitStatus(), 0, stopSignal)
}
