package supervisor

import (
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/ondemand"
	"github.com/opsdaemon/svcd/svclog"
)

// stopSignal is what StopJob, RemoveJob, and Shutdown deliver to a
// running child, and the signal §4.4's failed-exit rule exempts ("a
// signal other than the stop signal or kill").
const stopSignal = syscall.SIGTERM

// Start implements the §4.4 StartJob command and the submit-time
// immediate-start transition (the dispatcher calls it after submitting a
// job that is not on_demand): a concurrent-start guard makes it a no-op
// on an already-Running job, otherwise it applies the restart/flap
// decision and either spawns now or schedules a delayed respawn.
func (e *Engine) Start(label string) error {
	j, err := e.reg.Get(label)
	if err != nil {
		return err
	}
	return e.startJob(j, false)
}

// StartFirstborn is Start's counterpart for the one job svcd/main.go execs
// directly from its own argv (§2, §6): it marks the job firstborn on
// spawn, which job.Spawn places into its own process group for and
// handleExit later reads back to decide that this job's exit begins
// shutdown rather than a restart.
func (e *Engine) StartFirstborn(label string) error {
	j, err := e.reg.Get(label)
	if err != nil {
		return err
	}
	return e.startJob(j, true)
}

func (e *Engine) startJob(j *job.Job, firstborn bool) error {
	if j.IsRunning() {
		return nil
	}
	if j.State() == job.IdleWatching {
		ondemand.Disarm(e.loop, j)
	}
	sleep := j.PrepareStart(time.Now())
	if sleep > 0 {
		e.scheduleDelayedStart(j, sleep)
		return nil
	}
	return e.spawnNow(j, firstborn)
}

// scheduleDelayedStart implements the respawn-sleep throttle of §4.4
// without blocking the event-loop goroutine: a short-lived goroutine
// sleeps, then posts a KindRestartTimer event so the actual spawn still
// happens only on the single event-loop goroutine, preserving §5's
// no-reentrant-mutation guarantee. This plays the role the original
// fills by sleeping inside the freshly forked child before exec, which
// Go's os/exec gives no way to express directly.
func (e *Engine) scheduleDelayedStart(j *job.Job, sleep time.Duration) {
	label := j.Label()
	go func() {
		time.Sleep(sleep)
		e.loop.Post(engine.Tag{Kind: engine.KindRestartTimer, Key: label}, nil)
	}()
}

func (e *Engine) handleRestartTimer(ev engine.Event) {
	j, err := e.reg.Get(ev.Tag.Key)
	if err != nil {
		return
	}
	if err := e.spawnNow(j, false); err != nil {
		e.log.Error("delayed respawn failed", svclog.KV("label", j.Label()), svclog.KVErr(err))
	}
}

func (e *Engine) spawnNow(j *job.Job, firstborn bool) error {
	cfg := j.Config()
	sp, err := job.Spawn(cfg, firstborn, e.sessionHook)
	if err != nil {
		e.log.Error("spawn failed", svclog.KV("label", cfg.Label), svclog.KVErr(err))
		return err
	}
	j.SetPid(sp.Cmd.Process.Pid)
	j.SetState(job.Running)
	if firstborn {
		j.MarkFirstborn()
	}
	atomic.AddInt32(&e.childCount, 1)
	if sp.CheckInFD >= 0 {
		e.armCheckIn(j, sp.CheckInFD)
	}
	go e.watchExit(j, sp.Cmd)
	return nil
}

// Stop implements StopJob: deliver the stop signal to a running child and
// return immediately; the reap happens later, asynchronously (§5).
func (e *Engine) Stop(label string) error {
	j, err := e.reg.Get(label)
	if err != nil {
		return err
	}
	pid := j.Pid()
	if pid == 0 {
		return nil
	}
	return syscall.Kill(pid, stopSignal)
}

// Remove implements RemoveJob: stop the child if running, mark the job
// Terminal; the record is freed once the exit handler observes the
// Terminal state during post-reap cleanup.
func (e *Engine) Remove(label string) error {
	j, err := e.reg.Get(label)
	if err != nil {
		return err
	}
	j.SetState(job.Terminal)
	if j.IsRunning() {
		return e.Stop(label)
	}
	e.finishRemoval(j)
	return nil
}

// finishRemoval unregisters every event source a job might own, closes
// every descriptor it owns, and drops it from the registry, per §4.3's
// "removal unregisters all of the job's event sources, closes all owned
// descriptors, and frees the record" and §8's "after remove(L), no event
// watch references L."
func (e *Engine) finishRemoval(j *job.Job) {
	ondemand.Disarm(e.loop, j)
	e.loop.Unregister(engine.Tag{Kind: engine.KindJob, Key: j.Label()})
	for _, s := range j.Config().Sockets {
		if s.Valid && s.FD >= 0 {
			syscall.Close(s.FD)
		}
	}
	_, _ = e.reg.Remove(j.Label())
}

func (e *Engine) reloadTTYs() error {
	// No portable update_ttys equivalent exists on this platform; the
	// command still succeeds, matching the original's "best-effort,
	// never fatal" treatment of platform hooks it cannot perform.
	return nil
}

// setLogMask/getLogMask implement SetLogMask/GetLogMask against the
// supervisor's real logger: the mask is the logger's level (svclog's own
// Level values are already the small contiguous integers SetLogMask's
// wire protocol expects), so gating actually changes what e.log writes
// instead of tracking a disconnected counter.
func (e *Engine) setLogMask(mask int32) (int32, error) {
	prev, err := e.log.SetLevelSwap(svclog.Level(mask))
	return int32(prev), err
}

func (e *Engine) getLogMask() int32 {
	return int32(e.log.Level())
}

func (e *Engine) setBatchDisabled(connID string, off bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if off {
		e.batchDisablers[connID] = struct{}{}
	} else {
		delete(e.batchDisablers, connID)
	}
	e.applyBatchSignal()
}

func (e *Engine) batchEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batchDisablers) == 0
}

// applyBatchSignal implements §4.6's BatchControl side effect: while any
// connection holds batch disabled, the "batch helper" job is stopped with
// STOP; when the last disabler releases, it is resumed with CONT. The
// batch helper is identified by label convention, since the spec names no
// dedicated job-config field for it. Callers need not hold e.mu: every
// caller runs on the single event-loop goroutine, and this only reads
// e.batchDisablers' length, which is never mutated concurrently with it.
const batchHelperLabel = "com.svcd.batch"

func (e *Engine) applyBatchSignal() {
	j, err := e.reg.Get(batchHelperLabel)
	if err != nil {
		return
	}
	pid := j.Pid()
	if pid == 0 {
		return
	}
	if len(e.batchDisablers) > 0 {
		_ = syscall.Kill(pid, syscall.SIGSTOP)
	} else {
		_ = syscall.Kill(pid, syscall.SIGCONT)
	}
}

