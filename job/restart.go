package job

import (
	"syscall"
	"time"
)

// Restart/flap policy constants (§4.4 "Restart/flap policy").
const (
	// RewardThreshold: a run lasting longer than this earns the job a
	// clean slate — the failed-exits counter resets on the next start.
	RewardThreshold = 60 * time.Second
	// MinRun: a non-on-demand job whose previous run was shorter than
	// this, with at least one prior failed exit, sleeps before its next
	// exec to throttle the respawn loop.
	MinRun = 10 * time.Second
	// MaxFailedExits: the job is removed after this many consecutive
	// failed exits.
	MaxFailedExits = 10
)

// IsFailedExit implements §4.4's definition: "exit with a non-zero
// status, or termination by a signal other than the stop signal or
// kill."
func IsFailedExit(signaled bool, exitCode int, sig, stopSignal syscall.Signal) bool {
	if signaled {
		return sig != stopSignal && sig != syscall.SIGKILL
	}
	return exitCode != 0
}

// PrepareStart applies the reward/penalty decision described in §4.4 and
// resolves the Open Question in §9 exactly as specified: a run of at
// least MinRun but no more than RewardThreshold, with a prior failed
// exit, gets neither a counter reset nor a throttling sleep. It records
// now as the new LastStart and returns how long the child should sleep
// before exec (zero if no throttling applies).
func (j *Job) PrepareStart(now time.Time) time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()

	var sleep time.Duration
	if !j.rt.LastStart.IsZero() {
		ranFor := j.lastRunDuration
		switch {
		case ranFor > RewardThreshold:
			j.rt.FailedExits = 0
		case ranFor < MinRun && j.rt.FailedExits > 0 && !j.cfg.OnDemand:
			sleep = MinRun - ranFor
		}
	}
	j.rt.LastStart = now
	return sleep
}

// RecordExit updates the failed-exits counter for an exit that ran for
// ranFor and was (or wasn't) a failed exit per IsFailedExit, and reports
// whether the job has now crossed the removal threshold.
func (j *Job) RecordExit(ranFor time.Duration, failed bool) (shouldRemove bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastRunDuration = ranFor
	if failed {
		j.rt.FailedExits++
	}
	return j.rt.FailedExits >= MaxFailedExits
}

func (j *Job) FailedExits() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rt.FailedExits
}
