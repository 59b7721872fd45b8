package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
)

func insertRunning(t *testing.T, e *Engine, cfg job.Config) *job.Job {
	t.Helper()
	j := job.New(cfg)
	require.NoError(t, e.reg.Insert(j))
	j.SetState(job.Running)
	j.SetPid(1)
	// Deliberately leave LastStart at its zero value: PrepareStart's
	// respawn-sleep throttle only triggers once a previous run is on
	// record, and these tests care about the post-reap decision tree,
	// not the throttle.
	e.childCount = 1
	return j
}

func postExit(e *Engine, j *job.Job, ev ExitEvent) {
	e.handleExit(engine.Event{Tag: engine.Tag{Kind: engine.KindJob, Key: j.Label()}, Payload: ev})
}

func TestHandleExitFirstbornBeginsShutdown(t *testing.T) {
	e, _ := newTestEngine()
	j := insertRunning(t, e, job.Config{Label: "com.example.first"})
	j.MarkFirstborn()

	postExit(e, j, ExitEvent{State: nil})
	assert.True(t, e.isShuttingDown())
	assert.Equal(t, job.Terminal, j.State())
}

func TestHandleExitRemovePendingIsNotRespawned(t *testing.T) {
	e, reg := newTestEngine()
	j := insertRunning(t, e, job.Config{Label: "com.example.removeme", Args: []string{"true"}})
	j.SetState(job.Terminal) // Remove already marked this job Terminal before the reap

	postExit(e, j, ExitEvent{State: nil})
	_, err := reg.Get(j.Label())
	assert.Error(t, err, "a Terminal job must be finished off, not respawned")
	assert.Equal(t, job.Terminal, j.State())
}

func TestHandleExitServiceIPCNotCheckedInIsRemoved(t *testing.T) {
	e, reg := newTestEngine()
	j := insertRunning(t, e, job.Config{Label: "com.example.ipc", ServiceIPC: true})

	postExit(e, j, ExitEvent{State: nil})
	_, err := reg.Get(j.Label())
	assert.Error(t, err)
}

func TestHandleExitServiceIPCCheckedInRestarts(t *testing.T) {
	e, reg := newTestEngine()
	j := insertRunning(t, e, job.Config{Label: "com.example.ipc2", ServiceIPC: true, Args: []string{"true"}})
	j.MarkCheckedIn()

	postExit(e, j, ExitEvent{State: nil})
	_, err := reg.Get(j.Label())
	assert.NoError(t, err, "a checked-in service_ipc job restarts instead of being removed")

	// The restart spawned a real child; drain its own exit event so the
	// watchExit goroutine doesn't leak past the test.
	var drain engine.Event
	e.loop.RunOnce(time.Second, &drain)
}

func TestHandleExitOverFailedExitsThresholdIsRemoved(t *testing.T) {
	e, reg := newTestEngine()
	j := insertRunning(t, e, job.Config{Label: "com.example.flapper"})
	for i := 0; i < job.MaxFailedExits-1; i++ {
		j.RecordExit(time.Millisecond, true)
	}

	postExit(e, j, ExitEvent{State: nil})
	_, err := reg.Get(j.Label())
	assert.Error(t, err)
}

func TestHandleExitOnDemandGoesIdle(t *testing.T) {
	e, reg := newTestEngine()
	j := insertRunning(t, e, job.Config{Label: "com.example.ondemand", OnDemand: true})

	postExit(e, j, ExitEvent{State: nil})
	got, err := reg.Get(j.Label())
	require.NoError(t, err)
	assert.Equal(t, job.IdleWatching, got.State())
}

func TestHandleExitDefaultRestarts(t *testing.T) {
	e, reg := newTestEngine()
	j := insertRunning(t, e, job.Config{Label: "com.example.restart", Args: []string{"true"}})

	postExit(e, j, ExitEvent{State: nil})
	got, err := reg.Get(j.Label())
	require.NoError(t, err)
	assert.Equal(t, job.Running, got.State())

	var drain engine.Event
	e.loop.RunOnce(time.Second, &drain)
}

func TestHandleExitUnknownLabelIsNoop(t *testing.T) {
	e, _ := newTestEngine()
	assert.NotPanics(t, func() {
		postExit(e, job.New(job.Config{Label: "never-inserted"}), ExitEvent{})
	})
}

func TestIsFailedExitNilStateIsFailed(t *testing.T) {
	assert.True(t, isFailedExit(nil))
}

func TestIsFailedExitCleanExitIsNotFailed(t *testing.T) {
	sp, err := job.Spawn(job.Config{Label: "com.example.clean", Args: []string{"true"}}, false, nil)
	require.NoError(t, err)
	require.NoError(t, sp.Cmd.Wait())
	assert.False(t, isFailedExit(sp.Cmd.ProcessState))
}

func TestIsFailedExitNonZeroExitIsFailed(t *testing.T) {
	sp, err := job.Spawn(job.Config{Label: "com.example.fail", Args: []string{"false"}}, false, nil)
	require.NoError(t, err)
	_ = sp.Cmd.Wait()
	assert.True(t, isFailedExit(sp.Cmd.ProcessState))
}
