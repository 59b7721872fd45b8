package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/registry"
)

func TestBeginShutdownIsIdempotent(t *testing.T) {
	e, _ := newTestEngine()
	e.beginShutdown()
	e.beginShutdown()
	assert.True(t, e.isShuttingDown())
}

func TestBeginShutdownFlipsOnDemandAndSignalsRunningChildren(t *testing.T) {
	e, reg := newTestEngine()
	idle := job.New(job.Config{Label: "com.example.idle", OnDemand: true})
	require.NoError(t, reg.Insert(idle))

	running := job.New(job.Config{Label: "com.example.running", Args: []string{"sleep", "5"}})
	require.NoError(t, reg.Insert(running))
	require.NoError(t, e.Start(running.Label()))

	e.beginShutdown()
	assert.False(t, idle.Config().OnDemand)
	assert.False(t, running.Config().OnDemand)

	waitPosted(t, e)
}

func TestCheckShutdownCompleteFalseUntilShuttingDown(t *testing.T) {
	e, _ := newTestEngine()
	assert.False(t, e.checkShutdownComplete())
}

func TestCheckShutdownCompleteFalseWhileChildrenRemain(t *testing.T) {
	e, _ := newTestEngine()
	e.beginShutdown()
	e.childCount = 1
	assert.False(t, e.checkShutdownComplete())
}

func TestCheckShutdownCompleteTrueForNonFirstProcessOnceDrained(t *testing.T) {
	e, _ := newTestEngine()
	e.beginShutdown()
	e.childCount = 0
	assert.True(t, e.checkShutdownComplete())
}

func TestCheckShutdownCompleteFirstProcessFiresPostShutdownOnceAndKeepsLooping(t *testing.T) {
	reg := registry.New()
	loop := engine.New(16)
	fired := 0
	e := New(reg, loop, nil, nil, Config{
		FirstProcess: true,
		PostShutdown: func() { fired++ },
	})
	e.beginShutdown()
	e.childCount = 0

	assert.False(t, e.checkShutdownComplete(), "first process never self-terminates the loop")
	assert.False(t, e.checkShutdownComplete())
	assert.Equal(t, 1, fired, "the platform hook fires exactly once")
}
