package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/registry"
)

func newTestEngine() (*Engine, *registry.Registry) {
	reg := registry.New()
	loop := engine.New(16)
	e := New(reg, loop, nil, nil, Config{})
	return e, reg
}

func TestNewBindsDispatcherHooks(t *testing.T) {
	e, reg := newTestEngine()
	require.NotNil(t, e.Dispatcher())

	j := job.New(job.Config{Label: "com.example.idle", OnDemand: true})
	require.NoError(t, reg.Insert(j))
	assert.Equal(t, job.IdleWatching, j.State())
}

func TestIsShuttingDownReflectsBeginShutdown(t *testing.T) {
	e, _ := newTestEngine()
	assert.False(t, e.isShuttingDown())
	e.beginShutdown()
	assert.True(t, e.isShuttingDown())
}

func TestHandleRoutesRestartTimerKind(t *testing.T) {
	e, _ := newTestEngine()
	// An unknown label is a silent no-op (the timer's job may have been
	// removed while the sleep was in flight); this just exercises handle's
	// KindRestartTimer routing without needing a live listener.
	ev := engine.Event{Tag: engine.Tag{Kind: engine.KindRestartTimer, Key: "nope"}}
	assert.NotPanics(t, func() { e.handle(ev) })
}

func TestHandleJobKindRoutesToExit(t *testing.T) {
	e, reg := newTestEngine()
	j := job.New(job.Config{Label: "com.example.exit"})
	j.SetPid(123)
	require.NoError(t, reg.Insert(j))
	e.childCount = 1

	ev := engine.Event{
		Tag:     engine.Tag{Kind: engine.KindJob, Key: "com.example.exit"},
		Payload: ExitEvent{},
	}
	e.handle(ev)
	assert.Equal(t, 0, j.Pid())
}
