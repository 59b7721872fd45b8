package demandport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdaemon/svcd/engine"
)

func TestNotifyUnregisteredPortFails(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.Notify(ID(42)))
}

func TestRegisterNotifyReadActivated(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Close()

	a.Register(ID(7), "com.example.demand")
	require.True(t, a.Notify(ID(7)))

	id, label, err := a.ReadActivated()
	require.NoError(t, err)
	assert.Equal(t, ID(7), id)
	assert.Equal(t, "com.example.demand", label)
}

func TestNotifyRemovesFromSetSoItCannotFireTwice(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Close()

	a.Register(ID(1), "com.example.once")
	require.True(t, a.Notify(ID(1)))
	assert.False(t, a.Notify(ID(1)))

	_, _, err = a.ReadActivated()
	require.NoError(t, err)
}

func TestUnregisterPreventsNotify(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Close()

	a.Register(ID(3), "com.example.unreg")
	a.Unregister(ID(3))
	assert.False(t, a.Notify(ID(3)))
}

func TestArmDeliversThroughEventLoop(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Close()

	loop := engine.New(4)
	a.Register(ID(9), "com.example.loop")
	a.Arm(loop)
	require.True(t, a.Notify(ID(9)))

	var ev engine.Event
	res := loop.RunOnce(2*time.Second, &ev)
	require.Equal(t, engine.Dispatched, res)
	assert.Equal(t, engine.KindDemandPortPipe, ev.Tag.Kind)

	id, label, err := a.ReadActivated()
	require.NoError(t, err)
	assert.Equal(t, ID(9), id)
	assert.Equal(t, "com.example.loop", label)
}
