package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/registry"
)

func TestLaunchReadCfgChildTracksConnAndPostsExit(t *testing.T) {
	e, _ := newTestEngine()

	require.NoError(t, e.LaunchReadCfgChild("/bin/true"))

	e.mu.Lock()
	n := len(e.conns)
	e.mu.Unlock()
	assert.Equal(t, 1, n)

	ev := waitPosted(t, e)
	assert.Equal(t, engine.KindReadCfgChild, ev.Tag.Kind)
	assert.Equal(t, "/bin/true", ev.Tag.Key)

	e.handle(ev) // must not panic with no matching job in the registry
}

func TestLaunchReadCfgChildUnknownPathReturnsError(t *testing.T) {
	e, _ := newTestEngine()
	err := e.LaunchReadCfgChild("/no/such/binary-xyz")
	assert.Error(t, err)
}

func TestLaunchConfigReaderNoopWithoutAdminCLI(t *testing.T) {
	e, _ := newTestEngine()
	assert.NoError(t, e.LaunchConfigReader())

	e.mu.Lock()
	n := len(e.conns)
	e.mu.Unlock()
	assert.Zero(t, n)
}

func TestLaunchConfigReaderLaunchesConfiguredBinary(t *testing.T) {
	reg := registry.New()
	loop := engine.New(16)
	e := New(reg, loop, nil, nil, Config{AdminCLI: "/bin/true"})

	require.NoError(t, e.LaunchConfigReader())
	waitPosted(t, e)
}

func TestHandleSignalIgnoresNonSighupKey(t *testing.T) {
	e, _ := newTestEngine()
	e.handleSignal(engine.Event{Tag: engine.Tag{Kind: engine.KindSignal, Key: "sigterm"}})
}

func TestHandleSignalRelaunchesConfigReaderOnSighup(t *testing.T) {
	reg := registry.New()
	loop := engine.New(16)
	e := New(reg, loop, nil, nil, Config{AdminCLI: "/bin/true"})

	e.handleSignal(engine.Event{Tag: sighupTag})
	waitPosted(t, e)
}
