package control

import (
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdaemon/svcd/wire"
)

func unixConnPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	toConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "sock")
		c, err := net.FileConn(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		uc, ok := c.(*net.UnixConn)
		require.True(t, ok)
		return uc
	}
	return toConn(fds[0]), toConn(fds[1])
}

func TestConnWriteReadFrameRoundTrip(t *testing.T) {
	a, b := unixConnPair(t)
	defer a.Close()
	defer b.Close()

	ca := NewConn(a)
	cb := NewConn(b)

	msg := wire.Dict(map[string]wire.Value{"GetJobs": wire.Null()})
	require.NoError(t, ca.WriteFrame(msg))

	vals, err := cb.ReadFrame()
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, msg, vals[0])
}

func TestConnReadFrameAccumulatesMultipleFramesAcrossReads(t *testing.T) {
	a, b := unixConnPair(t)
	defer a.Close()
	defer b.Close()

	ca := NewConn(a)
	cb := NewConn(b)

	require.NoError(t, ca.WriteFrame(wire.Str("one")))
	require.NoError(t, ca.WriteFrame(wire.Str("two")))

	var got []wire.Value
	for len(got) < 2 {
		vals, err := cb.ReadFrame()
		require.NoError(t, err)
		got = append(got, vals...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Str)
	assert.Equal(t, "two", got[1].Str)
}
