package supervisor

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdaemon/svcd/wire"
)

func TestSetStdStreamWithFDPayloadDup2sImmediately(t *testing.T) {
	e, _ := newTestEngine()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	savedFd, err := syscall.Dup(syscall.Stdout)
	require.NoError(t, err)
	defer func() {
		_ = syscall.Dup2(savedFd, syscall.Stdout)
		syscall.Close(savedFd)
	}()

	require.NoError(t, e.setStdOut(wire.FD(int(w.Fd()))))
	_, err = os.Stdout.WriteString("hi")
	assert.NoError(t, err)
}

func TestSetStdStreamWithExistingPathRedirectsImmediately(t *testing.T) {
	e, _ := newTestEngine()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")

	savedFd, err := syscall.Dup(syscall.Stderr)
	require.NoError(t, err)
	defer func() {
		_ = syscall.Dup2(savedFd, syscall.Stderr)
		syscall.Close(savedFd)
	}()

	require.NoError(t, e.setStdErr(wire.Str(path)))
	_, err = os.Stat(path)
	assert.NoError(t, err)

	e.mu.Lock()
	pending := e.pendingStderr
	e.mu.Unlock()
	assert.Nil(t, pending, "a path that opened cleanly is applied immediately, not stashed")
}

func TestSetStdStreamEmptyPathIsError(t *testing.T) {
	e, _ := newTestEngine()
	assert.Error(t, e.setStdOut(wire.Str("")))
}

func TestSetStdStreamUnsupportedKindIsError(t *testing.T) {
	e, _ := newTestEngine()
	assert.Error(t, e.setStdOut(wire.Array()))
}

func TestApplyPendingRedirectsFlushesStashedSlot(t *testing.T) {
	e, _ := newTestEngine()
	dir := t.TempDir()
	path := filepath.Join(dir, "later.log")

	e.mu.Lock()
	e.pendingStdout = &redirectSlot{path: path}
	e.mu.Unlock()

	savedFd, err := syscall.Dup(syscall.Stdout)
	require.NoError(t, err)
	defer func() {
		_ = syscall.Dup2(savedFd, syscall.Stdout)
		syscall.Close(savedFd)
	}()

	e.ApplyPendingRedirects()
	_, err = os.Stat(path)
	assert.NoError(t, err)

	e.mu.Lock()
	pending := e.pendingStdout
	e.mu.Unlock()
	assert.Nil(t, pending)
}

func TestWatchPendingRedirectsFiresOnDirectoryChange(t *testing.T) {
	e, _ := newTestEngine()
	dir := t.TempDir()
	path := filepath.Join(dir, "deferred.log")

	e.mu.Lock()
	e.pendingStdout = &redirectSlot{path: path}
	e.mu.Unlock()

	savedFd, err := syscall.Dup(syscall.Stdout)
	require.NoError(t, err)
	defer func() {
		_ = syscall.Dup2(savedFd, syscall.Stdout)
		syscall.Close(savedFd)
		e.Close()
	}()

	require.NoError(t, e.WatchPendingRedirects(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated"), []byte("x"), 0644))

	ev := waitPosted(t, e)
	require.Equal(t, pendingRedirectTag, ev.Tag)
	e.handle(ev)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
