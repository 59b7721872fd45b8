package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterFilesystemRelaysWriteEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(dir))

	l := New(4)
	tag := Tag{Kind: KindFilesystem, Key: "pending-redirect"}
	l.RegisterFilesystem(tag, w)
	assert.True(t, l.IsRegistered(tag))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.log"), []byte("x"), 0644))

	var ev Event
	require.Equal(t, Dispatched, l.RunOnce(2*time.Second, &ev))
	assert.Equal(t, tag, ev.Tag)
	fev, ok := ev.Payload.(FilesystemEvent)
	require.True(t, ok)
	assert.NoError(t, fev.Err)
}
