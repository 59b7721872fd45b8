package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdaemon/svcd/platform"
)

func TestSpawnRunsProgramAndExits(t *testing.T) {
	sp, err := Spawn(Config{Label: "com.example.true", Args: []string{"true"}}, false, platform.DefaultSessionCreateHook)
	require.NoError(t, err)
	require.NotNil(t, sp.Cmd.Process)
	err = sp.Cmd.Wait()
	assert.NoError(t, err)
	assert.Equal(t, -1, sp.CheckInFD)
}

func TestSpawnRedirectsStdout(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "stdout.log")
	sp, err := Spawn(Config{
		Label:      "com.example.echo",
		Args:       []string{"sh", "-c", "echo hello"},
		StdoutPath: out,
	}, false, platform.DefaultSessionCreateHook)
	require.NoError(t, err)
	require.NoError(t, sp.Cmd.Wait())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestSpawnServiceIPCExportsTrustedFD(t *testing.T) {
	sp, err := Spawn(Config{
		Label:      "com.example.ipc",
		Args:       []string{"sh", "-c", "echo -n $" + trustedFDEnv},
		ServiceIPC: true,
	}, false, platform.DefaultSessionCreateHook)
	require.NoError(t, err)
	require.NotEqual(t, -1, sp.CheckInFD)
	defer func() { _ = sp.CheckInFD }()
	require.NoError(t, sp.Cmd.Wait())
}

func TestSpawnUnknownProgramFails(t *testing.T) {
	_, err := Spawn(Config{Label: "com.example.missing", Args: []string{"definitely-not-a-real-binary-xyz"}}, false, platform.DefaultSessionCreateHook)
	assert.Error(t, err)
}

func TestSpawnFirstbornUsesProcessGroup(t *testing.T) {
	sp, err := Spawn(Config{Label: "com.example.firstborn", Args: []string{"true"}}, true, platform.DefaultSessionCreateHook)
	require.NoError(t, err)
	require.NoError(t, sp.Cmd.Wait())
}

func TestSpawnSessionCreateHookInvoked(t *testing.T) {
	var got string
	hook := func(label string) error { got = label; return nil }
	sp, err := Spawn(Config{Label: "com.example.session", Args: []string{"true"}, SessionCreate: true}, false, hook)
	require.NoError(t, err)
	require.NoError(t, sp.Cmd.Wait())
	assert.Equal(t, "com.example.session", got)
}
