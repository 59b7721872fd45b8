package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBootstrapConfigMissingPathIsNoop(t *testing.T) {
	c, err := readBootstrapConfig("")
	require.NoError(t, err)
	assert.Equal(t, bootstrapCfg{}, c)
}

func TestReadBootstrapConfigMissingFileIsNoop(t *testing.T) {
	c, err := readBootstrapConfig(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.NoError(t, err)
	assert.Equal(t, bootstrapCfg{}, c)
}

func TestReadBootstrapConfigParsesGlobalAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svcd.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
[Global]
Log-File = /var/log/svcd.log
Log-Level = INFO

[Env]
Var = PATH=/usr/bin
Var = HOME=/root
`), 0644))

	c, err := readBootstrapConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/svcd.log", c.Global.Log_File)
	assert.Equal(t, "INFO", c.Global.Log_Level)
	assert.Equal(t, map[string]string{"PATH": "/usr/bin", "HOME": "/root"}, c.firstbornEnv())
}

func TestFirstbornEnvEmptyWhenNoVars(t *testing.T) {
	var c bootstrapCfg
	assert.Nil(t, c.firstbornEnv())
}

func TestFirstbornEnvSkipsMalformedEntries(t *testing.T) {
	c := bootstrapCfg{Env: bootstrapEnv{Var: []string{"NOEQUALS", "KEY=value"}}}
	assert.Equal(t, map[string]string{"KEY": "value"}, c.firstbornEnv())
}

func TestLoggerDefaultsToDiscardWithoutLogFile(t *testing.T) {
	var c bootstrapCfg
	lg, err := c.logger()
	require.NoError(t, err)
	require.NotNil(t, lg)
}

func TestLoggerBuildsFileLoggerAtConfiguredLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svcd.log")
	c := bootstrapCfg{Global: bootstrapGlobal{Log_File: path, Log_Level: "WARN"}}
	lg, err := c.logger()
	require.NoError(t, err)
	require.NotNil(t, lg)
}

func TestLoggerRejectsUnknownLevel(t *testing.T) {
	c := bootstrapCfg{Global: bootstrapGlobal{Log_File: "/tmp/whatever.log", Log_Level: "NONSENSE"}}
	_, err := c.logger()
	assert.Error(t, err)
}
