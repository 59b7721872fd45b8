package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSocketPrefixForFirstProcessIsFixedSystemPath(t *testing.T) {
	assert.Equal(t, defaultSocketPrefix, socketPrefixFor(true))
}

func TestSocketPrefixForSessionAgentPrefersXDGRuntimeDir(t *testing.T) {
	old, had := os.LookupEnv("XDG_RUNTIME_DIR")
	defer func() {
		if had {
			os.Setenv("XDG_RUNTIME_DIR", old)
		} else {
			os.Unsetenv("XDG_RUNTIME_DIR")
		}
	}()

	os.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, filepath.Join("/run/user/1000", "svcd"), socketPrefixFor(false))
}

func TestSocketPrefixForSessionAgentFallsBackToTempDir(t *testing.T) {
	old, had := os.LookupEnv("XDG_RUNTIME_DIR")
	defer func() {
		if had {
			os.Setenv("XDG_RUNTIME_DIR", old)
		} else {
			os.Unsetenv("XDG_RUNTIME_DIR")
		}
	}()

	os.Unsetenv("XDG_RUNTIME_DIR")
	assert.Equal(t, filepath.Join(os.TempDir(), "svcd"), socketPrefixFor(false))
}
