package job

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyLimitsNoopWithoutEntries(t *testing.T) {
	err := ApplyLimits(nil, nil)
	assert.NoError(t, err)
}

func TestApplyAndRestoreLimitsRoundTrips(t *testing.T) {
	var before syscall.Rlimit
	require.NoError(t, syscall.Getrlimit(syscall.RLIMIT_NOFILE, &before))

	target := before.Cur
	if target > 64 {
		target = 64
	}

	prior, err := applyLimits(map[LimitKind]uint64{LimitNumFiles: target}, nil)
	require.NoError(t, err)
	require.Contains(t, prior, LimitNumFiles)

	var mid syscall.Rlimit
	require.NoError(t, syscall.Getrlimit(syscall.RLIMIT_NOFILE, &mid))
	assert.Equal(t, target, mid.Cur)

	require.NoError(t, restoreLimits(prior))

	var after syscall.Rlimit
	require.NoError(t, syscall.Getrlimit(syscall.RLIMIT_NOFILE, &after))
	assert.Equal(t, before.Cur, after.Cur)
}

func TestApplyLimitsSkipsUnrecognizedKind(t *testing.T) {
	_, err := applyLimits(map[LimitKind]uint64{LimitKind(999): 1}, nil)
	assert.NoError(t, err)
}
