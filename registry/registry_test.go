package registry

import (
	"testing"

	"github.com/opsdaemon/svcd/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndGet(t *testing.T) {
	r := New()
	j := job.New(job.Config{Label: "com.example.a"})
	require.NoError(t, r.Insert(j))

	got, err := r.Get("com.example.a")
	require.NoError(t, err)
	assert.Same(t, j, got)
}

func TestInsertDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert(job.New(job.Config{Label: "dup"})))
	err := r.Insert(job.New(job.Config{Label: "dup"}))
	assert.ErrorIs(t, err, ErrExists)
}

func TestGetMissingFails(t *testing.T) {
	r := New()
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveUnregistersAndReturnsJob(t *testing.T) {
	r := New()
	j := job.New(job.Config{Label: "gone"})
	require.NoError(t, r.Insert(j))

	removed, err := r.Remove("gone")
	require.NoError(t, err)
	assert.Same(t, j, removed)

	_, err = r.Get("gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRemoveMissingFails(t *testing.T) {
	r := New()
	_, err := r.Remove("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLabelsPreservesInsertionOrder(t *testing.T) {
	r := New()
	for _, l := range []string{"c", "a", "b"} {
		require.NoError(t, r.Insert(job.New(job.Config{Label: l})))
	}
	assert.Equal(t, []string{"c", "a", "b"}, r.Labels())

	_, err := r.Remove("a")
	require.NoError(t, err)
	require.NoError(t, r.Insert(job.New(job.Config{Label: "d"})))
	assert.Equal(t, []string{"c", "b", "d"}, r.Labels())
}

func TestJobsMatchesLabelOrder(t *testing.T) {
	r := New()
	a := job.New(job.Config{Label: "a"})
	b := job.New(job.Config{Label: "b"})
	require.NoError(t, r.Insert(a))
	require.NoError(t, r.Insert(b))

	jobs := r.Jobs()
	require.Len(t, jobs, 2)
	assert.Same(t, a, jobs[0])
	assert.Same(t, b, jobs[1])
}

func TestChildCountCountsRunningOnly(t *testing.T) {
	r := New()
	running := job.New(job.Config{Label: "running"})
	running.SetPid(42)
	idle := job.New(job.Config{Label: "idle", OnDemand: true})
	require.NoError(t, r.Insert(running))
	require.NoError(t, r.Insert(idle))

	assert.Equal(t, 1, r.ChildCount())
}
