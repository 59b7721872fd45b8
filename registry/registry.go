// Package registry implements the job registry of §4.3: a label-to-job
// map plus an insertion-ordered sequence for iteration, with the
// uniqueness and removal-cleanup rules the spec requires.
package registry

import (
	"errors"
	"sync"

	"github.com/opsdaemon/svcd/job"
)

// ErrExists is returned by Insert when the label is already registered
// (§4.3: "insertion fails if the label already exists").
var ErrExists = errors.New("label already exists")

// ErrNotFound is returned by Get/Remove when the label is not registered.
var ErrNotFound = errors.New("no such label")

// Registry is the label -> *job.Job map plus its insertion order. Every
// method is safe to call from any goroutine, but per §5's single-threaded
// mutation model the control dispatcher and lifecycle engine are expected
// to call it only from the event-loop goroutine; the lock here exists to
// let read-only commands (GetJobs) run without coordinating with that
// goroutine by hand.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*job.Job
	order  []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*job.Job)}
}

// Insert adds j under its own label, or returns ErrExists if the label is
// already present (§3: "submitting a duplicate label fails with 'already
// exists'").
func (r *Registry) Insert(j *job.Job) error {
	label := j.Label()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[label]; ok {
		return ErrExists
	}
	r.byName[label] = j
	r.order = append(r.order, label)
	return nil
}

// Get returns the job registered under label, or ErrNotFound.
func (r *Registry) Get(label string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byName[label]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

// Remove deletes label from the registry, returning the removed job so the
// caller can run whatever descriptor/event-source cleanup the spec
// requires (§4.3: "removal unregisters all of the job's event sources,
// closes all owned descriptors, and frees the record" — cleanup itself is
// the caller's job, since it needs the engine's event loop and listener
// state, neither of which this package knows about).
func (r *Registry) Remove(label string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byName[label]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.byName, label)
	for i, l := range r.order {
		if l == label {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return j, nil
}

// Len reports how many jobs are registered. supervisor.Engine.Run uses
// this to decide whether the idle-exit timeout of §4.2 applies.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Labels returns the registered labels in insertion order, the sequence
// GetJobs and shutdown iteration both rely on.
func (r *Registry) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Jobs returns the registered jobs in insertion order.
func (r *Registry) Jobs() []*job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job.Job, 0, len(r.order))
	for _, l := range r.order {
		out = append(out, r.byName[l])
	}
	return out
}

// ChildCount reports the running-child count of §3: "the number of jobs
// with a non-zero pid plus the count of one-shot reap registrations for
// exiting-on-removal jobs." This package only counts the former. The
// supervisor engine does not call it: its shutdown-complete check uses
// its own counter of spawned and not yet reaped children.
func (r *Registry) ChildCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.order {
		if r.byName[l].IsRunning() {
			n++
		}
	}
	return n
}
