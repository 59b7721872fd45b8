// Package ondemand implements §4.5: arming and disarming read-readiness
// watches on a job's inherited descriptors while it is idle, and the
// EOF-with-no-pending-data stale-descriptor revocation rule.
package ondemand

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
)

// tagKey builds the engine.Tag key identifying one job's descriptor watch,
// unique per (label, slot) so re-arming a different socket under the same
// job never collides with another job's watch.
func tagKey(label string, slot int) string {
	return fmt.Sprintf("%s#%d", label, slot)
}

// ParseTagKey recovers the (label, slot) pair tagKey encoded, letting a
// caller outside this package (the supervisor's event dispatch) route a
// fired engine.Tag back to HandleReadiness without knowing the key format.
func ParseTagKey(key string) (label string, slot int, ok bool) {
	i := strings.LastIndexByte(key, '#')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:i], n, true
}

// Arm registers a read-readiness watch on every valid, not-yet-armed
// socket in j's configuration, per §4.5: "every descriptor in the job's
// configuration that carries a file-descriptor value is registered for
// read-readiness." The supervisor calls it when an exited on-demand job
// returns to Idle-watching and after a stale descriptor is revoked; a job
// submitted with on_demand set is not armed at submit time.
func Arm(loop *engine.Loop, j *job.Job) {
	cfg := j.Config()
	label := cfg.Label
	for i, s := range cfg.Sockets {
		if !s.Valid {
			continue
		}
		loop.RegisterFD(engine.Tag{Kind: engine.KindListener, Key: tagKey(label, i)}, s.FD)
	}
}

// Disarm unregisters every watch Arm installed for j, per §4.4's "the job
// starts (which itself unregisters the watches)."
func Disarm(loop *engine.Loop, j *job.Job) {
	cfg := j.Config()
	for i := range cfg.Sockets {
		loop.Unregister(engine.Tag{Kind: engine.KindListener, Key: tagKey(cfg.Label, i)})
	}
}

// Outcome is what HandleReadiness decided to do with the fired watch.
type Outcome int

const (
	// Start: real activity arrived (or the descriptor is a listening
	// socket whose readiness can only mean a pending connection) — the
	// job should be started.
	Start Outcome = iota
	// Stale: EOF with zero pending bytes — the descriptor is revoked and
	// the job should NOT start on account of this event alone.
	Stale
)

// HandleReadiness classifies one fired fd-readiness watch per §4.5's rule:
// peek the descriptor without consuming data. Zero bytes with a clean EOF
// means the peer went away having sent nothing — stale, revoke. Any other
// outcome (data pending, or the descriptor is a listening socket where
// peek doesn't apply) means real activity: start the job. On Stale, the
// corresponding Socket entry in j's configuration is mutated in place to
// Valid: false so it is never re-armed.
func HandleReadiness(j *job.Job, ev engine.FDEvent, slot int) Outcome {
	if ev.Err != nil {
		return Start
	}

	buf := make([]byte, 1)
	n, _, err := unix.Recvfrom(ev.FD, buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	switch {
	case errors.Is(err, unix.ENOTCONN), errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.EINVAL):
		// Not a connected stream — e.g. a listening socket. Readiness
		// here can only mean a pending connection.
		return Start
	case err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK):
		return Start
	case n == 0 && ev.Hangup:
		revoke(j, slot)
		return Stale
	default:
		return Start
	}
}

func revoke(j *job.Job, slot int) {
	j.MutateConfig(func(c *job.Config) {
		if slot >= 0 && slot < len(c.Sockets) {
			c.Sockets[slot] = job.Socket{FD: -1, Valid: false}
		}
	})
}
