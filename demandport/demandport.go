// Package demandport implements §4.8's auxiliary demand-port thread. The
// original blocks an auxiliary thread on a platform port-set and forwards
// activated port identities to the main loop over an internal pipe; there
// is no portable mach-port-like primitive to bind to here, so the
// "port set" is a plain registration table and "a message arrived on
// port P" is modeled as an explicit Notify(P) call from whatever owns the
// real notification source on a given platform. The forwarding contract
// — wake, identify, de-register so it cannot fire twice, write the
// identity down a pipe the main loop watches — is implemented faithfully.
package demandport

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/opsdaemon/svcd/engine"
)

// ID identifies one port in the set; the owning job is looked up from it
// on activation.
type ID uint64

// Aux is the auxiliary thread: a registration table (job label per port
// id) plus the pipe that relays activated ids to the main event loop.
type Aux struct {
	mu       sync.Mutex
	set      map[ID]string
	pending  map[ID]string // removed from set by Notify, awaiting ReadActivated
	wake     chan ID
	pipeR    *os.File
	pipeW    *os.File
	closeCh  chan struct{}
	closeOne sync.Once
}

// New creates the port set and starts the forwarding goroutine. Call Arm
// once at startup to register the pipe's read end with loop, and again
// after each consumed DemandPortPipe event (the watch is one-shot).
func New() (*Aux, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	a := &Aux{
		set:     make(map[ID]string),
		pending: make(map[ID]string),
		wake:    make(chan ID, 64),
		pipeR:   r,
		pipeW:   w,
		closeCh: make(chan struct{}),
	}
	go a.forward()
	return a, nil
}

// Arm registers (or re-registers, after a prior fire disarmed it) the
// pipe's read end with loop as a KindDemandPortPipe source.
func (a *Aux) Arm(loop *engine.Loop) {
	loop.RegisterFD(engine.Tag{Kind: engine.KindDemandPortPipe, Key: "aux"}, int(a.pipeR.Fd()))
}

// Register adds id to the port set, associated with label, the Go analog
// of inserting a port into the platform port-set.
func (a *Aux) Register(id ID, label string) {
	a.mu.Lock()
	a.set[id] = label
	a.mu.Unlock()
}

// Unregister removes id from the set without firing it — used when a job
// owning a demand-port is removed.
func (a *Aux) Unregister(id ID) {
	a.mu.Lock()
	delete(a.set, id)
	a.mu.Unlock()
}

// Notify simulates "a message arrived on port id" (§4.8: "blocks in a
// receive that is guaranteed to fail... whenever any port in the set
// becomes readable, without consuming the message"). It removes id from
// the set immediately — "removes each from the set so it will not fire
// again" — before handing it to the forwarding goroutine, and reports
// whether id was actually armed.
func (a *Aux) Notify(id ID) bool {
	a.mu.Lock()
	label, ok := a.set[id]
	if ok {
		delete(a.set, id)
		a.pending[id] = label
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case a.wake <- id:
	case <-a.closeCh:
	}
	return true
}

func (a *Aux) forward() {
	var buf [8]byte
	for {
		select {
		case id := <-a.wake:
			binary.BigEndian.PutUint64(buf[:], uint64(id))
			if _, err := a.pipeW.Write(buf[:]); err != nil {
				return
			}
		case <-a.closeCh:
			return
		}
	}
}

// ReadActivated reads exactly one activated port identity off the pipe
// and returns it along with the label it was registered under at Notify
// time. Call this after the event loop reports the DemandPortPipe tag
// readable, then call Arm again to watch for the next one.
func (a *Aux) ReadActivated() (ID, string, error) {
	var buf [8]byte
	if _, err := io.ReadFull(a.pipeR, buf[:]); err != nil {
		return 0, "", err
	}
	id := ID(binary.BigEndian.Uint64(buf[:]))
	a.mu.Lock()
	label, ok := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if !ok {
		return id, "", fmt.Errorf("demandport: no pending job for port %d", id)
	}
	return id, label, nil
}

// Close stops the forwarding goroutine and closes both ends of the pipe.
func (a *Aux) Close() error {
	a.closeOne.Do(func() { close(a.closeCh) })
	err1 := a.pipeR.Close()
	err2 := a.pipeW.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
