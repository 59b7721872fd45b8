// Package control implements the framed control-channel transport and
// command dispatcher of §4.2 and §4.6: the listening socket, the
// per-connection framed I/O with ancillary descriptor passing, and the
// full command table.
package control

import (
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/opsdaemon/svcd/wire"
)

// maxOOB bounds the ancillary-data buffer for a single recvmsg; generous
// enough for the handful of descriptors a SubmitJob payload might carry.
const maxOOB = 4096

// Conn is one accepted connection: its net.UnixConn, a per-connection
// receive buffer, and the request-scoped attributes §4.6 hangs off a
// connection (the job it is bound to for CheckIn, and whether it has
// disabled batch mode). There is no send buffer: WriteFrame writes each
// reply to the socket in one call.
type Conn struct {
	ID uuid.UUID

	mu         sync.Mutex
	nc         *net.UnixConn
	recvBuf    []byte
	boundLabel string // set once, by the job whose check-in socketpair this is
	batchOff   bool
}

// NewConn wraps an accepted connection.
func NewConn(nc *net.UnixConn) *Conn {
	return &Conn{ID: uuid.New(), nc: nc}
}

// BindLabel associates the connection with a job label, the "connection
// bound to a job" §4.6 describes for CheckIn. It is set once, when the
// supervisor hands the check-in socketpair's supervisor-side fd to a
// freshly-accepted logical connection for that job; ordinary client
// connections are never bound.
func (c *Conn) BindLabel(label string) {
	c.mu.Lock()
	c.boundLabel = label
	c.mu.Unlock()
}

// BoundLabel reports the label this connection is bound to, if any.
func (c *Conn) BoundLabel() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundLabel, c.boundLabel != ""
}

// SetBatchDisabled records this connection's BatchControl vote.
func (c *Conn) SetBatchDisabled(off bool) {
	c.mu.Lock()
	c.batchOff = off
	c.mu.Unlock()
}

// BatchDisabled reports this connection's current BatchControl vote.
func (c *Conn) BatchDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchOff
}

// Fd returns the underlying descriptor, for registering read-readiness
// with the event loop.
func (c *Conn) Fd() (int, error) {
	raw, err := c.nc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// Close tears the connection down; per §4.2, transport errors only ever
// close the connection, never the supervisor.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// ReadFrame performs one recvmsg, accumulates into the connection's
// receive buffer, and extracts as many complete frames as are available,
// decoding each into a wire.Value. Ancillary descriptors are parsed,
// marked close-on-exec per §5 ("descriptor numbers passed over the
// control channel are set to close-on-exec on receipt"), and re-linked
// into the decoded value's FD placeholders in the order they appear.
func (c *Conn) ReadFrame() ([]wire.Value, error) {
	buf := make([]byte, 64*1024)
	oob := make([]byte, maxOOB)
	n, oobn, _, _, err := c.nc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	c.recvBuf = append(c.recvBuf, buf[:n]...)

	var fds []int
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, wire.ErrTruncated
		}
		for _, scm := range scms {
			got, err := unix.ParseUnixRights(&scm)
			if err != nil {
				continue
			}
			for _, fd := range got {
				_ = unix.CloseOnExec(fd)
				fds = append(fds, fd)
			}
		}
	}

	var out []wire.Value
	fdIdx := 0
	for {
		payload, consumed, err := wire.TryReadFrame(c.recvBuf)
		if err != nil {
			return out, err
		}
		if payload == nil {
			break
		}
		c.recvBuf = append([]byte(nil), c.recvBuf[consumed:]...)
		v, _, err := wire.Decode(payload)
		if err != nil {
			return out, err
		}
		relinkFDs(&v, fds, &fdIdx)
		out = append(out, v)
	}
	return out, nil
}

// relinkFDs walks v depth-first and assigns real descriptor numbers, in
// order, to every KindFD placeholder — the codec's "byte stream carries
// placeholders that the codec re-links to the descriptors on receive."
func relinkFDs(v *wire.Value, fds []int, idx *int) {
	switch v.Kind {
	case wire.KindFD:
		if *idx < len(fds) {
			v.FD = fds[*idx]
			*idx++
		}
	case wire.KindArray:
		for i := range v.Array {
			relinkFDs(&v.Array[i], fds, idx)
		}
	case wire.KindDict:
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys) // match wire.Encode's sorted-key dict emission
		for _, k := range keys {
			e := v.Dict[k]
			relinkFDs(&e, fds, idx)
			v.Dict[k] = e
		}
	}
}

// WriteFrame serializes v and sends it, with any KindFD values riding as
// ancillary data via SCM_RIGHTS, in left-to-right order.
func (c *Conn) WriteFrame(v wire.Value) error {
	payload, err := wire.Encode(v)
	if err != nil {
		return err
	}
	frame := wire.EncodeFrame(payload)

	var fds []int
	collectFDs(v, &fds)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	_, _, err = c.nc.WriteMsgUnix(frame, oob, nil)
	return err
}

func collectFDs(v wire.Value, out *[]int) {
	switch v.Kind {
	case wire.KindFD:
		*out = append(*out, v.FD)
	case wire.KindArray:
		for _, e := range v.Array {
			collectFDs(e, out)
		}
	case wire.KindDict:
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys) // match wire.Encode's sorted-key dict emission
		for _, k := range keys {
			collectFDs(v.Dict[k], out)
		}
	}
}
