package control

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
)

// socketDir computes the well-known parent directory of §6: a system path
// when the supervisor is the first process, a per-user path keyed by uid
// otherwise, or a per-session path keyed by uid and the session-anchor
// pid when sessionPID is non-zero.
func socketDir(prefix string, uid, sessionPID int, firstProcess bool) string {
	switch {
	case firstProcess:
		return prefix
	case sessionPID != 0:
		return filepath.Join(prefix, fmt.Sprintf("%d.%d", uid, sessionPID))
	default:
		return filepath.Join(prefix, fmt.Sprintf("%d", uid))
	}
}

// Listener owns the well-known control socket, the directory lock that
// keeps two supervisor instances from fighting over the same path, and
// the accept loop.
type Listener struct {
	ln   *net.UnixListener
	lock *flock.Flock
	path string
}

// ErrAnotherInstance is returned by Listen when the directory lock is
// already held — §4.2: "if the lock is contended, the supervisor exits
// success — another instance is running."
var ErrAnotherInstance = fmt.Errorf("another instance holds the control socket lock")

// Listen computes the socket path, takes the directory lock, and binds
// the listening socket with user-only permissions.
func Listen(prefix string, uid, sessionPID int, firstProcess bool) (*Listener, error) {
	dir := socketDir(prefix, uid, sessionPID, firstProcess)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(dir, ".lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrAnotherInstance
	}

	sockPath := filepath.Join(dir, "sock")
	_ = os.Remove(sockPath)

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := os.Chmod(sockPath, 0600); err != nil {
		ln.Close()
		lock.Unlock()
		return nil, err
	}

	return &Listener{ln: ln, lock: lock, path: sockPath}, nil
}

// Path returns the bound socket path, the value exported to
// LAUNCHD_SOCKET_ENV for per-session agents.
func (l *Listener) Path() string { return l.path }

// Fd returns the listening descriptor for registration with the event
// loop.
func (l *Listener) Fd() (int, error) {
	raw, err := l.ln.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	err = raw.Control(func(f uintptr) { fd = int(f) })
	return fd, err
}

// AcceptOne accepts exactly one pending connection, wrapping it in a Conn.
// Called once per listener-readiness event from the event loop, per
// §4.2's non-blocking I/O discipline.
func (l *Listener) AcceptOne() (*Conn, error) {
	nc, err := l.ln.AcceptUnix()
	if err != nil {
		if isWouldBlock(err) {
			return nil, nil
		}
		return nil, err
	}
	return NewConn(nc), nil
}

func isWouldBlock(err error) bool {
	return err == syscall.EAGAIN || err == syscall.EWOULDBLOCK
}

// Close releases the listening socket and the directory lock.
func (l *Listener) Close() error {
	err1 := l.ln.Close()
	err2 := l.lock.Unlock()
	_ = os.Remove(l.path)
	if err1 != nil {
		return err1
	}
	return err2
}
