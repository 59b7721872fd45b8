package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/opsdaemon/svcd/control"
	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/svclog"
)

// readCfgTrustedFDEnv names the environment variable the forked
// administrative CLI finds its end of the trusted-fd endpoint under —
// the same LAUNCHD_TRUSTED_FD_ENV contract job.Spawn's service_ipc
// children use (§6), reused here since the config reader is, from the
// supervisor's point of view, just another check-in-style child.
const readCfgTrustedFDEnv = "LAUNCHD_TRUSTED_FD_ENV"

// sighupTag is the engine.Tag svcd/main.go's SIGHUP relay (built with
// engine.RegisterSignal, per that function's "caller owns process-wide
// signal routing" contract) posts under; handleSignal reads only the
// Kind/Key, not the payload, so any SIGHUP delivery re-launches the
// configuration reader regardless of which signal number the relay
// actually carried.
var sighupTag = engine.Tag{Kind: engine.KindSignal, Key: "sighup"}

// LaunchConfigReader launches the configuration reader at startup, a
// no-op returning nil when no AdminCLI was configured (§6's ingestion
// step is optional).
func (e *Engine) LaunchConfigReader() error {
	if e.adminCLI == "" {
		return nil
	}
	return e.LaunchReadCfgChild(e.adminCLI)
}

// LaunchReadCfgChild forks+execs path (the administrative CLI), per §6's
// "Configuration-file ingestion" paragraph: invoked once at startup and
// again on every SIGHUP, the child reads the config file and issues
// SubmitJob back over the trusted-fd endpoint. The supervisor's end of
// that socketpair is adopted as an ordinary, unbound connection so its
// requests flow through the same dispatch path as any other client; the
// child's exit is monitored under a KindReadCfgChild tag (§7's "reaps
// adopted orphans opportunistically" for the first-process case).
func (e *Engine) LaunchReadCfgChild(path string, args ...string) error {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	parentFD, childFD := fds[0], fds[1]

	childFile := os.NewFile(uintptr(childFD), "readcfg-child")
	cmd := exec.Command(path, args...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", readCfgTrustedFDEnv, 2+len(cmd.ExtraFiles)))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childFile.Close()
		syscall.Close(parentFD)
		return err
	}
	childFile.Close()

	f := os.NewFile(uintptr(parentFD), "readcfg-parent")
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("readcfg: unexpected connection type %T", nc)
	}
	e.trackConn(control.NewConn(uc))

	go func() {
		_ = cmd.Wait()
		e.loop.Post(engine.Tag{Kind: engine.KindReadCfgChild, Key: path}, cmd.ProcessState)
	}()
	return nil
}

func (e *Engine) handleReadCfgChild(ev engine.Event) {
	e.log.Info("config-reader child exited", svclog.KV("path", ev.Tag.Key))
}

// handleSignal re-launches the configuration reader on SIGHUP (§6:
// "issued again on every SIGHUP"). It runs on the single event-loop
// goroutine like every other handler, even though the signal itself was
// caught on a goroutine svcd/main.go owns — RegisterSignal's relay is
// what crosses that boundary safely.
func (e *Engine) handleSignal(ev engine.Event) {
	if ev.Tag.Key != sighupTag.Key {
		return
	}
	if err := e.LaunchConfigReader(); err != nil {
		e.log.Warn("SIGHUP config reload failed", svclog.KVErr(err))
	}
}
