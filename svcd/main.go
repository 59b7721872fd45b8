// Command svcd is the supervisor binary: launched as the kernel's first
// process (pid 1) it brings up every well-known job and never exits;
// launched as an ordinary per-user process it becomes a session agent
// bound to its own control socket and exits once idle and empty (§5).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/opsdaemon/svcd/control"
	"github.com/opsdaemon/svcd/demandport"
	"github.com/opsdaemon/svcd/engine"
	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/platform"
	"github.com/opsdaemon/svcd/registry"
	"github.com/opsdaemon/svcd/supervisor"
	"github.com/opsdaemon/svcd/svclog"
)

// defaultSocketPrefix is where the first process's control socket and
// lock file live; a per-session agent instead prefers XDG_RUNTIME_DIR,
// falling back to os.TempDir (§6).
const defaultSocketPrefix = "/var/run/svcd"

// socketEnv is exported into a per-session agent's own environment (and
// inherited by everything it spawns) so clients of that agent can find
// its control socket without guessing the uid/session derivation (§6).
const socketEnv = "LAUNCHD_SOCKET_ENV"

// bootstrapCfgEnv and adminCLIEnv name the two pieces of out-of-band
// configuration svcd itself takes no flag for: where its own bootstrap
// ini file lives, and what binary to fork+exec for configuration-file
// ingestion. Neither is a job description — both stay firmly on the
// ambient side of the Non-goals line (§1).
const bootstrapCfgEnv = "SVCD_BOOTSTRAP_CONFIG"
const adminCLIEnv = "SVCD_ADMIN_CLI"

// daemonizedEnv marks a re-exec'd child as already detached, the
// portable substitute for double-fork daemonization: Go cannot fork
// without also execing, so -d re-execs itself once, in a new session,
// with stdio redirected to /dev/null.
const daemonizedEnv = "SVCD_DAEMONIZED"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		daemonize  = flag.Bool("d", false, "run detached from the controlling terminal")
		singleUser = flag.Bool("s", false, "boot single-user (first process only)")
		verbose    = flag.Bool("v", false, "verbose boot (first process only)")
		safeBoot   = flag.Bool("x", false, "safe boot, skip optional services (first process only)")
		help       = flag.Bool("h", false, "show usage")
	)
	flag.Usage = usage
	flag.Parse()

	if *help {
		usage()
		return 0
	}

	firstborn := flag.Args() // everything after a trailing "--" (§6)
	firstProcess := os.Getpid() == 1

	if *daemonize && !firstProcess && os.Getenv(daemonizedEnv) != "1" {
		if err := daemonizeSelf(); err != nil {
			fmt.Fprintln(os.Stderr, "svcd: daemonize:", err)
			return 1
		}
		return 0
	}

	bootCfg, err := readBootstrapConfig(os.Getenv(bootstrapCfgEnv))
	if err != nil {
		fmt.Fprintln(os.Stderr, "svcd: bootstrap config:", err)
		return 1
	}
	lg, err := bootCfg.logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "svcd: logger:", err)
		return 1
	}

	prefix := socketPrefixFor(firstProcess)
	ctrl, err := control.Listen(prefix, os.Getuid(), 0, firstProcess)
	if err != nil {
		if err == control.ErrAnotherInstance {
			lg.Info("another instance already holds the control socket, exiting")
			return 0
		}
		lg.Critical("control socket listen failed", svclog.KVErr(err))
		return 1
	}
	defer ctrl.Close()

	if !firstProcess {
		os.Setenv(socketEnv, ctrl.Path())
	}

	aux, err := demandport.New()
	if err != nil {
		lg.Critical("demand-port auxiliary thread failed", svclog.KVErr(err))
		return 1
	}
	defer aux.Close()

	reg := registry.New()
	loop := engine.New(256)

	eng := supervisor.New(reg, loop, ctrl, aux, supervisor.Config{
		FirstProcess: firstProcess,
		SessionHook:  platform.DefaultSessionCreateHook,
		PlatformInit: func() error {
			return platform.DefaultInitHook(*singleUser, *verbose, *safeBoot)
		},
		PostShutdown: platform.DefaultPostShutdownHook,
		Log:          lg,
		AdminCLI:     os.Getenv(adminCLIEnv),
	})
	defer eng.Close()

	if len(firstborn) > 0 {
		if err := submitFirstborn(reg, eng, firstborn, bootCfg.firstbornEnv()); err != nil {
			lg.Critical("firstborn job failed", svclog.KVErr(err))
			return 1
		}
	}

	eng.ApplyPendingRedirects()
	if dir := filepath.Dir(prefix); dir != "." && dir != "/" {
		if err := eng.WatchPendingRedirects(dir); err != nil {
			lg.Warn("pending-redirect watch failed", svclog.KVErr(err))
		}
	}

	if err := eng.LaunchConfigReader(); err != nil {
		lg.Warn("launching config reader failed", svclog.KVErr(err))
	}
	installSIGHUPRelay(loop)

	if err := eng.Run(); err != nil {
		lg.Critical("engine exited with error", svclog.KVErr(err))
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-d] [-s] [-v] [-x] [-- command [args...]]\n", os.Args[0])
	flag.PrintDefaults()
}

// submitFirstborn registers and starts the job built from a trailing
// "-- command args..." (§6): the process the kernel itself names as the
// one to run first, long before any client has connected to submit a
// real job description.
func submitFirstborn(reg *registry.Registry, eng *supervisor.Engine, args []string, env map[string]string) error {
	j := job.New(job.Config{
		Label: "com.svcd.firstborn",
		Args:  args,
		Env:   env,
	})
	if err := reg.Insert(j); err != nil {
		return err
	}
	return eng.StartFirstborn(j.Label())
}

// socketPrefixFor picks the directory control.Listen derives its socket
// and lock paths from: a fixed system path for the first process, or
// XDG_RUNTIME_DIR (falling back to os.TempDir) for a per-session agent,
// matching the original's distinction between the system domain and a
// user's per-session domain (§2).
func socketPrefixFor(firstProcess bool) string {
	if firstProcess {
		return defaultSocketPrefix
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "svcd")
	}
	return filepath.Join(os.TempDir(), "svcd")
}

// sighupTag must match supervisor's own unexported sighupTag by value;
// "sighup" is the only Key either side needs to agree on.
var sighupTag = engine.Tag{Kind: engine.KindSignal, Key: "sighup"}

// installSIGHUPRelay subscribes to SIGHUP and feeds it onto loop via
// engine.RegisterSignal, per that function's documented contract that
// the caller owns process-wide os/signal routing. The config-reader
// re-launch itself happens inside supervisor.Engine.handleSignal, on
// the event-loop goroutine, not here.
func installSIGHUPRelay(loop *engine.Loop) {
	raw := make(chan os.Signal, 1)
	signal.Notify(raw, syscall.SIGHUP)
	relay := make(chan engine.SignalEvent, 1)
	go func() {
		for s := range raw {
			relay <- engine.SignalEvent{Num: int(s.(syscall.Signal))}
		}
	}()
	loop.RegisterSignal(sighupTag, relay)
}

// daemonizeSelf re-execs the current process detached from its
// controlling terminal and in a new session. Go's runtime cannot fork
// without also execing, so this is the portable stand-in for the
// original's double-fork-and-setsid dance: the parent starts the child
// and exits immediately, the child inherits daemonizedEnv=1 and skips
// this path entirely on its own run() call.
func daemonizeSelf() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}
