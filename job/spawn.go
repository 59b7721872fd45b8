package job

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/opsdaemon/svcd/platform"
)

// trustedFDEnv is the name of the environment variable exported to a
// service_ipc/inet_compat child carrying the number of the descriptor it
// should use to check in, mirroring liblaunch's LAUNCHD_TRUSTED_FD_ENV.
const trustedFDEnv = "LAUNCHD_TRUSTED_FD_ENV"

// Spawned wraps one in-flight child: the *exec.Cmd the engine started and,
// for a service_ipc/inet_compat job, the supervisor-side half of the
// check-in socketpair the child's other half was handed over.
type Spawned struct {
	Cmd       *exec.Cmd
	CheckInFD int // supervisor's end of the check-in socketpair, -1 if unused
}

// Spawn runs the twelve-step child setup sequence against cfg and starts
// the child. Go's os/exec applies SysProcAttr atomically inside the
// forked child before exec, so steps that must run as arbitrary code
// between fork and exec (priority, I/O class) are instead applied from
// the parent immediately after Start — harmless for attributes that, unlike
// uid/gid, are not security-relevant to the exec itself and survive it.
// firstborn marks the one job the supervisor execs directly from argv
// (§4.2): it is placed in its own process group instead of becoming a new
// session leader. sessionHook backs the session_create step — pass
// platform.DefaultSessionCreateHook when the platform has nothing real to
// bind it to. Spawn must only ever be called from the single event-loop
// goroutine (applyLimits and the umask dance below are not safe to
// race).
func Spawn(cfg Config, firstborn bool, sessionHook platform.SessionCreateHook) (*Spawned, error) {
	prog := cfg.Program
	if prog == "" {
		if len(cfg.Args) == 0 {
			return nil, fmt.Errorf("job %s: no program and no args", cfg.Label)
		}
		prog = cfg.Args[0]
	}
	path, err := exec.LookPath(prog)
	if err != nil {
		return nil, err
	}

	args := cfg.Args
	if len(args) == 0 {
		args = []string{prog}
	}

	cmd := &exec.Cmd{Path: path, Args: args, Dir: cfg.WorkDir}

	// Step: stdio redirection (§4.4 step 9) — done via *os.File assignment
	// so the runtime wires fd 1/2 directly, no code needed in the child.
	if cfg.StdoutPath != "" {
		f, err := os.OpenFile(cfg.StdoutPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("stdout redirect: %w", err)
		}
		cmd.Stdout = f
	}
	if cfg.StderrPath != "" {
		if cfg.StderrPath == cfg.StdoutPath && cmd.Stdout != nil {
			cmd.Stderr = cmd.Stdout
		} else {
			f, err := os.OpenFile(cfg.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
			if err != nil {
				return nil, fmt.Errorf("stderr redirect: %w", err)
			}
			cmd.Stderr = f
		}
	}

	// Step: environment export (§4.4 step 10).
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	attr := &syscall.SysProcAttr{}

	// Step: become a new session leader (§4.4 step 11), unless this job is
	// the firstborn, which is instead placed in its own process group here
	// — a process that is already a process-group leader cannot also
	// setsid(), so the two are mutually exclusive per job.
	if firstborn {
		attr.Setpgid = true
	} else {
		attr.Setsid = true
	}

	// Step: chroot, setuid/setgid (§4.4 steps 6-7). Credential is applied
	// by the exec runtime before the new image runs, same ordering the
	// original gives uid/gid drop.
	if cfg.RootDir != "" {
		attr.Chroot = cfg.RootDir
	}
	if cfg.SessionCreate && sessionHook != nil {
		if err := sessionHook(cfg.Label); err != nil {
			return nil, fmt.Errorf("session_create: %w", err)
		}
	}

	if cfg.UID != nil || cfg.GID != nil {
		cred := &syscall.Credential{}
		if cfg.UID != nil {
			cred.Uid = uint32(*cfg.UID)
		}
		if cfg.GID != nil {
			cred.Gid = uint32(*cfg.GID)
		}
		if cfg.InitGroups {
			groups, err := lookupSupplementaryGroups(cfg.CheckInGroup, cfg.UID)
			if err != nil {
				return nil, fmt.Errorf("initgroups: %w", err)
			}
			cred.Groups = groups
		} else {
			cred.NoSetGroups = true
		}
		attr.Credential = cred
	}

	// Step: check-in descriptor (§4.4 step 1, §6's service_ipc contract).
	// A socketpair is created before fork; the child's end rides in
	// ExtraFiles (always fd 3, the first descriptor past stdin/out/err)
	// and its number is exported so liblaunch's checkin_request() knows
	// where to read the handoff from.
	checkInFD := -1
	if cfg.ServiceIPC || cfg.InetCompat {
		fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
		if err != nil {
			return nil, fmt.Errorf("checkin socketpair: %w", err)
		}
		parentEnd, childEnd := fds[0], fds[1]
		childFile := os.NewFile(uintptr(childEnd), "checkin-child")
		cmd.ExtraFiles = []*os.File{childFile}
		env = append(env, trustedFDEnv+"="+strconv.Itoa(3+len(cmd.ExtraFiles)-1))
		checkInFD = parentEnd
	}
	// Inherited listening descriptors for on-demand/inet-compat jobs ride
	// along the same way: Go's os/exec sets close-on-exec on everything
	// except stdio and ExtraFiles, so the sockets the job owns (received
	// over the control channel and cloexec'd there, per §5) must be
	// explicitly re-attached here rather than relying on ambient
	// inheritance.
	// Each ExtraFiles entry is a dup of the job's real socket, not the
	// original fd itself: os.File's finalizer would otherwise close the
	// job's only copy out from under it the next time the GC runs, and
	// the original descriptor must survive across runs for re-arming.
	var socketDups []*os.File
	for _, s := range cfg.Sockets {
		if !s.Valid {
			continue
		}
		dupFD, err := syscall.Dup(s.FD)
		if err != nil {
			return nil, fmt.Errorf("dup socket for child: %w", err)
		}
		f := os.NewFile(uintptr(dupFD), "socket")
		socketDups = append(socketDups, f)
		cmd.ExtraFiles = append(cmd.ExtraFiles, f)
	}

	cmd.Env = env
	cmd.SysProcAttr = attr

	// Step: umask (§4.4 step 8b). Go exposes no per-child umask knob; the
	// umask is a process-wide attribute inherited verbatim by fork, so it
	// is flipped in the parent immediately around Start and restored once
	// the fork has happened. Safe only because Spawn runs on the single
	// event-loop goroutine and no other goroutine ever calls Spawn or
	// touches the process umask concurrently.
	var restoreUmask *int
	if cfg.Umask != nil {
		old := syscall.Umask(*cfg.Umask)
		restoreUmask = &old
	}

	// Step: resource limits (§4.4 step 4) — same parent-side set/fork/restore
	// trick as umask, since limits are inherited by fork and are not a
	// security boundary the way uid/gid is.
	var priorLimits map[LimitKind]syscall.Rlimit
	if len(cfg.SoftLimits) > 0 || len(cfg.HardLimits) > 0 {
		var limErr error
		priorLimits, limErr = applyLimits(cfg.SoftLimits, cfg.HardLimits)
		if limErr != nil {
			if restoreUmask != nil {
				syscall.Umask(*restoreUmask)
			}
			restoreLimits(priorLimits)
			if checkInFD >= 0 {
				syscall.Close(checkInFD)
			}
			return nil, fmt.Errorf("apply limits: %w", limErr)
		}
	}

	startErr := cmd.Start()
	if restoreUmask != nil {
		syscall.Umask(*restoreUmask)
	}
	if priorLimits != nil {
		restoreLimits(priorLimits)
	}
	if startErr != nil {
		if checkInFD >= 0 {
			syscall.Close(checkInFD)
		}
		return nil, startErr
	}

	// The child end of the socketpair, and the stdio files, are owned by
	// the child now; close our copies so EOF propagates correctly when it
	// exits. The socket dups are likewise disposable once the fork has
	// happened — the job's real socket fd lives on in cfg.Sockets.
	if len(cmd.ExtraFiles) > 0 {
		cmd.ExtraFiles[0].Close()
	}
	for _, f := range socketDups {
		f.Close()
	}

	applyPostStartAttributes(cmd.Process.Pid, cfg)

	return &Spawned{Cmd: cmd, CheckInFD: checkInFD}, nil
}

// applyPostStartAttributes sets the attributes that are not security
// sensitive to apply after exec and that os/exec has no SysProcAttr field
// for: scheduling priority (§4.4 step 2/3) and the I/O priority class
// (low_priority_io). Both are best-effort: a job that races past this
// point before they land simply runs at the default priority slightly
// longer, which is harmless.
func applyPostStartAttributes(pid int, cfg Config) {
	if cfg.Nice != nil {
		_ = syscall.Setpriority(syscall.PRIO_PROCESS, pid, *cfg.Nice)
	}
	if cfg.LowPrioIO {
		_ = setIdleIOPriority(pid)
	}
}

// lookupSupplementaryGroups resolves groupUser's supplementary group list,
// falling back to the primary uid's own groups when groupUser is empty —
// the Go equivalent of initgroups(3), applied via Credential.Groups since
// the syscall package has no direct initgroups wrapper.
func lookupSupplementaryGroups(groupUser string, uid *int) ([]uint32, error) {
	var u *user.User
	var err error
	if groupUser != "" {
		u, err = user.Lookup(groupUser)
	} else if uid != nil {
		u, err = user.LookupId(strconv.Itoa(*uid))
	} else {
		return nil, fmt.Errorf("no user to resolve supplementary groups for")
	}
	if err != nil {
		return nil, err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(gids))
	for _, g := range gids {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
