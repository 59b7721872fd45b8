// Package job implements the job data model and lifecycle state machine
// of §3 and §4.4: the per-job configuration a client submits, the
// runtime attributes only the engine may mutate, the four-state
// lifecycle, the restart/flap policy, and the child spawn sequence.
package job

import (
	"sync"
	"time"
)

// State is one of the four lifecycle states of §4.4.
type State int

const (
	// IdleWatching: on-demand, not running, listeners armed.
	IdleWatching State = iota
	// Running: pid != 0.
	Running
	// Reaping: exit seen, reap pending.
	Reaping
	// Terminal: scheduled for removal.
	Terminal
)

func (s State) String() string {
	switch s {
	case IdleWatching:
		return "idle-watching"
	case Running:
		return "running"
	case Reaping:
		return "reaping"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// LimitKind names a recognized resource-limit kind (§3, §4.4 step 4).
type LimitKind int

const (
	LimitCPU LimitKind = iota
	LimitFileSize
	LimitData
	LimitStack
	LimitCore
	LimitRSS
	LimitNumProc
	LimitNumFiles
	LimitMemLock
)

// ResourceLimit is a soft/hard bound pair; a nil pointer means "leave the
// inherited kernel value alone" (§4.4 step 4: "overwrite soft and/or hard
// ... if provided").
type ResourceLimit struct {
	Soft *uint64
	Hard *uint64
}

// Socket is one listening descriptor the client handed over at submit
// time via ancillary data (§3). Valid is cleared by on-demand activation
// when the descriptor is discovered stale (EOF with no pending data,
// §4.5), so the configuration can be inspected without ever re-arming a
// dead descriptor.
type Socket struct {
	FD    int
	Valid bool
}

// Config is the client-supplied half of a job record: everything in §3's
// "Job" paragraph except the runtime attributes, which the engine alone
// controls (see Runtime below).
type Config struct {
	Label string

	Program   string // optional distinct program path; defaults to Args[0]
	Args      []string
	Env       map[string]string
	WorkDir   string
	RootDir   string // chroot target, empty if none
	UID       *int
	GID       *int
	Umask     *int
	Nice      *int
	LowPrioIO bool

	StdoutPath string
	StderrPath string

	SoftLimits map[LimitKind]uint64
	HardLimits map[LimitKind]uint64

	OnDemand      bool
	ServiceIPC    bool
	InetCompat    bool
	SessionCreate bool
	InitGroups    bool
	CheckInGroup  string // user name to resolve for InitGroups, if set

	CheckInTimeout time.Duration
	Debug          bool

	Sockets []Socket
}

// Clone deep-copies c so handing out a config snapshot (GetJob et al.)
// can never let a caller mutate the live job.
func (c Config) Clone() Config {
	out := c
	out.Args = append([]string(nil), c.Args...)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.SoftLimits != nil {
		out.SoftLimits = make(map[LimitKind]uint64, len(c.SoftLimits))
		for k, v := range c.SoftLimits {
			out.SoftLimits[k] = v
		}
	}
	if c.HardLimits != nil {
		out.HardLimits = make(map[LimitKind]uint64, len(c.HardLimits))
		for k, v := range c.HardLimits {
			out.HardLimits[k] = v
		}
	}
	out.Sockets = append([]Socket(nil), c.Sockets...)
	if c.UID != nil {
		u := *c.UID
		out.UID = &u
	}
	if c.GID != nil {
		g := *c.GID
		out.GID = &g
	}
	if c.Umask != nil {
		m := *c.Umask
		out.Umask = &m
	}
	if c.Nice != nil {
		n := *c.Nice
		out.Nice = &n
	}
	return out
}

// StripDescriptors returns a copy of c with its live socket descriptors
// replaced by invalid placeholders — the form GetJob (as opposed to
// GetJobWithHandles) and GetJobs hand back (§4.6).
func (c Config) StripDescriptors() Config {
	out := c.Clone()
	for i := range out.Sockets {
		out.Sockets[i] = Socket{FD: -1, Valid: false}
	}
	return out
}

// Runtime holds the attributes of §3 that "are set by the engine, never
// by the client."
type Runtime struct {
	Pid         int
	LastStart   time.Time
	FailedExits int
	CheckedIn   bool
	Firstborn   bool
}

// Job is one registry entry: configuration, runtime state, and the
// state-machine position, guarded by a per-job mutex so the control
// dispatcher and the lifecycle engine (both running on the single event
// loop goroutine, per §5) can share a consistent view without racing
// against an in-flight spawn goroutine's completion callback.
type Job struct {
	mu              sync.Mutex
	cfg             Config
	rt              Runtime
	state           State
	lastRunDuration time.Duration // how long the most recently reaped run lasted
}

// New creates a job in the state submit() puts it in: IdleWatching if
// on_demand, otherwise the caller is expected to start it immediately
// (§4.4 "submit -> Idle-watching if on_demand, else immediate start").
func New(cfg Config) *Job {
	st := Running
	if cfg.OnDemand {
		st = IdleWatching
	}
	return &Job{cfg: cfg, state: st}
}

func (j *Job) Label() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg.Label
}

func (j *Job) Config() Config {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg.Clone()
}

// MutateConfig applies fn to the live configuration under the job's
// lock; used by on-demand activation to revoke a stale socket and by
// shutdown orchestration to flip on_demand off (§4.5, §4.7).
func (j *Job) MutateConfig(fn func(*Config)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.cfg)
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetState transitions the job's lifecycle state. Only the lifecycle
// engine (package supervisor) and tests call this directly.
func (j *Job) SetState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) Runtime() Runtime {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rt
}

func (j *Job) Pid() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rt.Pid
}

// SetPid records the child pid (non-zero while running, zero once
// reaped), per the §3 invariant "current child process id (0 <=> not
// running)."
func (j *Job) SetPid(pid int) {
	j.mu.Lock()
	j.rt.Pid = pid
	j.mu.Unlock()
}

func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rt.Pid != 0
}

func (j *Job) IsFirstborn() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rt.Firstborn
}

func (j *Job) MarkFirstborn() {
	j.mu.Lock()
	j.rt.Firstborn = true
	j.mu.Unlock()
}

// MarkCheckedIn satisfies the service_ipc check-in contract (§4.4).
func (j *Job) MarkCheckedIn() {
	j.mu.Lock()
	j.rt.CheckedIn = true
	j.mu.Unlock()
}

func (j *Job) CheckedIn() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rt.CheckedIn
}
