package control

import (
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/registry"
	"github.com/opsdaemon/svcd/wire"
)

// Hooks are the lifecycle operations the dispatcher cannot perform
// itself, since they require the event loop and spawn machinery that
// live in package supervisor — wiring them this way keeps control free
// of a circular import on supervisor.
type Hooks struct {
	Start            func(label string) error
	Stop             func(label string) error
	Remove           func(label string) error
	Shutdown         func()
	SetBatchDisabled func(connID string, off bool)
	BatchEnabled     func() bool
	ReloadTTYs       func() error

	// SetStdOut/SetStdErr replace the supervisor's own output streams
	// (§4.6): payload is either a KindFD (dup2 it immediately) or a
	// KindString path (stash it as a pending slot until a writable
	// filesystem is known, per the Engine's pending-redirection slots).
	SetStdOut func(payload wire.Value) error
	SetStdErr func(payload wire.Value) error

	// SetLogMask/GetLogMask swap and read the supervisor's actual log
	// level (svclog's "the mask is the logger's level," via
	// svclog.Logger.SetLevelSwap/Level) rather than a dispatcher-local
	// counter disconnected from real log gating.
	SetLogMask func(mask int32) (prev int32, err error)
	GetLogMask func() int32
}

// Dispatcher implements the command table of §4.6 against a job
// registry, a default check-in timeout, and the Hooks callouts.
type Dispatcher struct {
	reg   *registry.Registry
	hooks Hooks

	mu    sync.Mutex
	umask int
}

// DefaultCheckInTimeout is inserted into a job's configuration on CheckIn
// when none was configured, per §4.6.
const DefaultCheckInTimeout = 20

// NewDispatcher builds a dispatcher over reg with the given callouts.
func NewDispatcher(reg *registry.Registry, hooks Hooks) *Dispatcher {
	return &Dispatcher{reg: reg, hooks: hooks}
}

// Dispatch handles one decoded request value and returns the reply value,
// per §4.6: a request is either a bare command string or a single-key
// dict naming the command and carrying its payload.
func (d *Dispatcher) Dispatch(c *Conn, req wire.Value) wire.Value {
	switch req.Kind {
	case wire.KindString:
		return d.call(c, req.Str, wire.Null())
	case wire.KindDict:
		if len(req.Dict) != 1 {
			return errReply(wire.EINVAL)
		}
		for cmd, payload := range req.Dict {
			return d.call(c, cmd, payload)
		}
	}
	return errReply(wire.EINVAL)
}

func (d *Dispatcher) call(c *Conn, cmd string, payload wire.Value) wire.Value {
	switch cmd {
	case "SubmitJob":
		return d.submitJob(payload)
	case "StartJob":
		return d.withLabel(payload, d.hooks.Start)
	case "StopJob":
		return d.withLabel(payload, d.hooks.Stop)
	case "RemoveJob":
		return d.withLabel(payload, d.hooks.Remove)
	case "CheckIn":
		return d.checkIn(c)
	case "GetJob":
		return d.getJob(payload, false)
	case "GetJobWithHandles":
		return d.getJob(payload, true)
	case "GetJobs":
		return d.getJobs()
	case "GetUserEnvironment":
		return encodeStringMap(environMap())
	case "SetUserEnvironment":
		return d.setUserEnvironment(payload)
	case "UnsetUserEnvironment":
		os.Unsetenv(payload.Str)
		return wire.OK.AsValue()
	case "SetLogMask":
		if d.hooks.SetLogMask == nil {
			return errReply(wire.ENOSYS)
		}
		prev, err := d.hooks.SetLogMask(int32(payload.Int))
		if err != nil {
			return errReply(wire.EINVAL)
		}
		return wire.Int(int64(prev))
	case "GetLogMask":
		if d.hooks.GetLogMask == nil {
			return errReply(wire.ENOSYS)
		}
		return wire.Int(int64(d.hooks.GetLogMask()))
	case "SetUmask":
		d.mu.Lock()
		prev := d.umask
		d.umask = int(payload.Int)
		syscall.Umask(d.umask)
		d.mu.Unlock()
		return wire.Int(int64(prev))
	case "GetUmask":
		d.mu.Lock()
		defer d.mu.Unlock()
		return wire.Int(int64(d.umask))
	case "GetRUsageSelf":
		return rusageValue(syscall.RUSAGE_SELF)
	case "GetRUsageChildren":
		return rusageValue(syscall.RUSAGE_CHILDREN)
	case "BatchControl":
		if d.hooks.SetBatchDisabled != nil {
			d.hooks.SetBatchDisabled(c.ID.String(), !payload.Bool)
		}
		c.SetBatchDisabled(!payload.Bool)
		return wire.OK.AsValue()
	case "BatchQuery":
		enabled := true
		if d.hooks.BatchEnabled != nil {
			enabled = d.hooks.BatchEnabled()
		}
		return wire.Bool(enabled)
	case "SetStdOut":
		return d.setStdStream(payload, d.hooks.SetStdOut)
	case "SetStdErr":
		return d.setStdStream(payload, d.hooks.SetStdErr)
	case "SetResourceLimits":
		return d.setResourceLimits(payload)
	case "GetResourceLimits":
		return d.getResourceLimits(payload)
	case "ReloadTTYs":
		if d.hooks.ReloadTTYs != nil {
			if err := d.hooks.ReloadTTYs(); err != nil {
				return errReply(wire.EINVAL)
			}
		}
		return wire.OK.AsValue()
	case "Shutdown":
		if d.hooks.Shutdown != nil {
			d.hooks.Shutdown()
		}
		return wire.OK.AsValue()
	default:
		return errReply(wire.ENOSYS)
	}
}

func (d *Dispatcher) submitJob(payload wire.Value) wire.Value {
	if payload.Kind == wire.KindArray {
		codes := make([]wire.Value, len(payload.Array))
		for i, e := range payload.Array {
			codes[i] = d.submitOne(e).AsValue()
		}
		return wire.Array(codes...)
	}
	return d.submitOne(payload).AsValue()
}

func (d *Dispatcher) submitOne(v wire.Value) wire.ErrCode {
	cfg, ok := decodeConfig(v)
	if !ok {
		return wire.EINVAL
	}
	j := job.New(cfg)
	if err := d.reg.Insert(j); err != nil {
		return wire.EEXIST
	}
	// A job that is not on_demand starts right away; an on_demand job is
	// left in Idle-watching and its listeners are not armed here.
	if !cfg.OnDemand && d.hooks.Start != nil {
		_ = d.hooks.Start(cfg.Label)
	}
	return wire.OK
}

func (d *Dispatcher) withLabel(payload wire.Value, fn func(string) error) wire.Value {
	if fn == nil {
		return errReply(wire.ENOSYS)
	}
	if err := fn(payload.Str); err != nil {
		return errReply(wire.ESRCH)
	}
	return wire.OK.AsValue()
}

func (d *Dispatcher) setStdStream(payload wire.Value, fn func(wire.Value) error) wire.Value {
	if fn == nil {
		return errReply(wire.ENOSYS)
	}
	if err := fn(payload); err != nil {
		return errReply(wire.EINVAL)
	}
	return wire.OK.AsValue()
}

func (d *Dispatcher) setResourceLimits(payload wire.Value) wire.Value {
	soft, hard, ok := decodeResourceLimits(payload)
	if !ok {
		return errReply(wire.EINVAL)
	}
	if err := job.ApplyLimits(soft, hard); err != nil {
		return errReply(wire.EINVAL)
	}
	return wire.OK.AsValue()
}

func (d *Dispatcher) getResourceLimits(payload wire.Value) wire.Value {
	kinds := job.AllLimitKinds()
	if payload.Kind == wire.KindArray && len(payload.Array) > 0 {
		kinds = kinds[:0]
		for _, e := range payload.Array {
			kinds = append(kinds, job.LimitKind(e.Int))
		}
	}
	return encodeResourceLimits(job.CurrentLimits(kinds))
}

func (d *Dispatcher) checkIn(c *Conn) wire.Value {
	label, bound := c.BoundLabel()
	if !bound {
		return errReply(wire.EACCES)
	}
	j, err := d.reg.Get(label)
	if err != nil {
		return errReply(wire.ESRCH)
	}
	j.MarkCheckedIn()
	cfg := j.Config()
	if cfg.CheckInTimeout == 0 {
		j.MutateConfig(func(cc *job.Config) { cc.CheckInTimeout = DefaultCheckInTimeout })
		cfg = j.Config()
	}
	return encodeConfig(cfg, false)
}

func (d *Dispatcher) getJob(payload wire.Value, withHandles bool) wire.Value {
	j, err := d.reg.Get(payload.Str)
	if err != nil {
		return errReply(wire.ESRCH)
	}
	return encodeConfig(j.Config(), withHandles)
}

func (d *Dispatcher) getJobs() wire.Value {
	out := make(map[string]wire.Value)
	for _, j := range d.reg.Jobs() {
		out[j.Label()] = encodeConfig(j.Config(), false)
	}
	return wire.Dict(out)
}

func (d *Dispatcher) setUserEnvironment(payload wire.Value) wire.Value {
	if payload.Kind != wire.KindDict {
		return errReply(wire.EINVAL)
	}
	for k, v := range payload.Dict {
		os.Setenv(k, v.Str)
	}
	return wire.OK.AsValue()
}

func environMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func rusageValue(who int) wire.Value {
	var ru syscall.Rusage
	if err := syscall.Getrusage(who, &ru); err != nil {
		return errReply(wire.EINVAL)
	}
	return wire.Dict(map[string]wire.Value{
		"utime_sec":  wire.Int(int64(ru.Utime.Sec)),
		"utime_usec": wire.Int(int64(ru.Utime.Usec)),
		"stime_sec":  wire.Int(int64(ru.Stime.Sec)),
		"stime_usec": wire.Int(int64(ru.Stime.Usec)),
		"maxrss":     wire.Int(ru.Maxrss),
	})
}

func errReply(code wire.ErrCode) wire.Value {
	return code.AsValue()
}
