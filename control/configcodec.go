package control

import (
	"github.com/opsdaemon/svcd/job"
	"github.com/opsdaemon/svcd/wire"
)

// encodeConfig renders a job.Config as the dict the wire protocol
// exchanges for SubmitJob/GetJob/GetJobs/CheckIn, carrying live
// descriptors as KindFD values when withHandles is true and as Null
// otherwise (GetJob's "descriptors stripped" vs GetJobWithHandles'
// "descriptors intact").
func encodeConfig(c job.Config, withHandles bool) wire.Value {
	d := map[string]wire.Value{
		"label":      wire.Str(c.Label),
		"program":    wire.Str(c.Program),
		"args":       encodeStrings(c.Args),
		"env":        encodeStringMap(c.Env),
		"workdir":    wire.Str(c.WorkDir),
		"rootdir":    wire.Str(c.RootDir),
		"stdout":     wire.Str(c.StdoutPath),
		"stderr":     wire.Str(c.StderrPath),
		"on_demand":  wire.Bool(c.OnDemand),
		"service_ipc": wire.Bool(c.ServiceIPC),
		"inet_compat": wire.Bool(c.InetCompat),
		"session_create": wire.Bool(c.SessionCreate),
		"init_groups": wire.Bool(c.InitGroups),
		"debug":      wire.Bool(c.Debug),
	}
	if c.UID != nil {
		d["uid"] = wire.Int(int64(*c.UID))
	}
	if c.GID != nil {
		d["gid"] = wire.Int(int64(*c.GID))
	}
	if c.Umask != nil {
		d["umask"] = wire.Int(int64(*c.Umask))
	}
	if c.Nice != nil {
		d["nice"] = wire.Int(int64(*c.Nice))
	}
	sockets := make([]wire.Value, len(c.Sockets))
	for i, s := range c.Sockets {
		if !s.Valid || !withHandles {
			sockets[i] = wire.Null()
			continue
		}
		sockets[i] = wire.FD(s.FD)
	}
	d["sockets"] = wire.Array(sockets...)
	return wire.Dict(d)
}

// decodeConfig parses a SubmitJob payload dict back into a job.Config.
// Unknown/absent keys are left at their zero value; label is the only
// field §4.6 treats as "required keys missing" grounds for EINVAL.
func decodeConfig(v wire.Value) (job.Config, bool) {
	if v.Kind != wire.KindDict {
		return job.Config{}, false
	}
	c := job.Config{}
	if lv, ok := v.Get("label"); ok {
		c.Label = lv.Str
	}
	if c.Label == "" {
		return c, false
	}
	if pv, ok := v.Get("program"); ok {
		c.Program = pv.Str
	}
	if av, ok := v.Get("args"); ok {
		c.Args = decodeStrings(av)
	}
	if ev, ok := v.Get("env"); ok {
		c.Env = decodeStringMap(ev)
	}
	if wv, ok := v.Get("workdir"); ok {
		c.WorkDir = wv.Str
	}
	if rv, ok := v.Get("rootdir"); ok {
		c.RootDir = rv.Str
	}
	if sv, ok := v.Get("stdout"); ok {
		c.StdoutPath = sv.Str
	}
	if sv, ok := v.Get("stderr"); ok {
		c.StderrPath = sv.Str
	}
	if ov, ok := v.Get("on_demand"); ok {
		c.OnDemand = ov.Bool
	}
	if ov, ok := v.Get("service_ipc"); ok {
		c.ServiceIPC = ov.Bool
	}
	if ov, ok := v.Get("inet_compat"); ok {
		c.InetCompat = ov.Bool
	}
	if ov, ok := v.Get("session_create"); ok {
		c.SessionCreate = ov.Bool
	}
	if ov, ok := v.Get("init_groups"); ok {
		c.InitGroups = ov.Bool
	}
	if ov, ok := v.Get("debug"); ok {
		c.Debug = ov.Bool
	}
	if uv, ok := v.Get("uid"); ok {
		u := int(uv.Int)
		c.UID = &u
	}
	if gv, ok := v.Get("gid"); ok {
		g := int(gv.Int)
		c.GID = &g
	}
	if mv, ok := v.Get("umask"); ok {
		m := int(mv.Int)
		c.Umask = &m
	}
	if nv, ok := v.Get("nice"); ok {
		n := int(nv.Int)
		c.Nice = &n
	}
	if sv, ok := v.Get("sockets"); ok && sv.Kind == wire.KindArray {
		for _, e := range sv.Array {
			if e.Kind == wire.KindFD {
				c.Sockets = append(c.Sockets, job.Socket{FD: e.FD, Valid: true})
			}
		}
	}
	return c, true
}

func encodeStrings(ss []string) wire.Value {
	vs := make([]wire.Value, len(ss))
	for i, s := range ss {
		vs[i] = wire.Str(s)
	}
	return wire.Array(vs...)
}

func decodeStrings(v wire.Value) []string {
	if v.Kind != wire.KindArray {
		return nil
	}
	out := make([]string, len(v.Array))
	for i, e := range v.Array {
		out[i] = e.Str
	}
	return out
}

func encodeStringMap(m map[string]string) wire.Value {
	d := make(map[string]wire.Value, len(m))
	for k, v := range m {
		d[k] = wire.Str(v)
	}
	return wire.Dict(d)
}

func decodeStringMap(v wire.Value) map[string]string {
	if v.Kind != wire.KindDict {
		return nil
	}
	out := make(map[string]string, len(v.Dict))
	for k, e := range v.Dict {
		out[k] = e.Str
	}
	return out
}

// encodeResourceLimits renders the §4.6 GetResourceLimits reply: one dict
// per recognized kind, each carrying whichever of soft/hard the kind
// actually has a live value for.
func encodeResourceLimits(limits map[job.LimitKind]job.ResourceLimit) wire.Value {
	arr := make([]wire.Value, 0, len(limits))
	for kind, rl := range limits {
		entry := map[string]wire.Value{"kind": wire.Int(int64(kind))}
		if rl.Soft != nil {
			entry["soft"] = wire.Int(int64(*rl.Soft))
		}
		if rl.Hard != nil {
			entry["hard"] = wire.Int(int64(*rl.Hard))
		}
		arr = append(arr, wire.Dict(entry))
	}
	return wire.Array(arr...)
}

// decodeResourceLimits parses a SetResourceLimits payload — an array of
// {kind, soft?, hard?} dicts — into the soft/hard maps job.ApplyLimits
// expects.
func decodeResourceLimits(v wire.Value) (soft, hard map[job.LimitKind]uint64, ok bool) {
	if v.Kind != wire.KindArray {
		return nil, nil, false
	}
	soft = make(map[job.LimitKind]uint64)
	hard = make(map[job.LimitKind]uint64)
	for _, e := range v.Array {
		if e.Kind != wire.KindDict {
			return nil, nil, false
		}
		kv, ok := e.Get("kind")
		if !ok {
			return nil, nil, false
		}
		kind := job.LimitKind(kv.Int)
		if sv, ok := e.Get("soft"); ok {
			soft[kind] = uint64(sv.Int)
		}
		if hv, ok := e.Get("hard"); ok {
			hard[kind] = uint64(hv.Int)
		}
	}
	return soft, hard, true
}
