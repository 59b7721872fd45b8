package job

import "syscall"

// rlimitResource maps a LimitKind to its syscall.RLIMIT_* constant. Not
// every kind is meaningful on every platform; unsupported kinds are
// simply skipped at apply time rather than treated as fatal, mirroring
// launchd.c's "setrlimit(): %m" warn-and-continue behavior.
var rlimitResource = map[LimitKind]int{
	LimitCPU:      syscall.RLIMIT_CPU,
	LimitFileSize: syscall.RLIMIT_FSIZE,
	LimitData:     syscall.RLIMIT_DATA,
	LimitStack:    syscall.RLIMIT_STACK,
	LimitCore:     syscall.RLIMIT_CORE,
	LimitRSS:      syscall.RLIMIT_RSS,
	LimitNumProc:  syscall.RLIMIT_NPROC,
	LimitNumFiles: syscall.RLIMIT_NOFILE,
	LimitMemLock:  syscall.RLIMIT_MEMLOCK,
}

// ApplyLimits implements §4.4 step 4: "for each recognized limit kind,
// read current, overwrite soft and/or hard from the configuration if
// provided, write back." It sets the limits on the calling process (the
// supervisor itself, via the SetResourceLimits command) and returns any
// failure to the caller rather than treating it as fatal (§7).
func ApplyLimits(soft, hard map[LimitKind]uint64) error {
	_, err := applyLimits(soft, hard)
	return err
}

// applyLimits overwrites the calling process's limits and returns the
// prior values so a caller can restore them, since Go's os/exec gives no
// way to run arbitrary code in the forked child before exec: instead the
// limits are set on the parent immediately before fork (which fork copies
// into the child's own limit table) and restored on the parent right
// after, exactly like the umask trick in spawn.go.
func applyLimits(soft, hard map[LimitKind]uint64) (map[LimitKind]syscall.Rlimit, error) {
	kinds := make(map[LimitKind]struct{}, len(soft)+len(hard))
	for k := range soft {
		kinds[k] = struct{}{}
	}
	for k := range hard {
		kinds[k] = struct{}{}
	}
	prior := make(map[LimitKind]syscall.Rlimit, len(kinds))
	for kind := range kinds {
		resource, ok := rlimitResource[kind]
		if !ok {
			continue
		}
		var rl syscall.Rlimit
		if err := syscall.Getrlimit(resource, &rl); err != nil {
			return prior, err
		}
		prior[kind] = rl
		next := rl
		if v, ok := soft[kind]; ok {
			next.Cur = v
		}
		if v, ok := hard[kind]; ok {
			next.Max = v
		}
		if err := syscall.Setrlimit(resource, &next); err != nil {
			return prior, err
		}
	}
	return prior, nil
}

// CurrentLimits reads the live soft/hard values for kinds, letting a
// caller (control.Dispatcher's GetResourceLimits) report the supervisor's
// own limits without duplicating the LimitKind -> RLIMIT_* table.
func CurrentLimits(kinds []LimitKind) map[LimitKind]ResourceLimit {
	out := make(map[LimitKind]ResourceLimit, len(kinds))
	for _, k := range kinds {
		resource, ok := rlimitResource[k]
		if !ok {
			continue
		}
		var rl syscall.Rlimit
		if err := syscall.Getrlimit(resource, &rl); err != nil {
			continue
		}
		soft, hard := rl.Cur, rl.Max
		out[k] = ResourceLimit{Soft: &soft, Hard: &hard}
	}
	return out
}

// AllLimitKinds lists every recognized limit kind, the default set
// GetResourceLimits reports when the caller asks for no kind in particular.
func AllLimitKinds() []LimitKind {
	kinds := make([]LimitKind, 0, len(rlimitResource))
	for k := range rlimitResource {
		kinds = append(kinds, k)
	}
	return kinds
}

// restoreLimits undoes applyLimits, best-effort: a failure here leaves the
// supervisor's own limits at the child's values, which is logged by the
// caller but never fatal.
func restoreLimits(prior map[LimitKind]syscall.Rlimit) error {
	var firstErr error
	for kind, rl := range prior {
		resource, ok := rlimitResource[kind]
		if !ok {
			continue
		}
		rl := rl
		if err := syscall.Setrlimit(resource, &rl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
