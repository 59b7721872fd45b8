package job

import "golang.org/x/sys/unix"

// Linux ioprio_set(2) constants; golang.org/x/sys/unix does not export a
// wrapper for this syscall, so the raw numbers are used directly, the same
// way manager/process.go reaches past exec.Cmd into raw syscall fields
// when os/exec has no higher-level knob.
const (
	sysIoprioSet      = 251
	ioprioWhoProcess  = 1
	ioprioClassIdle   = 3
	ioprioClassShift  = 13
)

// setIdleIOPriority puts pid in the idle I/O scheduling class, the
// low_priority_io behavior of §4.4: it only ever loses arbitration to
// every other class, never starving normal processes.
func setIdleIOPriority(pid int) error {
	prio := ioprioClassIdle << ioprioClassShift
	_, _, errno := unix.Syscall(sysIoprioSet, ioprioWhoProcess, uintptr(pid), uintptr(prio))
	if errno != 0 {
		return errno
	}
	return nil
}
