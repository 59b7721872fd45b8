// Package platform collects the handful of spawn-sequence steps that have
// no portable Linux equivalent to the original's platform-specific
// primitives, so job.Spawn can call a hook instead of hand-rolling a
// platform switch.
package platform

// SessionCreateHook is invoked for a job configured with session_create,
// in place of the platform security-session API the original calls out
// to. Linux has no equivalent concept, so DefaultSessionCreateHook is a
// documented no-op; a platform build with a real facility to bind to
// would replace it.
type SessionCreateHook func(label string) error

// DefaultSessionCreateHook performs no action. The job still becomes a
// new POSIX session leader via job.Spawn's ordinary Setsid handling,
// which is the portable part of "create a security session."
func DefaultSessionCreateHook(label string) error {
	return nil
}

// InitHook is the first-process-only boot callout of §1: loopback
// configuration, mounting, hostname setting — none of which this module
// implements, since they're explicitly out of scope. singleUser, verbose,
// and safeBoot carry the CLI's -s/-v/-x flags through to whatever real
// hook a platform build binds here.
type InitHook func(singleUser, verbose, safeBoot bool) error

// DefaultInitHook performs no action, documented the same way
// DefaultSessionCreateHook is: Linux has no first-process boot
// responsibilities this module is asked to take on.
func DefaultInitHook(singleUser, verbose, safeBoot bool) error {
	return nil
}

// PostShutdownHook is the platform-specific callout §4.7 hands control to
// once the first process has reaped its last child during shutdown
// (reboot/halt sequencing).
type PostShutdownHook func()

// DefaultPostShutdownHook performs no action.
func DefaultPostShutdownHook() {}
