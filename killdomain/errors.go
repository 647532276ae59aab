package killdomain

import "fmt"

// SpawnError wraps the OS-level reason a KillDomain failed to start
// the root process.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("killdomain: spawn %q: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DomainSetupError records that the kill-group primitive (session,
// Job Object, cgroup) failed to attach after the child was already
// spawned. Domains recover from this internally by falling back to a
// weaker primitive; it is only ever logged, never returned to the
// supervisor.
type DomainSetupError struct {
	Primitive string
	Err       error
}

func (e *DomainSetupError) Error() string {
	return fmt.Sprintf("killdomain: %s setup failed, falling back: %v", e.Primitive, e.Err)
}

func (e *DomainSetupError) Unwrap() error { return e.Err }
