// Package killdomain defines the platform-independent kill-group
// primitive that the supervisor builds on: create a domain, attach a
// spawned child to it, signal the domain gracefully or forcefully, and
// release every OS handle it holds.
//
// Concrete domains live in killdomain_unix.go (session-leader model,
// optionally reinforced by a Linux cgroup) and killdomain_windows.go
// (Job Object). Callers never type-switch on the concrete domain; they
// only see the KillDomain interface.
package killdomain

import (
	"context"
	"sync"
)

// SpawnRequest describes the process to spawn. It is immutable once
// constructed; Clone returns a defensive deep copy so a KillDomain can
// retain its own copy without aliasing the caller's Argv slice.
type SpawnRequest struct {
	Executable string
	Argv       []string
	WorkingDir string
}

// ChildHandle is an opaque reference to the spawned root process. Its
// exit status transitions at most once, from unset to set.
type ChildHandle struct {
	pid int

	mu        sync.Mutex
	hasExited bool
	exitCode  int
	waitErr   error
}

func newChildHandle(pid int) *ChildHandle {
	return &ChildHandle{pid: pid}
}

// Pid returns the root process ID.
func (h *ChildHandle) Pid() int { return h.pid }

// setExited records the terminal exit status. Calling it more than
// once is a programming error in a KillDomain implementation and is
// ignored rather than panicking, since release paths may race with a
// delivery of the same exit notification.
func (h *ChildHandle) setExited(code int, waitErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasExited {
		return
	}
	h.hasExited = true
	h.exitCode = code
	h.waitErr = waitErr
}

// ExitStatus returns the recorded exit code and whether the child has
// exited yet.
func (h *ChildHandle) ExitStatus() (code int, exited bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.hasExited
}

// HasExited reports whether the OS has reported the child's exit.
func (h *ChildHandle) HasExited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasExited
}

// WaitErr returns any error the wait primitive itself produced (as
// opposed to the child's own exit code), for diagnostics.
func (h *ChildHandle) WaitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// KillDomain groups a spawned root process with every process it (or
// any descendant) transitively creates, so that signalling the domain
// reaches the whole tree. One ChildHandle is attached to a domain at a
// time; a SpawnAndAttach after Release starts a fresh attachment that
// the next Release drops in turn.
type KillDomain interface {
	// SpawnAndAttach starts the root process and arranges for every
	// future descendant to belong to this domain. It must happen
	// before any descendant can be observed.
	SpawnAndAttach(ctx context.Context, req SpawnRequest) (*ChildHandle, error)

	// Done returns a channel closed once the attached child has been
	// reaped and its exit status recorded on the ChildHandle.
	Done() <-chan struct{}

	// SignalTerminate delivers the graceful ("soft") termination
	// signal to the whole domain. Errors are for logging only; the
	// child's own exit is the authoritative signal of progress.
	SignalTerminate() error

	// TerminateNow delivers the forceful, unblockable termination to
	// the whole domain.
	TerminateNow() error

	// Release drops every OS handle the domain owns. It is idempotent
	// and never returns an error that the caller must act on; internal
	// failures are logged.
	Release() error
}
