//go:build unix

package killdomain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"pkt.systems/killtree/descendant"
	"pkt.systems/killtree/internal/killtreelog"
)

// noSessionPasses is how many SIGKILL passes the no-session fallback
// makes over the descendant set. A single pass can miss a descendant
// that forks between the walk and the signal; repeating closes that
// race without looping forever.
const noSessionPasses = 5

const noSessionPassInterval = 150 * time.Millisecond

// cgroupGuard is the optional Linux-only reinforcement layered on top
// of the session-leader mechanism: a cgroup that can freeze the whole
// tree (preventing further forking) before it is killed, and whose
// cgroup.procs file is authoritative even for a descendant that
// escaped the session via its own setsid call. killdomain_cgroup_linux.go
// registers the real implementation via init(); elsewhere it stays
// nil and UnixKillDomain relies on the session/PGID mechanism alone,
// exactly as spec §4.2 describes.
type cgroupGuard interface {
	Add(pid int) error
	Freeze() error
	Thaw() error
	KillAll(sig syscall.Signal) error
	Delete() error
}

var newCgroupGuardFunc = func(tag string, log killtreelog.Logger) cgroupGuard { return nil }

// UnixKillDomain groups a spawned child and its descendants using a
// POSIX session: the child becomes both session leader and
// process-group leader, so signalling the negated PGID reaches the
// whole tree. When the kernel refuses session-leader setup it falls
// back to a direct process-group plus a process-table-walking kill, per spec
// §4.2.
type UnixKillDomain struct {
	log killtreelog.Logger
	tag string // used only to namespace the optional cgroup, if any

	mu            sync.Mutex
	cmd           *exec.Cmd
	handle        *ChildHandle
	sessionLeader bool
	done          chan struct{}
	released      bool
	cg            cgroupGuard
}

// NewUnixKillDomain returns a kill domain for one spawned process
// tree. tag, if non-empty, namespaces the optional Linux cgroup
// reinforcement so concurrent Supervisors on the same host don't
// collide on cgroup paths.
func NewUnixKillDomain(log killtreelog.Logger, tag string) *UnixKillDomain {
	if log == nil {
		log = killtreelog.Nop()
	}
	return &UnixKillDomain{log: log, tag: tag}
}

func (d *UnixKillDomain) SpawnAndAttach(ctx context.Context, req SpawnRequest) (*ChildHandle, error) {
	req = req.Clone()
	cmd := exec.Command(req.Executable, req.Argv...)
	cmd.Dir = req.WorkingDir
	cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	sessionLeader := true
	if err := cmd.Start(); err != nil {
		// Setsid is refused (EPERM) when the calling thread is
		// already a process group leader; retry as a plain process
		// group and mark the domain no-session, so signalAll walks
		// the descendant set instead of signalling the negated PGID.
		d.log.Debug("killdomain: setsid unavailable, retrying with setpgid",
			"error", &DomainSetupError{Primitive: "setsid", Err: err})
		sessionLeader = false
		cmd = exec.Command(req.Executable, req.Argv...)
		cmd.Dir = req.WorkingDir
		cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return nil, &SpawnError{Executable: req.Executable, Err: err}
		}
	}

	handle := newChildHandle(cmd.Process.Pid)

	d.mu.Lock()
	d.cmd = cmd
	d.handle = handle
	d.sessionLeader = sessionLeader
	d.done = make(chan struct{})
	d.released = false
	d.mu.Unlock()

	d.log.Debug("killdomain: spawned", "pid", handle.Pid(), "session_leader", sessionLeader)

	if cg := newCgroupGuardFunc(d.tag, d.log); cg != nil {
		if err := cg.Add(handle.Pid()); err != nil {
			d.log.Debug("killdomain: cgroup attach failed, continuing without it", "error", err)
		} else {
			d.mu.Lock()
			d.cg = cg
			d.mu.Unlock()
		}
	}

	go d.waitLoop(cmd, handle)

	return handle, nil
}

func (d *UnixKillDomain) waitLoop(cmd *exec.Cmd, handle *ChildHandle) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				code = 128 + int(status.Signal())
			}
		} else {
			// The wait primitive itself failed (not a child exit
			// status); record it for diagnostics but still close
			// Done so the supervisor can escalate to force.
			d.log.Error("killdomain: wait failed", "error", err)
		}
	}
	handle.setExited(code, err)

	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (d *UnixKillDomain) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return d.done
}

func (d *UnixKillDomain) SignalTerminate() error {
	return d.signalAll(syscall.SIGTERM, 1)
}

func (d *UnixKillDomain) TerminateNow() error {
	if d.usingCgroup() {
		d.mu.Lock()
		cg := d.cg
		d.mu.Unlock()
		if cg != nil {
			// Freeze first so nothing in the tree can fork a fresh
			// escapee between the freeze and the kill.
			if err := cg.Freeze(); err != nil {
				d.log.Debug("killdomain: cgroup freeze failed", "error", err)
			}
			err := cg.KillAll(syscall.SIGKILL)
			_ = cg.Thaw()
			if err != nil {
				d.log.Debug("killdomain: cgroup kill-all reported an error", "error", err)
			}
		}
	}
	return d.signalAll(syscall.SIGKILL, noSessionPasses)
}

// signalAll delivers sig to the whole tree. In session-leader mode one
// signal to the negated PGID reaches every member. In no-session
// fallback mode it walks the process table passes times, leaves first then the
// root, to close the race against a descendant forking mid-sweep.
func (d *UnixKillDomain) signalAll(sig syscall.Signal, passes int) error {
	d.mu.Lock()
	handle := d.handle
	sessionLeader := d.sessionLeader
	d.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("killdomain: signal before SpawnAndAttach")
	}

	if sessionLeader {
		d.log.Debug("killdomain: signalling process group", "pgid", handle.Pid(), "signal", sig)
		if err := syscall.Kill(-handle.Pid(), sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killdomain: kill(-%d, %d): %w", handle.Pid(), sig, err)
		}
		return nil
	}

	var lastErr error
	for pass := 0; pass < passes; pass++ {
		set, err := descendant.Descendants(handle.Pid())
		if err != nil {
			lastErr = err
			d.log.Debug("killdomain: descendant walk failed", "error", err)
		} else {
			// Leaves first: Descendants returns an unordered set, so
			// kill the highest PIDs first as a cheap, usually-correct
			// approximation of leaf-before-root ordering, then the
			// root last.
			pids := set.Slice()
			for i := len(pids) - 1; i >= 0; i-- {
				if err := syscall.Kill(pids[i], sig); err != nil && !errors.Is(err, syscall.ESRCH) {
					lastErr = err
				}
			}
		}
		if err := syscall.Kill(handle.Pid(), sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			lastErr = err
		}
		if pass < passes-1 {
			time.Sleep(noSessionPassInterval)
		}
	}
	return lastErr
}

func (d *UnixKillDomain) usingCgroup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cg != nil
}

func (d *UnixKillDomain) Release() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	cg := d.cg
	d.cg = nil
	d.mu.Unlock()

	if cg != nil {
		if err := cg.Delete(); err != nil {
			d.log.Debug("killdomain: cgroup delete failed", "error", err)
		}
	}
	return nil
}
