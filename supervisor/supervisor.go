// Package supervisor implements the deadline-driven process-tree
// lifecycle of spec §4.1: spawn, wait up to a deadline, escalate from
// a graceful to a forceful kill, and release every OS handle on every
// exit path — success, timeout, cancellation, or an internal error.
//
// The state machine itself is the direct descendant of sa6mwa-psi's
// runAsInit supervisor loop (select over child-exit, signal and
// forced-kill-timer channels); RunWithTimeout generalizes that loop
// from "PID1 forwarding signals to one container's process group" to
// "spawn one request, kill on deadline, report a structured outcome".
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pkt.systems/killtree/internal/killtreelog"
	"pkt.systems/killtree/killdomain"
)

// ErrInvalidArgument is returned when timeout is not finite and
// strictly positive. No spawn is attempted.
var ErrInvalidArgument = errors.New("supervisor: timeout must be positive")

// ErrBusy is returned when RunWithTimeout is called while a previous
// call on the same Supervisor is still in flight. A Supervisor is
// reusable sequentially but not reentrant.
var ErrBusy = errors.New("supervisor: already running")

// TerminationIncompleteError means the child was never observed as
// exited even after a forceful kill and the bounded final join. It is
// fatal: the caller cannot assume the process tree is gone.
type TerminationIncompleteError struct {
	Pid int
}

func (e *TerminationIncompleteError) Error() string {
	return fmt.Sprintf("supervisor: pid %d did not exit after forceful kill within the join budget", e.Pid)
}

// finalJoinBudget bounds the unconditional wait after TerminateNow, per spec §5.
const finalJoinBudget = 2 * time.Second

// Options configures a Supervisor. The zero value is not valid;
// callers should start from DefaultOptions.
type Options struct {
	// GracefulWait is the duration between the graceful and forceful
	// kill signals, spec §3's "graceful_wait". Default 500ms.
	GracefulWait time.Duration
}

// DefaultOptions returns the documented default configuration.
func DefaultOptions() Options {
	return Options{GracefulWait: 500 * time.Millisecond}
}

// Outcome reports what happened during one RunWithTimeout call.
type Outcome struct {
	ExitCode             int
	Elapsed              time.Duration
	GracefulWindowUsed   time.Duration
	TimedOut             bool
	KillEscalatedToForce bool
}

// Supervisor exclusively owns one KillDomain and the ChildHandle it
// produces; nothing outside the Supervisor may signal the child
// directly.
type Supervisor struct {
	domain killdomain.KillDomain
	opts   Options
	log    killtreelog.Logger

	running atomic.Bool
}

// New returns a Supervisor driving domain with opts. domain should
// come from killdomain.New for the common case of "the strongest
// primitive this platform offers"; tests may inject a fake.
func New(domain killdomain.KillDomain, opts Options, log killtreelog.Logger) *Supervisor {
	if log == nil {
		log = killtreelog.Nop()
	}
	return &Supervisor{domain: domain, opts: opts, log: log}
}

// RunWithTimeout spawns req and waits up to timeout for it to exit. If
// the deadline or ctx fires first, it signals the whole domain,
// escalating to a forceful kill, and waits for the root to be reaped
// before returning. On a natural exit of the root no signal is sent and
// the domain is only released, so on Unix a descendant that outlives
// the root keeps running. ctx, if
// non-nil, supplies external cancellation; context.Background() is an
// acceptable argument meaning "no extra cancellation source".
func (s *Supervisor) RunWithTimeout(ctx context.Context, req killdomain.SpawnRequest, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		return Outcome{}, ErrInvalidArgument
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.running.CompareAndSwap(false, true) {
		return Outcome{}, ErrBusy
	}
	defer s.running.Store(false)

	handle, err := s.domain.SpawnAndAttach(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	start := time.Now()

	defer func() {
		if err := s.domain.Release(); err != nil {
			s.log.Error("supervisor: release failed", "error", err)
		}
	}()

	outcome, err := s.waitAndEscalate(ctx, handle, timeout, start)
	return outcome, err
}

func (s *Supervisor) waitAndEscalate(ctx context.Context, handle *killdomain.ChildHandle, timeout time.Duration, start time.Time) (Outcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-s.domain.Done():
		// Fell through below; decide natural-vs-wait-failed next.
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	if !timedOut {
		if handle.WaitErr() != nil {
			// spec §4.1 tie-break: a failed wait primitive escalates
			// straight to forceful kill rather than being treated as
			// a clean natural exit.
			s.log.Error("supervisor: wait primitive failed, escalating to forceful kill", "error", handle.WaitErr())
			return s.killForce(handle, start, 0)
		}
		code, _ := handle.ExitStatus()
		return Outcome{
			ExitCode: code,
			Elapsed:  time.Since(start),
		}, nil
	}

	return s.killGraceful(ctx, handle, start, s.opts.GracefulWait, false)
}

// killGraceful sends the graceful signal and waits up to gracefulWait
// (collapsed to zero immediately if skipGraceful is set) for the child
// to exit before escalating to a forceful kill.
func (s *Supervisor) killGraceful(ctx context.Context, handle *killdomain.ChildHandle, start time.Time, gracefulWait time.Duration, skipGraceful bool) (Outcome, error) {
	if err := s.domain.SignalTerminate(); err != nil {
		s.log.Error("supervisor: graceful signal failed, escalating immediately", "error", err)
		gracefulWait = 0
	}

	graceStart := time.Now()
	var graceTimer *time.Timer
	var graceC <-chan time.Time
	if gracefulWait > 0 && !skipGraceful {
		graceTimer = time.NewTimer(gracefulWait)
		graceC = graceTimer.C
		defer graceTimer.Stop()
	} else {
		immediate := make(chan time.Time, 1)
		immediate <- time.Now()
		graceC = immediate
	}

	// A cancellation that already fired while waiting was handled as the
	// deadline; only one arriving inside the grace window collapses it.
	cancelC := ctx.Done()
	if ctx.Err() != nil {
		cancelC = nil
	}

	select {
	case <-s.domain.Done():
		return Outcome{
			ExitCode:           exitCodeOf(handle),
			Elapsed:            time.Since(start),
			GracefulWindowUsed: time.Since(graceStart),
			TimedOut:           true,
		}, nil
	case <-graceC:
		// Grace window elapsed (or was collapsed to zero); escalate.
	case <-cancelC:
		// External cancellation during the grace window collapses
		// the remainder to zero per spec §5.
	}

	return s.killForce(handle, start, time.Since(graceStart))
}

func (s *Supervisor) killForce(handle *killdomain.ChildHandle, start time.Time, gracefulWindowUsed time.Duration) (Outcome, error) {
	if err := s.domain.TerminateNow(); err != nil {
		s.log.Error("supervisor: forceful kill reported an error, waiting for exit anyway", "error", err)
	}

	budget := time.NewTimer(finalJoinBudget)
	defer budget.Stop()
	select {
	case <-s.domain.Done():
	case <-budget.C:
		return Outcome{}, &TerminationIncompleteError{Pid: handle.Pid()}
	}

	return Outcome{
		ExitCode:             exitCodeOf(handle),
		Elapsed:              time.Since(start),
		GracefulWindowUsed:   gracefulWindowUsed,
		TimedOut:             true,
		KillEscalatedToForce: true,
	}, nil
}

func exitCodeOf(handle *killdomain.ChildHandle) int {
	code, _ := handle.ExitStatus()
	return code
}
