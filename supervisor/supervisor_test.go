package supervisor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"pkt.systems/killtree/internal/killtreelog"
	"pkt.systems/killtree/killdomain"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scenario uses a POSIX shell")
	}
}

func newTestSupervisor(opts Options) *Supervisor {
	domain := killdomain.New(killtreelog.Nop(), "supervisor-test")
	return New(domain, opts, killtreelog.Nop())
}

func shRequest(script string) killdomain.SpawnRequest {
	return killdomain.SpawnRequest{Executable: "/bin/sh", Argv: []string{"-c", script}}
}

// S1: the child exits on its own well inside the deadline.
func TestRunWithTimeoutNaturalExit(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(DefaultOptions())

	out, err := s.RunWithTimeout(context.Background(), shRequest("exit 7"), 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", out.ExitCode)
	}
	if out.TimedOut || out.KillEscalatedToForce {
		t.Fatalf("unexpected escalation: %+v", out)
	}
}

// S2: the deadline fires, the graceful signal reaches the child, and it
// exits inside the grace window without ever needing a forceful kill.
func TestRunWithTimeoutGracefulExit(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(Options{GracefulWait: 2 * time.Second})

	req := shRequest(`trap 'exit 5' TERM; sleep 5 & wait`)
	out, err := s.RunWithTimeout(context.Background(), req, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.TimedOut {
		t.Fatalf("expected TimedOut=true, got %+v", out)
	}
	if out.KillEscalatedToForce {
		t.Fatalf("expected no forceful escalation, got %+v", out)
	}
	if out.ExitCode != 5 {
		t.Fatalf("exit code = %d, want 5", out.ExitCode)
	}
	if out.GracefulWindowUsed <= 0 || out.GracefulWindowUsed >= 2*time.Second {
		t.Fatalf("graceful window used out of range: %s", out.GracefulWindowUsed)
	}
}

// S3: the child ignores the graceful signal, so the grace window
// elapses and TerminateNow reaps it via SIGKILL.
func TestRunWithTimeoutForcefulKill(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(Options{GracefulWait: 150 * time.Millisecond})

	req := shRequest(`trap '' TERM; sleep 30 & wait`)
	out, err := s.RunWithTimeout(context.Background(), req, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.TimedOut || !out.KillEscalatedToForce {
		t.Fatalf("expected timeout + forceful escalation, got %+v", out)
	}
}

// External cancellation while waiting behaves like the deadline firing.
func TestRunWithTimeoutContextCancellation(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(Options{GracefulWait: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	req := shRequest(`trap 'exit 5' TERM; sleep 5 & wait`)

	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	out, err := s.RunWithTimeout(ctx, req, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.TimedOut {
		t.Fatalf("expected cancellation to behave as timeout, got %+v", out)
	}
}

// Cancellation arriving during the grace window collapses the
// remainder of that window to zero instead of waiting it out.
func TestRunWithTimeoutCancellationDuringGraceCollapsesWindow(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(Options{GracefulWait: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	req := shRequest(`trap '' TERM; sleep 30 & wait`)

	go func() {
		time.Sleep(120 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out, err := s.RunWithTimeout(ctx, req, 50*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.KillEscalatedToForce {
		t.Fatalf("expected forceful escalation once cancellation collapsed the grace window, got %+v", out)
	}
	if elapsed >= 5*time.Second {
		t.Fatalf("grace window was not collapsed: took %s", elapsed)
	}
}

func TestRunWithTimeoutRejectsNonPositiveTimeout(t *testing.T) {
	s := newTestSupervisor(DefaultOptions())
	if _, err := s.RunWithTimeout(context.Background(), shRequest("exit 0"), 0); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := s.RunWithTimeout(context.Background(), shRequest("exit 0"), -time.Second); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRunWithTimeoutSpawnFailure(t *testing.T) {
	s := newTestSupervisor(DefaultOptions())
	req := killdomain.SpawnRequest{Executable: "/no/such/killtree-binary"}
	if _, err := s.RunWithTimeout(context.Background(), req, time.Second); err == nil {
		t.Fatal("expected spawn failure error")
	}
}

// A Supervisor rejects a second concurrent invocation but accepts
// later sequential ones once the first has returned.
func TestRunWithTimeoutBusyThenReusable(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(DefaultOptions())

	started := make(chan struct{})
	firstDone := make(chan Outcome, 1)
	go func() {
		req := shRequest(`echo ready; sleep 0.3`)
		close(started)
		out, err := s.RunWithTimeout(context.Background(), req, 5*time.Second)
		if err != nil {
			t.Errorf("first run failed: %v", err)
		}
		firstDone <- out
	}()

	<-started
	time.Sleep(30 * time.Millisecond)
	if _, err := s.RunWithTimeout(context.Background(), shRequest("exit 0"), time.Second); err != ErrBusy {
		t.Fatalf("expected ErrBusy while first run in flight, got %v", err)
	}
	<-firstDone

	if _, err := s.RunWithTimeout(context.Background(), shRequest("exit 0"), time.Second); err != nil {
		t.Fatalf("expected reuse after completion to succeed, got %v", err)
	}
}
