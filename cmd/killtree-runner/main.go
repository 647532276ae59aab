// killtree-runner is the verifier CLI of spec §4.5/§6: it reads its
// configuration from the environment, drives the supervisor over one
// payload tree, and emits a JSON metrics document reporting whether
// every descendant was actually killed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"

	"pkt.systems/killtree/internal/killtreecfg"
	"pkt.systems/killtree/internal/killtreelog"
	"pkt.systems/killtree/killdomain"
	"pkt.systems/killtree/probe"
	"pkt.systems/killtree/supervisor"
)

// metricsDocument is spec §6's metrics document, field names fixed by
// the contract rather than Go convention.
type metricsDocument struct {
	StartedAt                 string         `json:"started_at"`
	OS                        string         `json:"os"`
	Depth                     int            `json:"depth"`
	Breadth                   int            `json:"breadth"`
	TimeoutMs                 int            `json:"timeout_ms"`
	GracefulMs                int64          `json:"graceful_ms"`
	Tag                       string         `json:"tag"`
	RunnerExitCode            int            `json:"runner_exit_code"`
	TotalElapsedMs            int64          `json:"total_elapsed_ms"`
	ProcessesSeenBeforeVerify int            `json:"processes_seen_before_verify"`
	ProcessesSeenAfterVerify  int            `json:"processes_seen_after_verify"`
	KilledTreeConfirmed       bool           `json:"killed_tree_confirmed"`
	OpenedTotal               int            `json:"opened_total"`
	OpenedByLevel             map[string]int `json:"opened_by_level"`
	ClosedTotal               *int           `json:"closed_total"`
	ClosedByLevel             map[string]int `json:"closed_by_level"`
}

func main() {
	log := killtreelog.NewZerologger(os.Stderr)

	cfg, err := killtreecfg.LoadRunnerConfig(log)
	if err != nil {
		log.Error("killtree-runner: invalid configuration", "error", err)
		os.Exit(1)
	}

	payload, err := resolvePayload(cfg.PayloadPath)
	if err != nil {
		log.Error("killtree-runner: could not locate payload binary", "error", err)
		os.Exit(1)
	}

	gracefulWait := killtreecfg.ParseGracefulWait(log, killtreecfg.DefaultGracefulWait)
	domain := killdomain.New(log, cfg.Tag)
	sup := supervisor.New(domain, supervisor.Options{GracefulWait: gracefulWait}, log)

	req := killdomain.SpawnRequest{
		Executable: payload,
		Argv: []string{
			"--depth", fmt.Sprint(cfg.Depth),
			"--breadth", fmt.Sprint(cfg.Breadth),
			"--sleepMs", fmt.Sprint(cfg.SleepMs),
			"--tag", cfg.Tag,
		},
	}

	startedAt := time.Now()
	outcome, runErr := sup.RunWithTimeout(context.Background(), req, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	elapsed := time.Since(startedAt)

	if runErr != nil {
		var incomplete *supervisor.TerminationIncompleteError
		if errors.As(runErr, &incomplete) {
			log.Error("killtree-runner: supervisor could not confirm termination", "error", runErr)
		} else {
			log.Error("killtree-runner: supervisor failed", "error", runErr)
		}
	}

	verifier := probe.New()
	before, err := verifier.CountByTag(cfg.Tag)
	if err != nil {
		log.Error("killtree-runner: probe failed", "error", err)
	}
	time.Sleep(time.Duration(cfg.VerifyDelayMs) * time.Millisecond)
	after, err := verifier.CountByTag(cfg.Tag)
	if err != nil {
		log.Error("killtree-runner: probe failed", "error", err)
	}

	survivors := minInt(before, after)
	if survivors > 0 {
		// Both of the first two probes see survivors; give
		// the OS a bounded extra window to settle instead of
		// declaring failure on what might just be reap lag.
		survivors, after = pollUntilStable(log, cfg.Tag, after)
	}
	killedConfirmed := survivors == 0

	doc := metricsDocument{
		StartedAt:                 startedAt.UTC().Format(time.RFC3339),
		OS:                        runtime.GOOS,
		Depth:                     cfg.Depth,
		Breadth:                   cfg.Breadth,
		TimeoutMs:                 cfg.TimeoutMs,
		GracefulMs:                gracefulWait.Milliseconds(),
		Tag:                       cfg.Tag,
		RunnerExitCode:            outcome.ExitCode,
		TotalElapsedMs:            elapsed.Milliseconds(),
		ProcessesSeenBeforeVerify: before,
		ProcessesSeenAfterVerify:  after,
		KilledTreeConfirmed:       killedConfirmed,
		OpenedTotal:               openedTotal(cfg.Depth, cfg.Breadth),
		OpenedByLevel:             openedByLevel(cfg.Depth, cfg.Breadth),
	}
	if killedConfirmed {
		closed := doc.OpenedTotal
		doc.ClosedTotal = &closed
		doc.ClosedByLevel = doc.OpenedByLevel
	}

	fmt.Println("=== METRICS ===")
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		log.Error("killtree-runner: failed to encode metrics", "error", err)
	}

	if killedConfirmed {
		os.Exit(0)
	}
	os.Exit(2)
}

// pollUntilStable gives the OS up to a couple of seconds to finish
// reaping before the runner gives up on a clean verification,
// resolving spec §9's open question in favor of a bounded poll rather
// than trusting a single VERIFY_DELAYMs sample.
func pollUntilStable(log killtreelog.Logger, tag string, lastKnown int) (survivors int, lastSeen int) {
	verifier := probe.New()
	last := lastKnown
	op := func() error {
		n, err := verifier.CountByTag(tag)
		if err != nil {
			return err
		}
		last = n
		if n > 0 {
			return fmt.Errorf("killtree-runner: %d tagged process(es) still alive", n)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 150 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	if err := backoff.Retry(op, b); err != nil {
		log.Debug("killtree-runner: survivors still present after poll-until-stable budget", "error", err, "count", last)
	}
	return last, last
}

func openedTotal(depth, breadth int) int {
	total := 0
	for k := 0; k <= depth; k++ {
		total += pow(breadth, k)
	}
	return total
}

func openedByLevel(depth, breadth int) map[string]int {
	m := make(map[string]int, depth+1)
	for k := 0; k <= depth; k++ {
		m[fmt.Sprint(k)] = pow(breadth, k)
	}
	return m
}

func pow(base, exp int) int {
	result := 1
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// resolvePayload honors an explicit path, then falls back to the
// conventional build-output locations spec §6 describes, then a bare
// PATH lookup.
func resolvePayload(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	name := "killtree-payload"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	candidates := []string{
		filepath.Join(".", "bin", name),
		filepath.Join(".", "cmd", "killtree-payload", name),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	if found, err := exec.LookPath(name); err == nil {
		return found, nil
	}
	return "", fmt.Errorf("killtree-runner: could not find %s via TREE_DLL, ./bin, ./cmd/killtree-payload, or PATH", name)
}
