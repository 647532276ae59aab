// killtree-payload is the test fixture the runner supervises: a
// program that forks an exponential tree of copies of itself, then
// sleeps until killed or until sleepMs elapses. It is the payload side
// of the external contract; the supervisor core never imports it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"pkt.systems/killtree/internal/killtreelog"
)

func main() {
	var depth, breadth, sleepMs int
	var tag string
	pflag.IntVar(&depth, "depth", 0, "how many more generations of children to fork")
	pflag.IntVar(&breadth, "breadth", 0, "how many children to fork at this generation")
	pflag.IntVar(&sleepMs, "sleepMs", 0, "how long to sleep before exiting on its own")
	pflag.StringVar(&tag, "tag", "", "marker embedded in every descendant's argv for the verifier")
	pflag.Parse()

	log := killtreelog.NewPSL(os.Stderr)
	line := fmt.Sprintf("PID=%d depth=%d breadth=%d tag=%s", os.Getpid(), depth, breadth, tag)
	fmt.Println(line)
	defer fmt.Println(line)

	if depth > 0 {
		spawnChildren(log, depth, breadth, sleepMs, tag)
	}

	ctx, cancel := installTermHandler()
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(sleepMs) * time.Millisecond):
	}
}

// spawnChildren launches breadth copies of this binary one generation
// shallower. They are fire-and-forget: the payload never waits on
// them, since reaping the whole tree is the supervisor's job, not
// this process's.
func spawnChildren(log killtreelog.Logger, depth, breadth, sleepMs int, tag string) {
	self, err := exec.LookPath(os.Args[0])
	if err != nil {
		self = os.Args[0]
	}
	for i := 0; i < breadth; i++ {
		args := []string{
			"--depth", fmt.Sprint(depth - 1),
			"--breadth", fmt.Sprint(breadth),
			"--sleepMs", fmt.Sprint(sleepMs),
			"--tag", tag,
		}
		cmd := exec.Command(self, args...)
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		if err := cmd.Start(); err != nil {
			log.Error("killtree-payload: failed to fork child", "index", i, "error", err)
			continue
		}
		// Released immediately: letting exec.Cmd go out of scope
		// without Wait is fine here, the child is reparented and the
		// supervisor's kill domain (session/job) is what actually
		// tracks it, not this process.
	}
}

// installTermHandler returns a context cancelled on SIGTERM, so the
// payload can exit promptly for the graceful-kill scenario instead of
// dying mid-sleep with no chance to print its exit line.
func installTermHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
