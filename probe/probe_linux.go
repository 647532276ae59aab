//go:build linux

package probe

import (
	"os"
	"strconv"
	"strings"
)

// platformScanCommandLines reads /proc/<pid>/cmdline for every PID
// directory under /proc. cmdline is NUL-separated argv; we join with
// spaces for substring matching, which is all VerifierProbe needs.
func platformScanCommandLines(visit func(pid int, cmdline string) (stop bool)) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile("/proc/" + entry.Name() + "/cmdline")
		if err != nil || len(raw) == 0 {
			continue // exited mid-scan, or a kernel thread with no cmdline
		}
		cmdline := strings.ReplaceAll(strings.TrimRight(string(raw), "\x00"), "\x00", " ")
		if visit(pid, cmdline) {
			return nil
		}
	}
	return nil
}
