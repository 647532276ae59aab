//go:build darwin

package descendant

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Descendants walks the BSD process table via the KERN_PROC_ALL
// sysctl, the macOS equivalent of reading /proc on Linux. No process
// is spawned and no shell is involved.
func Descendants(root int) (Set, error) {
	procs, err := unix.SysctlKinfoProcSlice("kern.proc.all")
	if err != nil {
		return nil, fmt.Errorf("descendant: sysctl kern.proc.all: %w", err)
	}
	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		pid := int(p.Proc.P_pid)
		ppid := int(p.Eproc.Ppid)
		children[ppid] = append(children[ppid], pid)
	}
	return walkFromParentMap(children, root), nil
}
