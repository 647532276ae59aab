//go:build darwin

package probe

import (
	"bytes"
	"encoding/binary"
	"strings"

	"golang.org/x/sys/unix"
)

// platformScanCommandLines reads each process's argv via the
// KERN_PROCARGS2 sysctl, the macOS equivalent of /proc/<pid>/cmdline.
// The process list itself comes from the same kern.proc.all sysctl
// package descendant uses.
func platformScanCommandLines(visit func(pid int, cmdline string) (stop bool)) error {
	procs, err := unix.SysctlKinfoProcSlice("kern.proc.all")
	if err != nil {
		return err
	}
	for _, p := range procs {
		pid := int(p.Proc.P_pid)
		cmdline, err := procArgsString(pid)
		if err != nil {
			continue // permission denied or the process exited mid-scan
		}
		if visit(pid, cmdline) {
			return nil
		}
	}
	return nil
}

// procArgsString reassembles argv for pid from the KERN_PROCARGS2
// sysctl buffer: a leading int32 argc, the exec path, NUL padding,
// then argc NUL-terminated argv strings.
func procArgsString(pid int) (string, error) {
	raw, err := unix.SysctlRaw("kern.procargs2", pid)
	if err != nil {
		return "", err
	}
	if len(raw) < 4 {
		return "", nil
	}
	argc := int(binary.LittleEndian.Uint32(raw[:4]))
	rest := raw[4:]

	// Skip the exec_path plus its NUL padding up to the first
	// non-NUL byte, which marks the start of argv[0].
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return "", nil
	}
	rest = rest[nul:]
	for len(rest) > 0 && rest[0] == 0 {
		rest = rest[1:]
	}

	parts := make([]string, 0, argc)
	for i := 0; i < argc && len(rest) > 0; i++ {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			parts = append(parts, string(rest))
			break
		}
		parts = append(parts, string(rest[:end]))
		rest = rest[end+1:]
	}
	return strings.Join(parts, " "), nil
}
