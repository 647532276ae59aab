// Package probe implements the VerifierProbe external interface of
// spec §4.5: read-only queries over the OS process table that confirm
// no tagged payload process remains after supervised termination.
//
// Unlike package descendant, which walks PPID links from a known
// root, probe scans every live process's command line — by the time
// verification runs the supervisor has already released its
// ChildHandle, so there is no root PID left to walk from, only the
// tag string embedded in argv.
package probe

import "strings"

// PayloadMarker is the substring cmd/killtree-payload guarantees is
// present somewhere in its own argv (its own program name), so
// VerifierProbe never mistakes an unrelated process that happens to
// mention the tag for a tree survivor.
const PayloadMarker = "killtree-payload"

// scanCommandLines is implemented per-platform (probe_linux.go,
// probe_darwin.go, probe_windows.go). It calls visit once per live
// process with its joined command line, stopping early if visit
// returns true. Processes probe cannot read (permission denied,
// exited mid-scan) are simply skipped rather than causing an error —
// a verifier that loses a race with process exit should report "0
// left", not an OS error.
type commandLineScanner func(visit func(pid int, cmdline string) (stop bool)) error

var scanCommandLines commandLineScanner = platformScanCommandLines

// VerifierProbe counts live processes by tag.
type VerifierProbe struct{}

// New returns a VerifierProbe.
func New() VerifierProbe { return VerifierProbe{} }

// CountByTag returns the number of currently live processes whose
// command line contains both PayloadMarker and tag.
func (VerifierProbe) CountByTag(tag string) (int, error) {
	n := 0
	err := scanCommandLines(func(_ int, cmdline string) bool {
		if matches(cmdline, tag) {
			n++
		}
		return false
	})
	return n, err
}

// AnyLeft reports whether at least one process matches tag, stopping
// at the first match rather than scanning the whole table.
func (VerifierProbe) AnyLeft(tag string) (bool, error) {
	found := false
	err := scanCommandLines(func(_ int, cmdline string) bool {
		if matches(cmdline, tag) {
			found = true
			return true
		}
		return false
	})
	return found, err
}

func matches(cmdline, tag string) bool {
	return strings.Contains(cmdline, PayloadMarker) && strings.Contains(cmdline, tag)
}
