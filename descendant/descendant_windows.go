//go:build windows

package descendant

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Descendants walks a CreateToolhelp32Snapshot process snapshot,
// reading ParentProcessID for each entry, the native equivalent of
// reading /proc on Linux.
func Descendants(root int) (Set, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("descendant: CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	children := make(map[int][]int)
	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, fmt.Errorf("descendant: Process32First: %w", err)
	}
	for {
		pid := int(entry.ProcessID)
		ppid := int(entry.ParentProcessID)
		children[ppid] = append(children[ppid], pid)

		if err := windows.Process32Next(snap, &entry); err != nil {
			break // ERROR_NO_MORE_FILES once the snapshot is exhausted
		}
	}
	return walkFromParentMap(children, root), nil
}
