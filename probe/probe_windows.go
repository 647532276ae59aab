//go:build windows

package probe

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Windows has no /proc equivalent that exposes a full command line
// through a public, documented API; PROCESS_ENTRY32 only carries the
// executable's file name. The native technique — also used by tools
// like Process Explorer — is to read the target's PEB through
// NtQueryInformationProcess + ReadProcessMemory and pull
// RTL_USER_PROCESS_PARAMETERS.CommandLine out of it. Offsets below are
// for 64-bit Windows; a process we cannot open (wrong bitness, access
// denied, already exited) is simply skipped, matching spec §7's
// "errors from ... descendant enumeration are logged and swallowed".
const (
	pebProcessParametersOffset                = 0x20
	rtlUserProcessParametersCommandLineOffset = 0x70
)

type processBasicInformation struct {
	ExitStatus                   uintptr
	PebBaseAddress               uintptr
	AffinityMask                 uintptr
	BasePriority                 uintptr
	UniqueProcessId              uintptr
	InheritedFromUniqueProcessId uintptr
}

var (
	modntdll                      = windows.NewLazySystemDLL("ntdll.dll")
	procNtQueryInformationProcess = modntdll.NewProc("NtQueryInformationProcess")
)

func platformScanCommandLines(visit func(pid int, cmdline string) (stop bool)) error {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return fmt.Errorf("probe: CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return fmt.Errorf("probe: Process32First: %w", err)
	}
	for {
		pid := entry.ProcessID
		if cmdline, err := readCommandLine(pid); err == nil {
			if visit(int(pid), cmdline) {
				return nil
			}
		}
		if err := windows.Process32Next(snap, &entry); err != nil {
			break
		}
	}
	return nil
}

func readCommandLine(pid uint32) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	var pbi processBasicInformation
	ret, _, _ := procNtQueryInformationProcess.Call(
		uintptr(h), 0, uintptr(unsafe.Pointer(&pbi)), unsafe.Sizeof(pbi), 0,
	)
	if ret != 0 {
		return "", fmt.Errorf("probe: NtQueryInformationProcess status 0x%x", ret)
	}

	paramsAddr, err := readUintptr(h, pbi.PebBaseAddress+pebProcessParametersOffset)
	if err != nil {
		return "", err
	}

	var unicodeStr [16]byte
	var n uintptr
	if err := windows.ReadProcessMemory(h, paramsAddr+rtlUserProcessParametersCommandLineOffset, &unicodeStr[0], uintptr(len(unicodeStr)), &n); err != nil {
		return "", err
	}
	length := binary.LittleEndian.Uint16(unicodeStr[0:2])
	bufferAddr := uintptr(binary.LittleEndian.Uint64(unicodeStr[8:16]))
	if length == 0 {
		return "", nil
	}

	strBuf := make([]byte, length)
	if err := windows.ReadProcessMemory(h, bufferAddr, &strBuf[0], uintptr(length), &n); err != nil {
		return "", err
	}
	units := make([]uint16, length/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(strBuf[i*2 : i*2+2])
	}
	return string(utf16.Decode(units)), nil
}

func readUintptr(h windows.Handle, addr uintptr) (uintptr, error) {
	var buf [8]byte
	var n uintptr
	if err := windows.ReadProcessMemory(h, addr, &buf[0], uintptr(len(buf)), &n); err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}
