//go:build darwin

package sysinfo

import (
	"syscall"
	"unsafe"
)

// availableMemory returns total physical RAM in bytes on macOS. The BSD
// syscall interface has no cheap "available" counter comparable to Linux's
// sysinfo(2), so we report total RAM and let callers apply their own
// headroom fraction, matching the conservative fallback shape used
// elsewhere in this package.
func availableMemory() (uint64, error) {
	mib := [2]int32{6 /* CTL_HW */, 24 /* HW_MEMSIZE */}
	var size uint64
	n := uintptr(8)
	_, _, errno := syscall.Syscall6(
		syscall.SYS___SYSCTL,
		uintptr(unsafe.Pointer(&mib[0])),
		2,
		uintptr(unsafe.Pointer(&size)),
		uintptr(unsafe.Pointer(&n)),
		0, 0,
	)
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

func availableDisk(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
