//go:build linux

package sysinfo

import "golang.org/x/sys/unix"

// availableMemory returns an estimate of free+available physical RAM in
// bytes on Linux, via the sysinfo(2) syscall.
func availableMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	free := uint64(info.Freeram) * uint64(info.Unit)
	buffered := uint64(info.Bufferram) * uint64(info.Unit)
	return free + buffered, nil
}

// availableDisk returns free bytes on the filesystem containing path.
func availableDisk(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
