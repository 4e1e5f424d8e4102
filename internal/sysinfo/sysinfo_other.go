//go:build !linux && !darwin

package sysinfo

import "fmt"

func availableMemory() (uint64, error) {
	return 0, fmt.Errorf("sysinfo: unsupported platform for RAM detection")
}

func availableDisk(path string) (uint64, error) {
	return 0, fmt.Errorf("sysinfo: unsupported platform for disk detection")
}
