package shm

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// HostAvailable returns the memory the host can hand out without swapping.
func HostAvailable() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("virtual memory stat: %w", err)
	}
	return vm.Available, nil
}

// CanReserve reports whether size more bytes fit in available host memory.
func CanReserve(size uint64) (bool, error) {
	avail, err := HostAvailable()
	if err != nil {
		return false, err
	}
	return size <= avail, nil
}
