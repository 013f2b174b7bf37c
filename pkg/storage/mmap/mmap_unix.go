//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// mmapFile maps a file descriptor into memory with MAP_SHARED so that writes made
// through the file are visible in the mapping.
func mmapFile(fd uintptr, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(fd), 0, size, prot, unix.MAP_SHARED)
}

// munmapFile unmaps the memory region, freeing the virtual memory space.
func munmapFile(data []byte) error {
	return unix.Munmap(data)
}
