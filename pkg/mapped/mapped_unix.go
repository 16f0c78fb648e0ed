//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package mapped

import "golang.org/x/sys/unix"

func init() {
	mapFile = func(fd int, offset int64, length int) ([]byte, error) {
		return unix.Mmap(fd, offset, length, unix.PROT_READ, unix.MAP_SHARED)
	}
	unmapFile = unix.Munmap
}
