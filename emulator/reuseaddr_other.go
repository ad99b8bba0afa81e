//go:build !windows

package emulator

import "syscall"

// setReuseAddr lets a restarted emulator rebind its port immediately.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
