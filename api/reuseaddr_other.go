//go:build !windows

package api

import "syscall"

// setReuseAddr enables SO_REUSEADDR so a restarted bridge can rebind its port immediately.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
