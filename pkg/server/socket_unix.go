//go:build unix

package server

import "syscall"

// setSocketOptions enables SO_REUSEADDR on a listening socket
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
