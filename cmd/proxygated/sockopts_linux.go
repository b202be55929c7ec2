//go:build linux

package main

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ARwMq9b6/proxygate/internal/config"
)

// listenConfigFor wires reuse_port and transparent (spec.md §6), the
// accept-side counterparts of internal/connector/somark_linux.go's
// outbound so_mark wiring: both apply a setsockopt through the same
// Control-hook shape, just on the listening socket instead of the
// dialer's.
func listenConfigFor(n config.Network) net.ListenConfig {
	if !n.ReusePort && !n.Transparent {
		return net.ListenConfig{}
	}
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if n.ReusePort {
					if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); sockErr != nil {
						return
					}
				}
				if n.Transparent {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
