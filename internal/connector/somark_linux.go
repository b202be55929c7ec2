//go:build linux

package connector

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// applySoMark wires so_mark (spec.md §6 `so_mark`) through Dialer's
// Control hook, the Linux-only knob for policy routing.
func applySoMark(d *net.Dialer, mark int) {
	if mark == 0 {
		return
	}
	d.Control = func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
