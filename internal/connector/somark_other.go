//go:build !linux

package connector

import "net"

// applySoMark is a no-op outside Linux; so_mark has no portable
// equivalent (spec.md §6 documents it as "linux only").
func applySoMark(_ *net.Dialer, _ int) {}
