//go:build !linux

package main

import (
	"net"

	"github.com/ARwMq9b6/proxygate/internal/config"
)

// listenConfigFor is a no-op outside Linux; reuse_port and transparent
// have no portable equivalent for this build to wire.
func listenConfigFor(_ config.Network) net.ListenConfig {
	return net.ListenConfig{}
}
