package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the kernel for a free port on localhost and releases it.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// GetEphemeralTCPPortRange returns the first port of n consecutive ports that were all free at the time of the call.
// Node i of a cluster listens on base+i, so multi-node clusters need a contiguous range.
func GetEphemeralTCPPortRange(n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("invalid port range size %d", n)
	}
	for attempt := 0; attempt < 20; attempt++ {
		base, err := GetEphemeralTCPPort()
		if err != nil {
			return 0, err
		}
		if base+n-1 > 65535 {
			continue
		}
		if rangeFree(base, n) {
			return base, nil
		}
	}
	return 0, fmt.Errorf("unable to find %d consecutive free ports", n)
}

func rangeFree(base, n int) bool {
	var listeners []net.Listener
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	for p := base; p < base+n; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", p))
		if err != nil {
			return false
		}
		listeners = append(listeners, l)
	}
	return true
}
