// Copyright (c) 2024 the ZDT-D authors.

//go:build !linux

package originaldst

import (
	"fmt"
	"net"
)

// TCPOriginalDst always fails off Linux: SO_ORIGINAL_DST is a Linux
// netfilter extension.
func TCPOriginalDst(conn *net.TCPConn) (net.IP, int, error) {
	return nil, 0, fmt.Errorf("%w: unsupported platform", ErrUnavailable)
}

// UDPOriginalDst always fails off Linux, for the same reason.
func UDPOriginalDst(conn *net.UDPConn) (net.IP, int, error) {
	return nil, 0, fmt.Errorf("%w: unsupported platform", ErrUnavailable)
}
