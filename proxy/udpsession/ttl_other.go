// Copyright (c) 2024 the ZDT-D authors.

//go:build !linux

package udpsession

import "net"

// enableRecvTTL is a no-op outside Linux: no ancillary-TTL reception
// path exists.
func enableRecvTTL(conn *net.UDPConn) {}

func recvWithTTL(conn *net.UDPConn, buf []byte) (n int, ttl *int, err error) {
	n, err = conn.Read(buf)
	return n, nil, err
}
