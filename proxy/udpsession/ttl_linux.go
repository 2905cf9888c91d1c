// Copyright (c) 2024 the ZDT-D authors.

//go:build linux

package udpsession

import (
	"net"

	"golang.org/x/sys/unix"
)

// enableRecvTTL requests IP_TTL ancillary data on incoming datagrams
//. Best-effort: a failure here just means relayLoop
// never sees a TTL sample.
func enableRecvTTL(conn *net.UDPConn) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = sc.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTTL, 1)
	})
}

// recvWithTTL reads one datagram and, if present, extracts the IP_TTL
// ancillary control message.
func recvWithTTL(conn *net.UDPConn, buf []byte) (n int, ttl *int, err error) {
	oob := make([]byte, 64)
	var oobn int
	n, oobn, _, _, err = conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return 0, nil, err
	}

	msgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
	if perr != nil {
		return n, nil, nil
	}
	for _, m := range msgs {
		if m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_TTL && len(m.Data) >= 1 {
			v := int(m.Data[0])
			return n, &v, nil
		}
	}
	return n, nil, nil
}
