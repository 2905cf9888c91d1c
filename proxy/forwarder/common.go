// Copyright (c) 2024 the ZDT-D authors.

// Package forwarder implements the TCP forwarder: per
// connection it resolves the original destination, classifies the
// protocol, consults the policy engine, dials (direct or via a SOCKS5
// backend), and splices the two sockets.
package forwarder

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// ErrNoBackends is returned when the pool has nothing to select.
var ErrNoBackends = errors.New("forwarder: no SOCKS5 backends configured")

// enableTCPKeepalive mirrors enable_tcp_keepalive: turns keepalive on and
// tunes the idle/interval/count knobs stdlib's SetKeepAlive can't reach
//.
func enableTCPKeepalive(conn *net.TCPConn, idle, intvl time.Duration, cnt int) {
	if err := conn.SetKeepAlive(true); err != nil {
		xlog.D("forwarder: setkeepalive: %v", err)
		return
	}
	sc, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = sc.Control(func(fd uintptr) {
		if idle > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle.Seconds()))
		}
		if intvl > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(intvl.Seconds()))
		}
		if cnt > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, cnt)
		}
	})
}

// setNoDelay mirrors the unconditional TCP_NODELAY set in handle_client.
func setNoDelay(conn *net.TCPConn) {
	if err := conn.SetNoDelay(true); err != nil {
		xlog.D("forwarder: setnodelay: %v", err)
	}
}

// resetClose applies zero-linger then closes, so the peer sees an RST
// instead of a clean FIN.
func resetClose(conn *net.TCPConn) {
	_ = conn.SetLinger(0)
	_ = conn.Close()
}

func connDesc(a, b net.Conn) string {
	return fmt.Sprintf("%v->%v => %v<-%v", a.LocalAddr(), a.RemoteAddr(), b.LocalAddr(), b.RemoteAddr())
}
