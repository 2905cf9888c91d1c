// Copyright (c) 2024 the ZDT-D authors.

//go:build linux

package originaldst

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ip6tSoOriginalDst is the fallback ip6tables socket-option number some
// kernels expose under SOL_IPV6 instead of the IPv4-only SO_ORIGINAL_DST.
const ip6tSoOriginalDst = 80

type controller interface {
	Control(f func(fd uintptr)) error
}

// TCPOriginalDst recovers the pre-NAT destination of a TCP connection
// accepted off a transparently-redirected listener: try
// getsockopt(SOL_IP, SO_ORIGINAL_DST) first, then the two IPv6 variants.
func TCPOriginalDst(conn *net.TCPConn) (net.IP, int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return originalDstFromRawConn(sc)
}

// UDPOriginalDst recovers the pre-NAT destination of a UDP listening
// socket after a redirected datagram arrives.
func UDPOriginalDst(conn *net.UDPConn) (net.IP, int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return originalDstFromRawConn(sc)
}

func originalDstFromRawConn(sc controller) (net.IP, int, error) {
	type attempt struct{ level, opt int }
	attempts := []attempt{
		{unix.SOL_IP, unix.SO_ORIGINAL_DST},
		{unix.SOL_IPV6, unix.SO_ORIGINAL_DST},
		{unix.SOL_IPV6, ip6tSoOriginalDst},
	}

	var lastErr error
	for _, a := range attempts {
		var raw []byte
		var geterr error
		ctrlErr := sc.Control(func(fd uintptr) {
			raw, geterr = getsockopt(int(fd), a.level, a.opt, 128)
		})
		if ctrlErr != nil {
			lastErr = ctrlErr
			continue
		}
		if geterr != nil {
			lastErr = geterr
			continue
		}
		ip, port, err := Parse(raw)
		if err == nil {
			return ip, port, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// getsockopt retrieves size bytes via the raw getsockopt(2) syscall.
// SO_ORIGINAL_DST's sockaddr_in/sockaddr_in6-shaped result has no typed
// wrapper in golang.org/x/sys/unix, so we call the syscall directly —
// the same pattern iptables-aware proxies in the Go ecosystem use.
func getsockopt(fd, level, opt int, size int) ([]byte, error) {
	buf := make([]byte, size)
	l := uint32(size)
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(opt),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return buf[:l], nil
}
