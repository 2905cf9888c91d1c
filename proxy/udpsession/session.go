// Copyright (c) 2024 the ZDT-D authors.

// Package udpsession implements the per-client UDP session manager
//: one UDP session per distinct client endpoint, relayed
// through a SOCKS5 UDP-ASSOCIATE binding or (when the pool is down) a
// direct raw socket, reaped on idle.
package udpsession

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GAME-OVER-op/ZDT-D/proxy/ipn"
	"github.com/GAME-OVER-op/ZDT-D/proxy/socks5"
	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// ErrNotAlive is returned by SendFromClient once a session has closed.
var ErrNotAlive = errors.New("udpsession: session not alive")

// deliverFunc writes a relay reply back to the client through the shared
// listening socket.
type deliverFunc func(payload []byte, clientAddr net.Addr)

// Session is one live client<->backend UDP flow. All relay I/O for SOCKS sessions happens through an
// ephemeral UDP socket; direct sessions use a raw unconnected socket.
type Session struct {
	ClientAddr net.Addr
	UseDirect  bool
	Backend    *ipn.Backend // nil for direct sessions

	controlConn net.Conn     // SOCKS5 control TCP, nil if direct
	dataConn    *net.UDPConn // relay or direct data socket
	relayAddr   *net.UDPAddr // SOCKS5 BND.ADDR/PORT, rewritten if 0.0.0.0

	lastActivity atomic.Int64 // unix nanos
	alive        atomic.Bool

	mu sync.Mutex

	deliver deliverFunc
	onClose func()
}

// dialParams bundles what newSocksSession needs to establish the session's data
// path, kept separate from Session so tests can construct a Session
// directly around a fake dataConn.
type dialParams struct {
	backendHost string
	backendPort int
	resolvedIP  net.IP
	creds       *socks5.Credentials
	dialTimeout time.Duration
}

// newDirectSession binds an unconnected UDP socket for pool-down
// fallback.
func newDirectSession(clientAddr net.Addr, deliver deliverFunc, onClose func()) (*Session, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	s := &Session{
		ClientAddr: clientAddr,
		UseDirect:  true,
		dataConn:   conn,
		deliver:    deliver,
		onClose:    onClose,
	}
	enableRecvTTL(conn)
	s.touch()
	s.alive.Store(true)
	return s, nil
}

// newSocksSession dials the backend's SOCKS5 control channel, performs
// UDP ASSOCIATE, and binds the relay data socket.
func newSocksSession(ctx context.Context, clientAddr net.Addr, p dialParams, backend *ipn.Backend, deliver deliverFunc, onClose func()) (*Session, error) {
	d := net.Dialer{Timeout: p.dialTimeout}
	tcp, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.resolvedIP.String(), strconv.Itoa(p.backendPort)))
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.dialTimeout)
	if err := socks5.Greet(tcp, p.creds, deadline); err != nil {
		_ = tcp.Close()
		return nil, err
	}
	bound, err := socks5.UDPAssociate(tcp, deadline)
	if err != nil {
		_ = tcp.Close()
		return nil, err
	}

	relayHost := bound.Host
	if socks5.IsUnspecified(relayHost) || relayHost == "" {
		relayHost = p.resolvedIP.String()
	}
	relayAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(relayHost, strconv.Itoa(int(bound.Port))))
	if err != nil {
		_ = tcp.Close()
		return nil, err
	}

	// DialUDP binds an ephemeral local port and connects to the relay in
	// one step.
	conn, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		_ = tcp.Close()
		return nil, err
	}
	enableRecvTTL(conn)

	s := &Session{
		ClientAddr:  clientAddr,
		UseDirect:   false,
		Backend:     backend,
		controlConn: tcp,
		dataConn:    conn,
		relayAddr:   relayAddr,
		deliver:     deliver,
		onClose:     onClose,
	}
	s.touch()
	s.alive.Store(true)
	return s, nil
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Idle reports whether the session has been silent longer than d.
func (s *Session) Idle(d time.Duration) bool {
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last) > d
}

// Alive reports whether Close has not yet been called.
func (s *Session) Alive() bool { return s.alive.Load() }

// SendFromClient frames (if SOCKS) and forwards one client->backend
// datagram.
func (s *Session) SendFromClient(dstHost string, dstPort int, data []byte) (int, error) {
	if !s.alive.Load() {
		return 0, ErrNotAlive
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	var err error
	if s.UseDirect {
		n, err = s.dataConn.WriteToUDP(data, &net.UDPAddr{IP: net.ParseIP(dstHost), Port: dstPort})
	} else {
		pkt, perr := socks5.BuildUDPPacket(dstHost, uint16(dstPort), data)
		if perr != nil {
			return 0, perr
		}
		n, err = s.dataConn.Write(pkt)
	}
	if err == nil {
		s.touch()
	}
	return n, err
}

// relayLoop reads replies from the backend (or direct target) and
// delivers them to the client through deliver. It
// runs until the session is closed or ctx is cancelled.
func (s *Session) relayLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil || !s.alive.Load() {
			return
		}
		_ = s.dataConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, ttl, err := recvWithTTL(s.dataConn, buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.alive.Load() {
				return
			}
			continue
		}
		s.touch()

		if ttl != nil {
			if s.Backend != nil {
				s.Backend.PushTTL(*ttl)
			}
		}

		if s.UseDirect {
			s.deliver(append([]byte(nil), buf[:n]...), s.ClientAddr)
			continue
		}

		_, _, payload, perr := socks5.ParseUDPPacket(buf[:n])
		if perr != nil {
			xlog.D("udpsession[%s]: parse reply failed, forwarding raw: %v", s.ClientAddr, perr)
			payload = buf[:n]
		}
		s.deliver(append([]byte(nil), payload...), s.ClientAddr)
	}
}

// watchControl blocks on the SOCKS5 control connection and tears the
// session down the moment the backend closes it or the read errors,
// instead of leaving the data socket to silently black-hole until the
// idle reaper eventually notices. No-op for direct sessions, which have
// no control connection.
func (s *Session) watchControl() {
	if s.controlConn == nil {
		return
	}
	buf := make([]byte, 1)
	for {
		if _, err := s.controlConn.Read(buf); err != nil {
			s.Close()
			return
		}
		if !s.alive.Load() {
			return
		}
	}
}

// Close tears the session down; safe to call more than once.
func (s *Session) Close() {
	if !s.alive.CompareAndSwap(true, false) {
		return
	}
	if s.controlConn != nil {
		_ = s.controlConn.Close()
	}
	if s.dataConn != nil {
		_ = s.dataConn.Close()
	}
	if s.onClose != nil {
		s.onClose()
	}
}
