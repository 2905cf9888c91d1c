// Copyright (c) 2024 the ZDT-D authors.

package udpsession

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GAME-OVER-op/ZDT-D/proxy/socks5"
)

// fakeEchoServer answers every received datagram with the same bytes
// prefixed by "echo:" so tests can assert round-trip delivery.
func fakeEchoServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(append([]byte("echo:"), buf[:n]...), addr)
		}
	}()
	return conn
}

func TestDirectSessionSendAndReceive(t *testing.T) {
	echo := fakeEchoServer(t)
	defer echo.Close()

	var received []byte
	var receivedAddr net.Addr
	done := make(chan struct{}, 1)
	clientAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5555}

	deliver := func(payload []byte, addr net.Addr) {
		received = payload
		receivedAddr = addr
		done <- struct{}{}
	}

	sess, err := newDirectSession(clientAddr, deliver, func() {})
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.relayLoop(ctx)

	_, err = sess.SendFromClient(echo.LocalAddr().(*net.UDPAddr).IP.String(), echo.LocalAddr().(*net.UDPAddr).Port, []byte("hi"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for relayed reply")
	}

	assert.Equal(t, "echo:hi", string(received))
	assert.Equal(t, clientAddr, receivedAddr)
}

func TestSessionSendFailsAfterClose(t *testing.T) {
	echo := fakeEchoServer(t)
	defer echo.Close()

	sess, err := newDirectSession(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, func([]byte, net.Addr) {}, func() {})
	require.NoError(t, err)
	sess.Close()

	_, err = sess.SendFromClient("127.0.0.1", 9, []byte("x"))
	assert.ErrorIs(t, err, ErrNotAlive)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	closes := 0
	sess, err := newDirectSession(&net.UDPAddr{}, func([]byte, net.Addr) {}, func() { closes++ })
	require.NoError(t, err)

	sess.Close()
	sess.Close()
	assert.Equal(t, 1, closes)
	assert.False(t, sess.Alive())
}

func TestSessionIdleReportsTrueAfterTimeout(t *testing.T) {
	sess, err := newDirectSession(&net.UDPAddr{}, func([]byte, net.Addr) {}, func() {})
	require.NoError(t, err)
	defer sess.Close()

	assert.False(t, sess.Idle(50*time.Millisecond))
	time.Sleep(80 * time.Millisecond)
	assert.True(t, sess.Idle(50*time.Millisecond))
}

// fakeSocksUDPServer accepts one TCP control connection, performs a
// no-auth greeting and UDP ASSOCIATE, binding its own UDP relay socket
// and reporting it as BND.ADDR/PORT.
func fakeSocksUDPServer(t *testing.T) (ln net.Listener, relay *net.UDPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	relay, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greet := make([]byte, 2)
		if _, err := io.ReadFull(conn, greet); err != nil {
			return
		}
		methods := make([]byte, greet[1])
		if _, err := io.ReadFull(conn, methods); err != nil {
			return
		}
		_, _ = conn.Write([]byte{0x05, 0x00})

		req := make([]byte, 10) // ver cmd rsv atyp + ipv4 + port
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		relayAddr := relay.LocalAddr().(*net.UDPAddr)
		resp := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, byte(relayAddr.Port >> 8), byte(relayAddr.Port)}
		_, _ = conn.Write(resp)

		// keep control connection open for the session's lifetime
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()

	return ln, relay
}

// fakeSocksUDPServerClosingControl behaves like fakeSocksUDPServer but
// closes the control connection right after UDP ASSOCIATE instead of
// holding it open, so tests can assert watchControl notices.
func fakeSocksUDPServerClosingControl(t *testing.T) (ln net.Listener, relay *net.UDPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	relay, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greet := make([]byte, 2)
		if _, err := io.ReadFull(conn, greet); err != nil {
			return
		}
		methods := make([]byte, greet[1])
		if _, err := io.ReadFull(conn, methods); err != nil {
			return
		}
		_, _ = conn.Write([]byte{0x05, 0x00})

		req := make([]byte, 10)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		relayAddr := relay.LocalAddr().(*net.UDPAddr)
		resp := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, byte(relayAddr.Port >> 8), byte(relayAddr.Port)}
		_, _ = conn.Write(resp)
		// conn closes here via the deferred Close, simulating the
		// backend dying mid-session.
	}()

	return ln, relay
}

func TestWatchControlClosesSessionOnControlEOF(t *testing.T) {
	ln, relay := fakeSocksUDPServerClosingControl(t)
	defer ln.Close()
	defer relay.Close()

	lnAddr := ln.Addr().(*net.TCPAddr)
	sess, err := newSocksSession(context.Background(), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 4001}, dialParams{
		backendHost: "127.0.0.1",
		backendPort: lnAddr.Port,
		resolvedIP:  net.IPv4(127, 0, 0, 1),
		dialTimeout: 2 * time.Second,
	}, nil, func([]byte, net.Addr) {}, func() {})
	require.NoError(t, err)
	defer sess.Close()

	go sess.watchControl()

	require.Eventually(t, func() bool {
		return !sess.Alive()
	}, 3*time.Second, 10*time.Millisecond, "session should close once the control connection EOFs")
}

func TestSocksSessionRelayRoundTrip(t *testing.T) {
	ln, relay := fakeSocksUDPServer(t)
	defer ln.Close()
	defer relay.Close()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := relay.ReadFromUDP(buf)
			if err != nil {
				return
			}
			host, port, payload, perr := socks5.ParseUDPPacket(buf[:n])
			if perr != nil {
				return
			}
			reply, _ := socks5.BuildUDPPacket(host, port, append([]byte("reply:"), payload...))
			_, _ = relay.WriteToUDP(reply, addr)
		}
	}()

	lnAddr := ln.Addr().(*net.TCPAddr)
	received := make(chan []byte, 1)
	clientAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}
	deliver := func(payload []byte, addr net.Addr) { received <- payload }

	sess, err := newSocksSession(context.Background(), clientAddr, dialParams{
		backendHost: "127.0.0.1",
		backendPort: lnAddr.Port,
		resolvedIP:  net.IPv4(127, 0, 0, 1),
		dialTimeout: 2 * time.Second,
	}, nil, deliver, func() {})
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.relayLoop(ctx)

	_, err = sess.SendFromClient("93.184.216.34", 80, []byte("payload"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "reply:payload", string(got))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for socks relay reply")
	}
}
