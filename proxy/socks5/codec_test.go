package socks5

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreetNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- Greet(client, nil, time.Time{}) }()

	buf := make([]byte, 3)
	_, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{ver5, 1, methodNone}, buf)

	_, err = server.Write([]byte{ver5, methodNone})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestGreetWithCredentials(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	creds := &Credentials{User: "alice", Pass: "hunter2"}
	done := make(chan error, 1)
	go func() { done <- Greet(client, creds, time.Time{}) }()

	greeting := make([]byte, 4)
	_, err := server.Read(greeting)
	require.NoError(t, err)
	assert.Equal(t, []byte{ver5, 2, methodNone, methodUserPass}, greeting)
	_, err = server.Write([]byte{ver5, methodUserPass})
	require.NoError(t, err)

	sub := make([]byte, 2+len("alice")+1+len("hunter2"))
	_, err = server.Read(sub)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), sub[0])
	assert.Equal(t, byte(len("alice")), sub[1])

	_, err = server.Write([]byte{0x01, 0x00})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestGreetAuthFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	creds := &Credentials{User: "alice", Pass: "wrong"}
	done := make(chan error, 1)
	go func() { done <- Greet(client, creds, time.Time{}) }()

	greeting := make([]byte, 4)
	_, _ = server.Read(greeting)
	_, _ = server.Write([]byte{ver5, methodUserPass})

	sub := make([]byte, 2+len("alice")+1+len("wrong"))
	_, _ = server.Read(sub)
	_, _ = server.Write([]byte{0x01, 0x01})

	err := <-done
	require.Error(t, err)
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestConnectSuccessIPv4Target(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		b   *BoundAddr
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := Connect(client, "93.184.216.34", 443, time.Time{})
		done <- result{b, err}
	}()

	req := make([]byte, 10)
	_, err := server.Read(req)
	require.NoError(t, err)
	assert.Equal(t, []byte{ver5, cmdConnect, 0x00, atypIPv4}, req[:4])
	assert.Equal(t, net.ParseIP("93.184.216.34").To4(), net.IP(req[4:8]))
	assert.EqualValues(t, 443, binary.BigEndian.Uint16(req[8:10]))

	reply := []byte{ver5, 0x00, 0x00, atypIPv4, 10, 0, 0, 1, 0x1F, 0x90}
	_, err = server.Write(reply)
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "10.0.0.1", r.b.Host)
	assert.EqualValues(t, 8080, r.b.Port)
}

func TestConnectDomainTarget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Connect(client, "example.com", 80, time.Time{})
		done <- err
	}()

	hdr := make([]byte, 4)
	_, _ = server.Read(hdr)
	assert.Equal(t, atypDomain, hdr[3])
	lenBuf := make([]byte, 1)
	_, _ = server.Read(lenBuf)
	domain := make([]byte, lenBuf[0])
	_, _ = server.Read(domain)
	assert.Equal(t, "example.com", string(domain))
	portBuf := make([]byte, 2)
	_, _ = server.Read(portBuf)

	_, _ = server.Write([]byte{ver5, 0x00, 0x00, atypIPv4, 1, 2, 3, 4, 0, 80})
	require.NoError(t, <-done)
}

func TestConnectNonZeroRepPreservesTrailer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		b   *BoundAddr
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := Connect(client, "10.0.0.1", 80, time.Time{})
		done <- result{b, err}
	}()

	req := make([]byte, 10)
	_, _ = server.Read(req)
	go func() {
		_, _ = server.Write([]byte{ver5, byte(ReplyConnectionRefused), 0x00, atypIPv4})
		_, _ = server.Write([]byte("diagnostic"))
	}()

	r := <-done
	require.Error(t, r.err)
	var connErr *ConnectError
	require.ErrorAs(t, r.err, &connErr)
	assert.Equal(t, ReplyConnectionRefused, connErr.Rep)
}

func TestUDPAssociateUnspecifiedBoundAddr(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		b   *BoundAddr
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := UDPAssociate(client, time.Time{})
		done <- result{b, err}
	}()

	req := make([]byte, 10)
	_, _ = server.Read(req)
	assert.Equal(t, cmdUDPAssociate, req[1])

	_, _ = server.Write([]byte{ver5, 0x00, 0x00, atypIPv4, 0, 0, 0, 0, 0x27, 0x10})

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, IsUnspecified(r.b.Host))
	assert.EqualValues(t, 10000, r.b.Port)
}

func TestUDPPacketRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	pkt, err := BuildUDPPacket("8.8.8.8", 53, payload)
	require.NoError(t, err)

	host, port, got, err := ParseUDPPacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8", host)
	assert.EqualValues(t, 53, port)
	assert.Equal(t, payload, got)
}

func TestUDPPacketRoundTripDomain(t *testing.T) {
	payload := []byte{1, 2, 3}
	pkt, err := BuildUDPPacket("example.com", 443, payload)
	require.NoError(t, err)

	host, port, got, err := ParseUDPPacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.EqualValues(t, 443, port)
	assert.Equal(t, payload, got)
}

func TestParseUDPPacketTooShort(t *testing.T) {
	_, _, _, err := ParseUDPPacket([]byte{0, 0, 0})
	assert.Error(t, err)
}
