// Copyright (c) 2024 the ZDT-D authors.

package socks5

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"golang.org/x/net/idna"
)

const (
	ver5       byte = 0x05
	methodNone byte = 0x00
	methodUserPass byte = 0x02
	methodNoAcceptable byte = 0xFF

	cmdConnect     byte = 0x01
	cmdUDPAssociate byte = 0x03

	atypIPv4   byte = 0x01
	atypDomain byte = 0x03
	atypIPv6   byte = 0x04
)

// Credentials carries optional username/password sub-negotiation
// (RFC 1929).
type Credentials struct {
	User string
	Pass string
}

// Greet performs the VER/NMETHODS/METHODS exchange and, if the server
// selects method 0x02, the username/password sub-negotiation. deadline,
// if non-zero, bounds the whole greeting.
func Greet(conn net.Conn, creds *Credentials, deadline time.Time) error {
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetDeadline(time.Time{})
	}

	methods := []byte{methodNone}
	if creds != nil {
		methods = append(methods, methodUserPass)
	}
	greeting := append([]byte{ver5, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return err
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return protoErrorf("short METHODS reply: %v", err)
	}
	if reply[0] != ver5 {
		return protoErrorf("bad version %d", reply[0])
	}
	method := reply[1]
	if method == methodNoAcceptable {
		return authErrorf("no acceptable methods")
	}
	if method == methodUserPass {
		if creds == nil {
			return authErrorf("server requires username/password, none configured")
		}
		return subNegotiate(conn, creds)
	}
	return nil
}

func subNegotiate(conn net.Conn, creds *Credentials) error {
	ub, pb := []byte(creds.User), []byte(creds.Pass)
	if len(ub) > 255 || len(pb) > 255 {
		return authErrorf("username/password too long")
	}
	req := make([]byte, 0, 3+len(ub)+len(pb))
	req = append(req, 0x01, byte(len(ub)))
	req = append(req, ub...)
	req = append(req, byte(len(pb)))
	req = append(req, pb...)
	if _, err := conn.Write(req); err != nil {
		return err
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return authErrorf("short auth reply: %v", err)
	}
	if resp[0] != 0x01 || resp[1] != 0x00 {
		return authErrorf("authentication failed")
	}
	return nil
}

// encodeAddr renders target as a SOCKS5 ATYP+ADDR field: dotted-quad IPv4
// when it parses as one, 16-byte IPv6 for an IPv6 literal, else
// IDN-encoded DOMAINNAME.
func encodeAddr(target string) (atyp byte, addr []byte, err error) {
	if ip := net.ParseIP(target); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return atypIPv4, v4, nil
		}
		return atypIPv6, ip.To16(), nil
	}
	ascii, err := idna.ToASCII(target)
	if err != nil {
		ascii = target
	}
	if len(ascii) > 255 {
		return 0, nil, protoErrorf("hostname too long: %s", target)
	}
	return atypDomain, append([]byte{byte(len(ascii))}, ascii...), nil
}

// readAddr parses BND.ADDR given its ATYP, returning the decoded string
// form (dotted-quad, literal IPv6, or the Unicode domain).
func readAddr(conn net.Conn, atyp byte) (string, error) {
	switch atyp {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", protoErrorf("short BND.ADDR IPv4: %v", err)
		}
		return net.IP(buf).String(), nil
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", protoErrorf("short BND.ADDR len: %v", err)
		}
		buf := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", protoErrorf("short BND.ADDR domain: %v", err)
		}
		if u, err := idna.ToUnicode(string(buf)); err == nil {
			return u, nil
		}
		return string(buf), nil
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", protoErrorf("short BND.ADDR IPv6: %v", err)
		}
		return net.IP(buf).String(), nil
	default:
		return "", protoErrorf("unknown ATYP 0x%02x", atyp)
	}
}

// BoundAddr is the BND.ADDR/BND.PORT pair a CONNECT or UDP ASSOCIATE
// reply returns.
type BoundAddr struct {
	Host string
	Port uint16
}

// Connect issues CMD=CONNECT for target:port and returns the bound
// address the server reports. On non-zero REP it returns *ConnectError
// with the raw reply code and any trailing bytes.
func Connect(conn net.Conn, targetHost string, targetPort uint16, deadline time.Time) (*BoundAddr, error) {
	return request(conn, cmdConnect, targetHost, targetPort, deadline)
}

// UDPAssociate issues CMD=UDP_ASSOCIATE with DST=0.0.0.0:0 and returns
// the relay's bound address. If the server replies with an
// unspecified (0.0.0.0 or ::) BND.ADDR, the caller should substitute the
// control connection's peer address; this function leaves
// that decision to the caller since it has no opinion on the control
// socket's remote address.
func UDPAssociate(conn net.Conn, deadline time.Time) (*BoundAddr, error) {
	return request(conn, cmdUDPAssociate, "0.0.0.0", 0, deadline)
}

func request(conn net.Conn, cmd byte, targetHost string, targetPort uint16, deadline time.Time) (*BoundAddr, error) {
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	atyp, addrPart, err := encodeAddr(targetHost)
	if err != nil {
		return nil, err
	}
	portPart := make([]byte, 2)
	binary.BigEndian.PutUint16(portPart, targetPort)

	req := make([]byte, 0, 4+len(addrPart)+2)
	req = append(req, ver5, cmd, 0x00, atyp)
	req = append(req, addrPart...)
	req = append(req, portPart...)
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, protoErrorf("short reply header: %v", err)
	}
	if hdr[0] != ver5 {
		return nil, protoErrorf("bad version %d", hdr[0])
	}
	if rep := Reply(hdr[1]); rep != ReplySucceeded {
		trailer := make([]byte, 4096)
		n, _ := conn.Read(trailer)
		return nil, &ConnectError{Rep: rep, Trailer: trailer[:n]}
	}

	bndHost, err := readAddr(conn, hdr[3])
	if err != nil {
		return nil, err
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, protoErrorf("short BND.PORT: %v", err)
	}
	return &BoundAddr{Host: bndHost, Port: binary.BigEndian.Uint16(portBuf)}, nil
}
