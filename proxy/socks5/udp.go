// Copyright (c) 2024 the ZDT-D authors.

package socks5

import (
	"encoding/binary"
	"net"

	"golang.org/x/net/idna"
)

// IsUnspecified reports whether host is the "any address" wildcard
// (0.0.0.0 or ::), meaning the caller should substitute the control
// connection's peer address as the relay address.
func IsUnspecified(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// BuildUDPPacket frames a client payload as RFC 1928's UDP request
// header: RSV(2)=0,FRAG(1)=0,ATYP,ADDR,PORT,payload.
func BuildUDPPacket(dstHost string, dstPort uint16, payload []byte) ([]byte, error) {
	atyp, addrPart, err := encodeAddrForUDP(dstHost)
	if err != nil {
		return nil, err
	}
	portPart := make([]byte, 2)
	binary.BigEndian.PutUint16(portPart, dstPort)

	out := make([]byte, 0, 4+len(addrPart)+2+len(payload))
	out = append(out, 0x00, 0x00, 0x00, atyp)
	out = append(out, addrPart...)
	out = append(out, portPart...)
	out = append(out, payload...)
	return out, nil
}

// encodeAddrForUDP makes the same ATYP choice as encodeAddr (IPv4, IPv6
// literal, else IDN-encoded domain, falling back to the raw host when IDN
// encoding fails); only its error text differs.
func encodeAddrForUDP(host string) (byte, []byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return atypIPv4, v4, nil
		}
		return atypIPv6, ip.To16(), nil
	}
	ascii, err := idna.ToASCII(host)
	if err != nil {
		ascii = host
	}
	if len(ascii) > 255 {
		return 0, nil, protoErrorf("udp: domain too long: %s", host)
	}
	return atypDomain, append([]byte{byte(len(ascii))}, ascii...), nil
}

// ParseUDPPacket decodes the reverse of BuildUDPPacket: RSV/FRAG header,
// ATYP-dispatched address, then the payload.
func ParseUDPPacket(pkt []byte) (host string, port uint16, payload []byte, err error) {
	if len(pkt) < 4 {
		return "", 0, nil, protoErrorf("short UDP packet")
	}
	atyp := pkt[3]
	idx := 4
	switch atyp {
	case atypIPv4:
		if len(pkt) < idx+4+2 {
			return "", 0, nil, protoErrorf("short IPv4 in UDP packet")
		}
		host = net.IP(pkt[idx : idx+4]).String()
		idx += 4
	case atypDomain:
		if len(pkt) < idx+1 {
			return "", 0, nil, protoErrorf("short domain len")
		}
		ln := int(pkt[idx])
		idx++
		if len(pkt) < idx+ln+2 {
			return "", 0, nil, protoErrorf("short domain in UDP packet")
		}
		if u, derr := idna.ToUnicode(string(pkt[idx : idx+ln])); derr == nil {
			host = u
		} else {
			host = string(pkt[idx : idx+ln])
		}
		idx += ln
	case atypIPv6:
		if len(pkt) < idx+16+2 {
			return "", 0, nil, protoErrorf("short IPv6 in UDP packet")
		}
		host = net.IP(pkt[idx : idx+16]).String()
		idx += 16
	default:
		return "", 0, nil, protoErrorf("unknown ATYP 0x%02x", atyp)
	}
	port = binary.BigEndian.Uint16(pkt[idx : idx+2])
	idx += 2
	return host, port, pkt[idx:], nil
}
