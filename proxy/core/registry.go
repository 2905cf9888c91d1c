// Copyright (c) 2024 the ZDT-D authors.
//
// Package core holds the process-wide connection registry and the
// generic ExpMap utility. The registry is the one piece of
// conceptually-global mutable state in this proxy; it is an explicit
// object threaded through the forwarder/session/dashboard layers
// rather than held as package-level globals.
package core

import (
	"io"
	"sync"
	"time"
)

// ProtocolClass buckets a flow by its original destination port.
type ProtocolClass string

const (
	ProtoHTTP  ProtocolClass = "http"
	ProtoHTTPS ProtocolClass = "https"
	ProtoDNS   ProtocolClass = "dns"
	ProtoOther ProtocolClass = "other"
)

// ClassifyPort buckets a flow by its original destination port: 80=http,
// 443=https, 53=dns, everything else=other.
func ClassifyPort(port int) ProtocolClass {
	switch port {
	case 80:
		return ProtoHTTP
	case 443:
		return ProtoHTTPS
	case 53:
		return ProtoDNS
	default:
		return ProtoOther
	}
}

// Closer is the weak, non-owning handle a TCPRecord keeps on its sockets
// purely so an admin kill can close them; the forwarder goroutine retains
// actual ownership and lifetime.
type Closer = io.Closer

// TCPRecord is one live TCP flow.
type TCPRecord struct {
	ConnID        string
	ClientAddr    string
	TargetHost    string
	TargetPort    int
	ProtocolClass ProtocolClass
	Backend       string // empty iff UseDirect
	UseDirect     bool
	StartTS       time.Time

	mu          sync.Mutex
	hostDisplay string
	bytesC2R    int64
	bytesR2C    int64
	client      Closer
	upstream    Closer
	killedByUI  bool
	killedByPol bool
	killReason  string
}

// SetHandles attaches the weak client/upstream handles once dialed.
func (r *TCPRecord) SetHandles(client, upstream Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client, r.upstream = client, upstream
}

// SetHostDisplay records the best-effort display host (HTTP Host header,
// reverse DNS, or raw IP).
func (r *TCPRecord) SetHostDisplay(h string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostDisplay = h
}

// HostDisplay returns the best-effort display host.
func (r *TCPRecord) HostDisplay() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostDisplay
}

// AddBytes accumulates client->remote and remote->client byte counts.
func (r *TCPRecord) AddBytes(c2r, r2c int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytesC2R += c2r
	r.bytesR2C += r2c
}

// Bytes returns the accumulated byte counts.
func (r *TCPRecord) Bytes() (c2r, r2c int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesC2R, r.bytesR2C
}

// Killed reports whether an admin-kill or policy-kill already closed this
// record's sockets, so the forwarder's own finalizer can skip a redundant
// close.
func (r *TCPRecord) Killed() (byUI, byPolicy bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killedByUI, r.killedByPol, r.killReason
}

// killByUI closes the weak handles and marks the record admin-killed.
func (r *TCPRecord) killByUI() {
	r.mu.Lock()
	if r.killedByUI || r.killedByPol {
		r.mu.Unlock()
		return
	}
	r.killedByUI = true
	c, u := r.client, r.upstream
	r.mu.Unlock()
	closeAll(c, u)
}

// killByPolicy closes the weak handles and marks the record
// policy-killed with reason (e.g. "socks_recovered" on forced re-proxy).
func (r *TCPRecord) killByPolicy(reason string) bool {
	r.mu.Lock()
	if r.killedByUI || r.killedByPol {
		r.mu.Unlock()
		return false
	}
	r.killedByPol = true
	r.killReason = reason
	c, u := r.client, r.upstream
	r.mu.Unlock()
	closeAll(c, u)
	return true
}

func closeAll(cs ...Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

// UDPHandle is the weak registry entry for a live UDP session, enough for
// ForceCloseDirectUDP to tear down direct-fallback sessions without
// owning their lifetime.
type UDPHandle struct {
	ClientAddr string
	UseDirect  bool
	Close      func()
}

// Registry is the thread-safe live-connection table.
// conn_id -> TCP record, client_addr -> UDP session are separate maps
// under separate per-concern locks.
type Registry struct {
	tcpMu sync.RWMutex
	tcp   map[string]*TCPRecord

	udpMu sync.RWMutex
	udp   map[string]*UDPHandle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tcp: make(map[string]*TCPRecord),
		udp: make(map[string]*UDPHandle),
	}
}

// RegisterTCP inserts r; invariant: a record exists iff its client socket
// is open from the registry's perspective.
func (g *Registry) RegisterTCP(r *TCPRecord) {
	g.tcpMu.Lock()
	defer g.tcpMu.Unlock()
	g.tcp[r.ConnID] = r
}

// UnregisterTCP removes a finished record.
func (g *Registry) UnregisterTCP(connID string) {
	g.tcpMu.Lock()
	defer g.tcpMu.Unlock()
	delete(g.tcp, connID)
}

// GetTCP looks up a live record by id.
func (g *Registry) GetTCP(connID string) (*TCPRecord, bool) {
	g.tcpMu.RLock()
	defer g.tcpMu.RUnlock()
	r, ok := g.tcp[connID]
	return r, ok
}

// ListTCP snapshots all live TCP records for the dashboard.
func (g *Registry) ListTCP() []*TCPRecord {
	g.tcpMu.RLock()
	defer g.tcpMu.RUnlock()
	out := make([]*TCPRecord, 0, len(g.tcp))
	for _, r := range g.tcp {
		out = append(out, r)
	}
	return out
}

// KillTCP implements POST /api/conn/kill: closes the record's weak
// handles and marks it killed_by_ui so the forwarder's own close is a
// no-op.
func (g *Registry) KillTCP(connID string) bool {
	g.tcpMu.RLock()
	r, ok := g.tcp[connID]
	g.tcpMu.RUnlock()
	if !ok {
		return false
	}
	r.killByUI()
	return true
}

// ForceCloseDirectTCP closes every live direct-fallback TCP record,
// marking it killed_by_policy/"socks_recovered". Returns the count
// closed.
func (g *Registry) ForceCloseDirectTCP() int {
	g.tcpMu.RLock()
	candidates := make([]*TCPRecord, 0, len(g.tcp))
	for _, r := range g.tcp {
		if r.UseDirect {
			candidates = append(candidates, r)
		}
	}
	g.tcpMu.RUnlock()

	n := 0
	for _, r := range candidates {
		if r.killByPolicy("socks_recovered") {
			n++
		}
	}
	return n
}

// CloseAllTCP force-closes every live TCP record regardless of
// direct/SOCKS origin, for use when a graceful shutdown's drain
// deadline expires. Returns the count closed.
func (g *Registry) CloseAllTCP() int {
	g.tcpMu.RLock()
	candidates := make([]*TCPRecord, 0, len(g.tcp))
	for _, r := range g.tcp {
		candidates = append(candidates, r)
	}
	g.tcpMu.RUnlock()

	n := 0
	for _, r := range candidates {
		if r.killByPolicy("shutdown_timeout") {
			n++
		}
	}
	return n
}

// CloseAllUDP force-closes every live UDP session, for use when a
// graceful shutdown's drain deadline expires. Returns the count closed.
func (g *Registry) CloseAllUDP() int {
	g.udpMu.RLock()
	candidates := make([]*UDPHandle, 0, len(g.udp))
	for _, h := range g.udp {
		candidates = append(candidates, h)
	}
	g.udpMu.RUnlock()

	for _, h := range candidates {
		h.Close()
	}
	return len(candidates)
}

// RegisterUDP tracks a live UDP session.
func (g *Registry) RegisterUDP(h *UDPHandle) {
	g.udpMu.Lock()
	defer g.udpMu.Unlock()
	g.udp[h.ClientAddr] = h
}

// UnregisterUDP removes a reaped/closed session.
func (g *Registry) UnregisterUDP(clientAddr string) {
	g.udpMu.Lock()
	defer g.udpMu.Unlock()
	delete(g.udp, clientAddr)
}

// ListUDP snapshots all live UDP sessions.
func (g *Registry) ListUDP() []*UDPHandle {
	g.udpMu.RLock()
	defer g.udpMu.RUnlock()
	out := make([]*UDPHandle, 0, len(g.udp))
	for _, h := range g.udp {
		out = append(out, h)
	}
	return out
}

// ForceCloseDirectUDP closes every direct-mode UDP session, forcing a
// re-proxy through SOCKS5 on the next packet.
func (g *Registry) ForceCloseDirectUDP() int {
	g.udpMu.RLock()
	candidates := make([]*UDPHandle, 0, len(g.udp))
	for _, h := range g.udp {
		if h.UseDirect {
			candidates = append(candidates, h)
		}
	}
	g.udpMu.RUnlock()

	for _, h := range candidates {
		h.Close()
	}
	return len(candidates)
}

// TCPCount returns the number of live TCP records.
func (g *Registry) TCPCount() int {
	g.tcpMu.RLock()
	defer g.tcpMu.RUnlock()
	return len(g.tcp)
}

// UDPCount returns the number of live UDP sessions.
func (g *Registry) UDPCount() int {
	g.udpMu.RLock()
	defer g.udpMu.RUnlock()
	return len(g.udp)
}
