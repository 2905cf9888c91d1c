// Copyright (c) 2024 the ZDT-D authors.

package udpsession

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/GAME-OVER-op/ZDT-D/proxy/config"
	"github.com/GAME-OVER-op/ZDT-D/proxy/core"
	"github.com/GAME-OVER-op/ZDT-D/proxy/dnsx"
	"github.com/GAME-OVER-op/ZDT-D/proxy/ipn"
	"github.com/GAME-OVER-op/ZDT-D/proxy/originaldst"
	"github.com/GAME-OVER-op/ZDT-D/proxy/policy"
	"github.com/GAME-OVER-op/ZDT-D/proxy/socks5"
	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// Manager owns the single listening UDP socket and the client-keyed
// session table. It mirrors the forwarder's Deps: collaborators are
// threaded in explicitly, not held globally.
type Manager struct {
	Cfg      *config.Config
	Registry *core.Registry
	Counters *core.Counters
	Pool     *ipn.Pool
	Resolver dnsx.Resolver
	Rules    func() []policy.Rule

	listen *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager binds the listening socket and returns a ready Manager.
func NewManager(cfg *config.Config, reg *core.Registry, counters *core.Counters, pool *ipn.Pool, resolver dnsx.Resolver, rules func() []policy.Rule) (*Manager, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.ListenAddr), Port: cfg.UDPListenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Cfg: cfg, Registry: reg, Counters: counters, Pool: pool, Resolver: resolver, Rules: rules,
		listen:   conn,
		sessions: make(map[string]*Session),
	}, nil
}

// Run services the listening socket until ctx is cancelled, and starts
// the idle-session reaper alongside it.
func (m *Manager) Run(ctx context.Context) error {
	go m.reapLoop(ctx)

	buf := make([]byte, m.bufferSize())
	for {
		if ctx.Err() != nil {
			m.closeAll()
			return ctx.Err()
		}
		_ = m.listen.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, clientAddr, err := m.listen.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				m.closeAll()
				return ctx.Err()
			}
			xlog.W("udpsession: listen read error: %v", err)
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		m.handlePacket(ctx, data, clientAddr)
	}
}

func (m *Manager) bufferSize() int {
	if m.Cfg.UDPBufferSize > 0 {
		return m.Cfg.UDPBufferSize
	}
	return 131072
}

// handlePacket classifies, looks up or creates a session for, and
// relays one inbound client->proxy datagram.
func (m *Manager) handlePacket(ctx context.Context, data []byte, clientAddr *net.UDPAddr) {
	targetHost, targetPort, err := m.resolveTarget()
	if err != nil {
		xlog.W("udpsession[%s]: original dst unavailable: %v", clientAddr, err)
		m.Counters.IncError(core.ErrOriginalDstUnavail)
		return
	}

	protoClass := core.ClassifyPort(targetPort)
	m.Counters.AddBytes(protoClass, "c2r", int64(len(data)))

	key := clientAddr.String()
	m.mu.Lock()
	sess, ok := m.sessions[key]
	m.mu.Unlock()

	if !ok || !sess.Alive() {
		sess, ok = m.createSession(ctx, clientAddr, protoClass, targetHost, targetPort)
		if !ok {
			return
		}
	}

	if _, err := sess.SendFromClient(targetHost, targetPort, data); err != nil {
		xlog.D("udpsession[%s]: send failed: %v", clientAddr, err)
	}
}

// createSession applies policy through the same fallback chain as the TCP path (see applyPolicy for the UDP adaptations), then dials a SOCKS5 relay or binds a direct socket.
func (m *Manager) createSession(ctx context.Context, clientAddr *net.UDPAddr, protoClass core.ProtocolClass, targetHost string, targetPort int) (*Session, bool) {
	socksAvail := m.Pool.Available()
	flow := policy.Flow{
		Proto:          string(protoClass),
		Host:           targetHost,
		Port:           targetPort,
		IsUDP:          true,
		SocksAvailable: socksAvail,
	}
	action, matched := policy.Evaluate(m.Rules(), flow)

	useDirect, ok := m.applyPolicy(action, matched, socksAvail)
	if !ok {
		return nil, false
	}

	deliver := func(payload []byte, addr net.Addr) {
		_, _ = m.listen.WriteToUDP(payload, addr.(*net.UDPAddr))
	}
	onClose := func() {
		m.mu.Lock()
		delete(m.sessions, clientAddr.String())
		m.mu.Unlock()
		m.Counters.SetUDPActive(m.activeCount())
	}

	var sess *Session
	var err error
	if useDirect {
		sess, err = newDirectSession(clientAddr, deliver, onClose)
	} else {
		backend := m.Pool.Select()
		if backend == nil {
			sess, err = newDirectSession(clientAddr, deliver, onClose)
		} else {
			ip, rerr := m.Resolver.Resolve(ctx, backend.Host)
			if rerr != nil {
				m.Counters.IncError(core.ErrDNSFailure)
				sess, err = newDirectSession(clientAddr, deliver, onClose)
			} else {
				var creds *socks5.Credentials
				if m.Cfg.SocksUser != "" {
					creds = &socks5.Credentials{User: m.Cfg.SocksUser, Pass: m.Cfg.SocksPass}
				}
				sess, err = newSocksSession(ctx, clientAddr, dialParams{
					backendHost: backend.Host,
					backendPort: backend.Port,
					resolvedIP:  ip,
					creds:       creds,
					dialTimeout: m.Cfg.ConnectTimeout,
				}, backend, deliver, onClose)
			}
		}
	}
	if err != nil {
		xlog.W("udpsession[%s]: failed to create session: %v", clientAddr, err)
		m.Counters.IncError(core.ErrSocketError)
		return nil, false
	}

	m.mu.Lock()
	m.sessions[clientAddr.String()] = sess
	m.mu.Unlock()
	m.Counters.IncUDPCreated()
	m.Counters.SetUDPActive(m.activeCount())
	m.Registry.RegisterUDP(&core.UDPHandle{ClientAddr: clientAddr.String(), UseDirect: sess.UseDirect, Close: sess.Close})

	go sess.relayLoop(ctx)
	if !sess.UseDirect {
		go sess.watchControl()
	}

	xlog.I("udpsession[%s]: created (%s)", clientAddr, sessionKind(sess))
	return sess, true
}

// applyPolicy mirrors the TCP forwarder's applyPolicy: same ALL_SOCKS_DOWN_POLICY/SOCKS_REQUIRED_POLICY
// fallback chain, adapted to a create-or-drop decision since a UDP
// session has no socket to reset or half-close.
func (m *Manager) applyPolicy(action policy.Action, matched bool, socksAvail bool) (useDirect bool, proceed bool) {
	if !matched {
		if socksAvail {
			return false, true
		}
		switch m.Cfg.AllSocksDownPolicy {
		case config.DownDrop:
			m.Counters.IncPolicyDrop()
			return false, false
		case config.DownWait:
			if m.waitForRecovery(m.Cfg.SocksRequiredMaxWait) {
				return false, true
			}
			fallthrough
		default: // DownDirect
			m.Counters.IncDirect()
			return true, true
		}
	}

	switch action {
	case policy.ActionDrop, policy.ActionReset:
		m.Counters.IncPolicyDrop()
		return false, false
	case policy.ActionDirect:
		m.Counters.IncDirect()
		return true, true
	case policy.ActionWait:
		if !socksAvail {
			m.waitForRecovery(m.Cfg.SocksRequiredMaxWait)
		}
		return false, true
	case policy.ActionSocks:
		if socksAvail {
			return false, true
		}
		switch m.Cfg.SocksRequiredPolicy {
		case config.DownWait:
			if m.waitForRecovery(m.Cfg.SocksRequiredMaxWait) {
				return false, true
			}
			m.Counters.IncPolicyDrop()
			return false, false
		case config.DownDirect:
			m.Counters.IncDirect()
			return true, true
		default: // DownDrop
			m.Counters.IncPolicyDrop()
			return false, false
		}
	default:
		return !socksAvail, true
	}
}

func (m *Manager) waitForRecovery(maxWait time.Duration) bool {
	if maxWait <= 0 {
		return m.Pool.Available()
	}
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if m.Pool.Available() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return m.Pool.Available()
}

func sessionKind(s *Session) string {
	if s.UseDirect {
		return "direct"
	}
	return "socks5"
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// resolveTarget returns the fixed target from config, if one was set,
// else the original destination recorded on the listening socket.
func (m *Manager) resolveTarget() (string, int, error) {
	if host, port, ok := m.Cfg.FixedTarget(); ok {
		return host, port, nil
	}
	ip, port, err := originaldst.UDPOriginalDst(m.listen)
	if err != nil {
		return "", 0, err
	}
	return ip.String(), port, nil
}

// reapLoop closes sessions idle longer than UDPSessionTimeout.
func (m *Manager) reapLoop(ctx context.Context) {
	timeout := m.Cfg.UDPSessionTimeout
	if timeout <= 0 {
		timeout = 125 * time.Second
	}
	interval := timeout / 2
	if interval <= 0 {
		interval = 1 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(timeout)
		}
	}
}

func (m *Manager) reapOnce(timeout time.Duration) {
	m.mu.Lock()
	idle := make([]*Session, 0)
	for _, s := range m.sessions {
		if s.Idle(timeout) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		xlog.I("udpsession[%s]: idle timeout, closing", s.ClientAddr)
		s.Close()
		m.Registry.UnregisterUDP(s.ClientAddr.String())
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	_ = m.listen.Close()
}
