// Copyright (c) 2024 the ZDT-D authors.

package ipn

import (
	"sync"
	"sync/atomic"

	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// RecoveryHook is invoked on an unavailable->available transition so the
// caller (supervisor wiring) can run the forced re-proxy action without
// ipn importing the connection registry directly.
type RecoveryHook func()

// BypassHook is invoked on an available->unavailable transition, purely
// for counters/logging.
type BypassHook func()

// Pool holds the configured SOCKS5 backends and the hysteretic global
// availability signal.
type Pool struct {
	mu       sync.RWMutex
	backends []*Backend
	rrIndex  int

	available atomic.Bool

	onRecover RecoveryHook
	onBypass  BypassHook
}

// Addr is a (host, port) backend identity, matching config.Config.BackendAddrs().
type Addr struct {
	Host string
	Port int
}

// NewPool builds a pool over the given backend addresses.
func NewPool(addrs []Addr) *Pool {
	p := &Pool{}
	for _, a := range addrs {
		p.backends = append(p.backends, NewBackend(a.Host, a.Port))
	}
	return p
}

// Backends returns every configured backend in insertion order.
func (p *Pool) Backends() []*Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// Add appends a new backend at runtime (admin API).
func (p *Pool) Add(host string, port int) *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := NewBackend(host, port)
	p.backends = append(p.backends, b)
	return b
}

// Remove drops a backend by host:port (admin API).
func (p *Pool) Remove(host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.backends {
		if b.Host == host && b.Port == port {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			if p.rrIndex > i {
				p.rrIndex--
			}
			return true
		}
	}
	return false
}

// SetHooks wires the recovery/bypass callbacks (called once at startup).
func (p *Pool) SetHooks(onRecover RecoveryHook, onBypass BypassHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRecover, p.onBypass = onRecover, onBypass
}

// Select round-robins over the pool, filtered in priority order green
// -> yellow -> any. The index advances only on selection to distribute
// load evenly.
func (p *Pool) Select() *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.backends)
	if n == 0 {
		return nil
	}
	start := p.rrIndex % n

	if b := p.pickWhere(start, n, (*Backend).isGreen); b != nil {
		return b
	}
	if b := p.pickWhere(start, n, (*Backend).isHealthy); b != nil {
		return b
	}

	chosen := p.backends[p.rrIndex%n]
	p.rrIndex = (p.rrIndex + 1) % n
	return chosen
}

func (p *Pool) pickWhere(start, n int, pred func(*Backend) bool) *Backend {
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		candidate := p.backends[idx]
		if pred(candidate) {
			p.rrIndex = (idx + 1) % n
			return candidate
		}
	}
	return nil
}

// Available reports the current hysteretic SOCKS5-pool availability
// signal.
func (p *Pool) Available() bool {
	return p.available.Load()
}

// ApplyCycleResult is called once per health-monitor cycle with whether
// any backend came out green this round. It updates the availability
// signal and fires the recovery/bypass hooks on transition.
func (p *Pool) ApplyCycleResult(anyGreen bool) {
	was := p.available.Swap(anyGreen)
	if was == anyGreen {
		return
	}
	if anyGreen {
		xlog.I("ipn: at least one SOCKS5 backend with internet recovered")
		if p.onRecover != nil {
			p.onRecover()
		}
	} else {
		xlog.W("ipn: all SOCKS5 backends have no internet, bypass enabled")
		if p.onBypass != nil {
			p.onBypass()
		}
	}
}
