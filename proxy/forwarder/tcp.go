// Copyright (c) 2024 the ZDT-D authors.

package forwarder

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
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

// Deps bundles the collaborators the TCP forwarder needs, threaded in
// explicitly rather than held as package globals.
type Deps struct {
	Cfg      *config.Config
	Registry *core.Registry
	Counters *core.Counters
	Pool     *ipn.Pool
	Resolver dnsx.Resolver
	Rules    func() []policy.Rule // returns the live (hot-reloadable) rule set
	connSeq  atomic.Uint64
}

// NewDeps wires a Deps from already-constructed collaborators.
func NewDeps(cfg *config.Config, reg *core.Registry, counters *core.Counters, pool *ipn.Pool, resolver dnsx.Resolver, rules func() []policy.Rule) *Deps {
	return &Deps{Cfg: cfg, Registry: reg, Counters: counters, Pool: pool, Resolver: resolver, Rules: rules}
}

// HandleTCP runs the full forwarding pipeline for one accepted
// connection. It never returns an error to the caller — every failure
// path closes the client socket; failures that map to an error bucket
// (original-dst lookup, policy drop, DNS, dial timeout, SOCKS5
// handshake) increment that counter, while a pool with no backend to
// pick and a failed write of the peeked bytes close without counting.
func (d *Deps) HandleTCP(ctx context.Context, client *net.TCPConn) {
	connID := fmt.Sprintf("%s_%d", client.RemoteAddr(), d.connSeq.Add(1))
	clientAddr := client.RemoteAddr().String()

	targetHost, targetPort, err := d.resolveTarget(client)
	if err != nil {
		xlog.W("forwarder[%s]: original dst unavailable: %v", clientAddr, err)
		d.Counters.IncError(core.ErrOriginalDstUnavail)
		_ = client.Close()
		return
	}
	xlog.I("forwarder[%s]: -> target %s:%d", clientAddr, targetHost, targetPort)

	setNoDelay(client)
	enableTCPKeepalive(client, time.Duration(d.Cfg.KeepIdle)*time.Second, time.Duration(d.Cfg.KeepIntvl)*time.Second, d.Cfg.KeepCnt)

	protoClass := core.ClassifyPort(targetPort)
	d.Counters.IncConnection(protoClass)

	record := &core.TCPRecord{
		ConnID:        connID,
		ClientAddr:    clientAddr,
		TargetHost:    targetHost,
		TargetPort:    targetPort,
		ProtocolClass: protoClass,
		StartTS:       time.Now(),
	}
	record.SetHandles(client, nil)
	d.Registry.RegisterTCP(record)
	defer d.Registry.UnregisterTCP(connID)

	var peeked []byte
	if protoClass == core.ProtoHTTP {
		peeked = peekHTTPHost(client)
	}
	record.SetHostDisplay(hostDisplay(protoClass, peeked, targetHost, targetPort))

	flow := policy.Flow{
		Proto:          string(protoClass),
		Host:           record.HostDisplay(),
		Port:           targetPort,
		IsUDP:          false,
		SocksAvailable: d.Pool.Available(),
	}
	action, matched := policy.Evaluate(d.Rules(), flow)
	useDirect, ok := d.applyPolicy(client, connID, action, matched)
	if !ok {
		return
	}
	record.UseDirect = useDirect

	upstream, backend, err := d.dial(ctx, clientAddr, targetHost, targetPort, useDirect)
	if err != nil {
		xlog.E("forwarder[%s]: dial failed: %v", clientAddr, err)
		_ = client.Close()
		return
	}
	if backend != nil {
		record.Backend = backend.Key()
	}
	record.SetHandles(client, upstream)

	if len(peeked) > 0 {
		if _, err := upstream.Write(peeked); err != nil {
			_ = client.Close()
			_ = upstream.Close()
			return
		}
	}

	d.splice(client, upstream, record, protoClass, backend)
}

// resolveTarget returns the fixed target from config if one is set,
// else recovers the original destination from the client socket.
func (d *Deps) resolveTarget(client *net.TCPConn) (string, int, error) {
	if host, port, ok := d.Cfg.FixedTarget(); ok {
		return host, port, nil
	}
	ip, port, err := originaldst.TCPOriginalDst(client)
	if err != nil {
		return "", 0, err
	}
	return ip.String(), port, nil
}

// applyPolicy evaluates the matched rule's action against the
// ALL_SOCKS_DOWN_POLICY/SOCKS_REQUIRED_POLICY fallback chain. Returns
// (useDirect, proceed): proceed is false once the connection has already
// been closed by this function.
func (d *Deps) applyPolicy(client *net.TCPConn, connID string, action policy.Action, matched bool) (useDirect bool, proceed bool) {
	socksAvail := d.Pool.Available()

	if !matched {
		if socksAvail {
			return false, true
		}
		switch d.Cfg.AllSocksDownPolicy {
		case config.DownDrop:
			d.Counters.IncPolicyDrop()
			_ = client.Close()
			return false, false
		case config.DownWait:
			if d.waitForRecovery(d.Cfg.SocksRequiredMaxWait) {
				return false, true
			}
			fallthrough
		default: // DownDirect
			d.Counters.IncDirect()
			return true, true
		}
	}

	switch action {
	case policy.ActionDrop:
		d.Counters.IncPolicyDrop()
		_ = client.Close()
		return false, false
	case policy.ActionReset:
		d.Counters.IncPolicyDrop()
		resetClose(client)
		return false, false
	case policy.ActionDirect:
		d.Counters.IncDirect()
		return true, true
	case policy.ActionWait:
		if !socksAvail {
			d.waitForRecovery(d.Cfg.SocksRequiredMaxWait)
		}
		return false, true
	case policy.ActionSocks:
		if socksAvail {
			return false, true
		}
		switch d.Cfg.SocksRequiredPolicy {
		case config.DownWait:
			if d.waitForRecovery(d.Cfg.SocksRequiredMaxWait) {
				return false, true
			}
			d.Counters.IncPolicyDrop()
			_ = client.Close()
			return false, false
		case config.DownDirect:
			d.Counters.IncDirect()
			return true, true
		default: // DownDrop
			d.Counters.IncPolicyDrop()
			_ = client.Close()
			return false, false
		}
	default:
		return !socksAvail, true
	}
}

func (d *Deps) waitForRecovery(maxWait time.Duration) bool {
	if maxWait <= 0 {
		return d.Pool.Available()
	}
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if d.Pool.Available() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return d.Pool.Available()
}

// dial does the direct/SOCKS5 dial with retry-on-dial-failure-only up
// to connect-retries, exponential backoff
// starting at retry-backoff.
func (d *Deps) dial(ctx context.Context, clientAddr, targetHost string, targetPort int, useDirect bool) (net.Conn, *ipn.Backend, error) {
	if useDirect {
		conn, err := d.dialWithRetry(ctx, clientAddr, func() (net.Conn, error) {
			dialer := net.Dialer{Timeout: d.Cfg.ConnectTimeout}
			return dialer.DialContext(ctx, "tcp", net.JoinHostPort(targetHost, strconv.Itoa(targetPort)))
		})
		return conn, nil, err
	}

	backend := d.Pool.Select()
	if backend == nil {
		return nil, nil, ErrNoBackends
	}
	conn, err := d.dialWithRetry(ctx, clientAddr, func() (net.Conn, error) {
		ip, err := d.Resolver.Resolve(ctx, backend.Host)
		if err != nil {
			d.Counters.IncError(core.ErrDNSFailure)
			return nil, err
		}
		dialer := net.Dialer{Timeout: d.Cfg.ConnectTimeout}
		return dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(backend.Port)))
	})
	if err != nil {
		return nil, nil, err
	}

	deadline := time.Now().Add(d.Cfg.ConnectTimeout)
	var creds *socks5.Credentials
	if d.Cfg.SocksUser != "" {
		creds = &socks5.Credentials{User: d.Cfg.SocksUser, Pass: d.Cfg.SocksPass}
	}
	if err := socks5.Greet(conn, creds, deadline); err != nil {
		d.Counters.IncError(core.ErrSOCKSHandshake)
		_ = conn.Close()
		return nil, nil, err
	}
	if _, err := socks5.Connect(conn, targetHost, uint16(targetPort), deadline); err != nil {
		d.Counters.IncError(core.ErrSOCKSHandshake)
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, backend, nil
}

func (d *Deps) dialWithRetry(ctx context.Context, clientAddr string, attempt func() (net.Conn, error)) (net.Conn, error) {
	maxRetries := d.Cfg.ConnectRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	backoffBase := time.Duration(d.Cfg.RetryBackoff * float64(time.Second))

	var lastErr error
	for i := 1; i <= maxRetries; i++ {
		conn, err := attempt()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		xlog.W("forwarder[%s]: dial attempt %d/%d failed: %v", clientAddr, i, maxRetries, err)
		d.Counters.IncError(core.ErrConnectionTimeout)
		if i < maxRetries {
			select {
			case <-time.After(backoffBase * time.Duration(1<<(i-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// peekHTTPHost does a non-consuming HTTP Host-header peek: up to 16KiB
// with a 0.5s deadline, returning whatever bytes were read so they can
// be forwarded verbatim once a decision is made.
func peekHTTPHost(client *net.TCPConn) []byte {
	_ = client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	defer client.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 8192)
	tmp := make([]byte, 8192)
	for len(buf) < 16384 {
		n, err := client.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if bytesContainsHeaderEnd(buf) || err != nil {
			break
		}
	}
	return buf
}

func bytesContainsHeaderEnd(b []byte) bool {
	return strings.Contains(string(b), "\r\n\r\n")
}

func hostDisplay(proto core.ProtocolClass, peeked []byte, targetHost string, targetPort int) string {
	if proto == core.ProtoHTTP && len(peeked) > 0 {
		if h := parseHostHeader(peeked); h != "" {
			return h
		}
	}
	return fmt.Sprintf("%s:%d", targetHost, targetPort)
}

func parseHostHeader(raw []byte) string {
	r := bufio.NewReader(strings.NewReader(string(raw)))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ""
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return ""
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "host:") {
			return strings.TrimSpace(line[len("host:"):])
		}
	}
}

// copyDirection runs one half of a splice pair: a read/write loop with a
// 2s read deadline, mirroring the UDP session's relayLoop wake cadence.
// A read timeout is not itself an error; it's only a chance to check
// lastActivity against idleTimeout and exit if the whole pair has gone
// quiet, so a connection that's merely slow in one direction survives.
func copyDirection(dst, src net.Conn, lastActivity *atomic.Int64, idleTimeout time.Duration, done chan<- int64) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		_ = src.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				break
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if idleTimeout > 0 && time.Since(time.Unix(0, lastActivity.Load())) > idleTimeout {
					break
				}
				continue
			}
			break
		}
	}
	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	done <- total
}

// splice runs the upload/download goroutine pair, attributing byte
// counts to the registry record, the pool backend, and the global
// counters, and skipping a redundant close if an admin or policy kill
// already closed the sockets. Either direction closes the pair once
// Cfg.IdleTimeout has elapsed with no traffic in either direction.
func (d *Deps) splice(client net.Conn, upstream net.Conn, record *core.TCPRecord, protoClass core.ProtocolClass, backend *ipn.Backend) {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	uploadCh := make(chan int64, 1)
	downloadCh := make(chan int64, 1)
	go copyDirection(upstream, client, &lastActivity, d.Cfg.IdleTimeout, uploadCh)
	go copyDirection(client, upstream, &lastActivity, d.Cfg.IdleTimeout, downloadCh)

	upload := <-uploadCh
	download := <-downloadCh

	record.AddBytes(upload, download)
	d.Counters.AddBytes(protoClass, "c2r", upload)
	d.Counters.AddBytes(protoClass, "r2c", download)
	if backend != nil {
		backend.AddBytes(upload + download)
	}

	byUI, byPolicy, _ := record.Killed()
	if !byUI && !byPolicy {
		_ = client.Close()
		_ = upstream.Close()
	}

	xlog.D("forwarder: %s done up=%d down=%d", connDesc(client, upstream), upload, download)
}
