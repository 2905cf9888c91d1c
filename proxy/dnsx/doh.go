// Copyright (c) 2024 the ZDT-D authors.

package dnsx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

// DefaultDoHServers is the default DoH server rotation list (Cloudflare
// then Google).
var DefaultDoHServers = []string{
	"https://cloudflare-dns.com/dns-query",
	"https://dns.google/dns-query",
}

// DoHClient queries a rotation of DNS-over-HTTPS resolvers using the
// RFC 8484 wire format (application/dns-message), a stricter and more
// interoperable transport than the original's JSON-API variant.
type DoHClient struct {
	servers []string
	client  *http.Client
	timeout time.Duration
}

// NewDoHClient builds a client with a short per-request timeout; servers defaults to
// DefaultDoHServers when empty.
func NewDoHClient(servers []string, timeout time.Duration) *DoHClient {
	if len(servers) == 0 {
		servers = DefaultDoHServers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DoHClient{
		servers: servers,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Lookup resolves hostname's A record, trying each configured server in
// turn and returning the first successful answer.
func (c *DoHClient) Lookup(ctx context.Context, hostname string) (net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	msg.RecursionDesired = true
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("doh: pack query: %w", err)
	}

	var lastErr error
	for _, server := range c.servers {
		ip, err := c.queryOne(ctx, server, packed)
		if err == nil {
			return ip, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no doh servers configured")
	}
	return nil, lastErr
}

func (c *DoHClient) queryOne(ctx context.Context, server string, packed []byte) (net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh: %s returned %d", server, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, fmt.Errorf("doh: unpack reply: %w", err)
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("doh: %s: no A record in reply", server)
}
