// Copyright (c) 2024 the ZDT-D authors.

// Package dnsx implements the name resolver: a TTL cache
// shared across the TCP and UDP paths, backed by the platform resolver
// and an optional DoH fast-path.
package dnsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// ErrDNSFailure wraps every resolution failure so callers can bucket it
// into the error taxonomy via errors.Is.
var ErrDNSFailure = errors.New("dns resolution failed")

// Resolver resolves a hostname to an address: resolve(hostname) -> ip, err.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (net.IP, error)
	Invalidate(hostname string)
}

// platformLookup abstracts net.DefaultResolver.LookupIPAddr for tests.
type platformLookup func(ctx context.Context, host string) ([]net.IPAddr, error)

// dohLookup abstracts Lookup on *DoHClient for tests that don't want a
// live network dependency.
type dohLookup func(ctx context.Context, hostname string) (net.IP, error)

// CacheResolver is the default Resolver: TTL cache in front of the
// platform resolver, with an optional DoH fast-path tried first when
// enabled.
type CacheResolver struct {
	cache      *gocache.Cache
	platform   platformLookup
	doh        dohLookup
	enableDoH  bool
}

// New returns a CacheResolver with the given TTL (default 600s if
// ttl<=0) and DoH enablement. doh may be nil when enableDoH is false.
func New(ttl time.Duration, enableDoH bool, doh *DoHClient) *CacheResolver {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	r := &CacheResolver{
		cache:     gocache.New(ttl, ttl/2),
		platform:  net.DefaultResolver.LookupIPAddr,
		enableDoH: enableDoH,
	}
	if doh != nil {
		r.doh = doh.Lookup
	}
	return r
}

// Resolve implements Resolver. Cache hit returns immediately; on miss it
// tries DoH first when enabled, then the platform resolver, preferring
// IPv4 addresses when multiple are returned.
func (r *CacheResolver) Resolve(ctx context.Context, hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip, nil
	}

	if v, ok := r.cache.Get(hostname); ok {
		return v.(net.IP), nil
	}

	if r.enableDoH && r.doh != nil {
		dohIP, dohErr := r.doh(ctx, hostname)
		if dohErr == nil {
			r.cache.SetDefault(hostname, dohIP)
			return dohIP, nil
		}
		xlog.D("dnsx: doh lookup failed for %s, falling back to platform resolver: %v", hostname, dohErr)
	}

	ip, err := r.resolveStandard(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDNSFailure, hostname, err)
	}
	r.cache.SetDefault(hostname, ip)
	return ip, nil
}

func (r *CacheResolver) resolveStandard(ctx context.Context, hostname string) (net.IP, error) {
	addrs, err := r.platform(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", hostname)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return addrs[0].IP, nil
}

// Invalidate implements Resolver; called on dial failure so a stale
// cache entry doesn't wedge every subsequent connection to a host.
func (r *CacheResolver) Invalidate(hostname string) {
	r.cache.Delete(hostname)
}
