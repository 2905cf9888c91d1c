// Copyright (c) 2024 the ZDT-D authors.

// Package accept implements the TCP accept loop and its two admission
// controls: a sliding-window rate limiter and a bounded-concurrency
// semaphore.
package accept

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"

	"github.com/GAME-OVER-op/ZDT-D/proxy/core"
	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// RateLimiter is a sliding one-minute window over accepted connections,
// grounded on the Python RateLimiter class (a deque of timestamps pruned
// to the last 60s on every check).
type RateLimiter struct {
	mu        sync.Mutex
	maxPerMin int
	times     *list.List
}

// NewRateLimiter returns a limiter allowing maxPerMin connections per
// rolling minute. maxPerMin <= 0 disables limiting entirely.
func NewRateLimiter(maxPerMin int) *RateLimiter {
	return &RateLimiter{maxPerMin: maxPerMin, times: list.New()}
}

// Allow reports whether one more connection may be admitted right now,
// recording it if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxPerMin <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-60 * time.Second)
	for e := r.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			r.times.Remove(e)
		} else {
			break
		}
		e = next
	}
	if r.times.Len() >= r.maxPerMin {
		return false
	}
	r.times.PushBack(now)
	return true
}

// SetLimit updates the per-minute ceiling, applied on the next Allow
// call.
func (r *RateLimiter) SetLimit(n int) {
	r.mu.Lock()
	r.maxPerMin = n
	r.mu.Unlock()
}

// Acceptor services one TCP listener, admission-gates each accepted
// connection through RateLimiter then a bounded semaphore, and dispatches
// to Handle on its own goroutine.
type Acceptor struct {
	Listener *net.TCPListener
	Counters *core.Counters
	Limiter  *RateLimiter
	Handle   func(ctx context.Context, client *net.TCPConn)

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewAcceptor wires an Acceptor bounded to maxConns concurrent handlers.
func NewAcceptor(ln *net.TCPListener, counters *core.Counters, limiter *RateLimiter, maxConns int, handle func(context.Context, *net.TCPConn)) *Acceptor {
	if maxConns <= 0 {
		maxConns = 100
	}
	return &Acceptor{
		Listener: ln,
		Counters: counters,
		Limiter:  limiter,
		Handle:   handle,
		sem:      make(chan struct{}, maxConns),
	}
}

// Run accepts connections until ctx is cancelled, then waits for every
// in-flight handler to return.
func (a *Acceptor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			a.wg.Wait()
			return ctx.Err()
		}
		_ = a.Listener.SetDeadline(time.Now().Add(1 * time.Second))
		client, err := a.Listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				a.wg.Wait()
				return ctx.Err()
			}
			xlog.W("accept: accept error: %v", err)
			continue
		}

		if a.Limiter != nil && !a.Limiter.Allow() {
			xlog.W("accept: rejecting %s (rate limit exceeded)", client.RemoteAddr())
			a.Counters.IncError(core.ErrRateLimited)
			_ = client.Close()
			continue
		}

		tcpClient := client.(*net.TCPConn)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sem <- struct{}{}
			defer func() { <-a.sem }()
			a.Handle(ctx, tcpClient)
		}()
	}
}

// Active reports the number of handler goroutines currently holding a
// semaphore slot. The dashboard does not read it.
func (a *Acceptor) Active() int { return len(a.sem) }
