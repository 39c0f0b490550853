// Package ratelimit throttles clients that exceed the per-window query budget.
package ratelimit

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
	"github.com/shieldns/shieldns/cache"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
)

// bucket is a fixed window counter for a single client address.
type bucket struct {
	start atomic.Int64
	count atomic.Int64
	seen  atomic.Int64
}

// RateLimit type
type RateLimit struct {
	cache *cache.Cache

	rate   int
	window time.Duration

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Stats is a snapshot of limiter state.
type Stats struct {
	TrackedClients int   `json:"tracked_clients"`
	WindowSeconds  int64 `json:"window_seconds"`
	MaxRequests    int   `json:"max_requests"`
}

// New return ratelimit
func New(cfg *config.Config) *RateLimit {
	window := time.Duration(cfg.RateLimitWindow)
	if window <= 0 {
		window = time.Minute
	}

	r := &RateLimit{
		cache:  cache.New(cacheSize),
		rate:   cfg.ClientRateLimit,
		window: window,
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	go r.run()

	return r
}

// Name return middleware name
func (r *RateLimit) Name() string { return name }

// Close stops the bucket sweeper.
func (r *RateLimit) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

// ServeDNS implements the Handler interface.
func (r *RateLimit) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w := ch.Writer

	if w.Internal() {
		ch.Next(ctx)
		return
	}

	if r.rate == 0 {
		ch.Next(ctx)
		return
	}

	if w.RemoteIP() == nil {
		ch.Next(ctx)
		return
	} else if w.RemoteIP().IsLoopback() {
		ch.Next(ctx)
		return
	}

	if !r.Allow(w.RemoteIP()) {
		if w.Proto() == "udp" {
			// no reply to client
			ch.Cancel()
			return
		}

		ch.CancelWithRcode(dns.RcodeRefused, false)
		return
	}

	ch.Next(ctx)
}

// (*RateLimit).Stats return a snapshot of limiter state.
func (r *RateLimit) Stats() Stats {
	return Stats{
		TrackedClients: r.cache.Len(),
		WindowSeconds:  int64(r.window / time.Second),
		MaxRequests:    r.rate,
	}
}

// Allow reports whether remoteip still has budget in the current window.
func (r *RateLimit) Allow(remoteip net.IP) bool {
	if r.rate == 0 || remoteip == nil {
		return true
	}

	key := xxhash.Sum64(remoteip)

	var b *bucket
	if v, ok := r.cache.Get(key); ok {
		b = v.(*bucket)
	} else {
		b = new(bucket)
		r.cache.Add(key, b)
	}

	now := r.now().UnixNano()
	b.seen.Store(now)

	start := b.start.Load()
	if now-start >= int64(r.window) {
		// first request of a new window resets the counter, losers of the
		// race keep counting against the fresh window
		if b.start.CompareAndSwap(start, now) {
			b.count.Store(0)
		}
	}

	return b.count.Add(1) <= int64(r.rate)
}

// run purges buckets idle for more than two windows.
func (r *RateLimit) run() {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := r.now().Add(-2 * r.window).UnixNano()

			var stale []uint64
			r.cache.ForEach(func(key uint64, el any) bool {
				if b, ok := el.(*bucket); ok && b.seen.Load() < cutoff {
					stale = append(stale, key)
				}
				return true
			})

			for _, key := range stale {
				r.cache.Remove(key)
			}
		case <-r.stop:
			return
		}
	}
}

const (
	cacheSize = 256 * 100

	name = "ratelimit"
)
