// Package cache answers repeated queries from memory honoring record TTLs.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shieldns/shieldns/cache"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
)

// Cache type
type Cache struct {
	pcache *cache.Cache
	pcap   int
	minttl time.Duration
	maxttl time.Duration

	ncache *cache.Cache
	ncap   int
	nttl   time.Duration

	// per entry response rate
	rate int

	hits   atomic.Int64
	misses atomic.Int64

	// Testing.
	now func() time.Time
}

// Stats is a point in time view of cache effectiveness.
type Stats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shieldns_cache_hits_total",
		Help: "Total number of cache hits.",
	})

	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shieldns_cache_misses_total",
		Help: "Total number of cache misses.",
	})

	cacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shieldns_cache_size",
		Help: "Current number of cache entries.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(cacheSize)
}

// New return cache
func New(cfg *config.Config) *Cache {
	size := cfg.CacheSize
	if size < 1024 {
		size = 1024
	}

	c := &Cache{
		pcache: cache.New(size / 2),
		pcap:   size / 2,
		minttl: time.Duration(cfg.MinTTL) * time.Second,
		maxttl: time.Duration(cfg.MaxTTL) * time.Second,

		ncache: cache.New(size / 2),
		ncap:   size / 2,
		nttl:   time.Duration(cfg.Expire) * time.Second,

		rate: cfg.RateLimit,

		now: time.Now,
	}

	if c.maxttl <= 0 {
		c.maxttl = maxTTL
	}
	if c.nttl <= 0 {
		c.nttl = minNTTL
	}

	return c
}

// Name return middleware name
func (c *Cache) Name() string { return name }

// ServeDNS implements the Handler interface.
func (c *Cache) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	q := req.Question[0]

	if q.Qclass != dns.ClassINET {
		ch.Next(ctx)
		return
	}

	now := c.now().UTC()
	key := cache.Hash(q, req.CheckingDisabled)

	if e, ok := c.get(key, now); ok {
		cacheHits.Inc()
		c.hits.Add(1)

		if e.limiter != nil && !e.limiter.Allow() {
			_, do := edns0Flags(req)
			ch.CancelWithRcode(dns.RcodeRefused, do)
			return
		}

		m := e.toMsg(req, now)
		if m == nil {
			// raced with expiry
			c.missed(ctx, ch, key)
			return
		}

		if opt := req.IsEdns0(); opt != nil {
			m.SetEdns0(opt.UDPSize(), opt.Do())
		}

		_ = w.WriteMsg(m)
		ch.Cancel()
		return
	}

	c.missed(ctx, ch, key)
}

func (c *Cache) missed(ctx context.Context, ch *middleware.Chain, key uint64) {
	cacheMisses.Inc()
	c.misses.Add(1)

	ch.Next(ctx)

	// store whatever the rest of the chain answered
	if m := ch.Writer.Msg(); m != nil {
		c.Set(key, m)
	}
}

// Lookup returns the cached response for req with its TTLs counted down, or
// false on a miss. Hit and miss counters are updated the same way ServeDNS
// updates them.
func (c *Cache) Lookup(req *dns.Msg) (*dns.Msg, bool) {
	now := c.now().UTC()
	key := cache.Hash(req.Question[0], req.CheckingDisabled)

	if e, ok := c.get(key, now); ok {
		if m := e.toMsg(req, now); m != nil {
			cacheHits.Inc()
			c.hits.Add(1)
			return m, true
		}
	}

	cacheMisses.Inc()
	c.misses.Add(1)
	return nil, false
}

// get checks the negative cache before the positive one, removing entries
// found expired.
func (c *Cache) get(key uint64, now time.Time) (*entry, bool) {
	if v, ok := c.ncache.Get(key); ok {
		if e := v.(*entry); !e.expired(now) {
			return e, true
		}
		c.ncache.Remove(key)
	}

	if v, ok := c.pcache.Get(key); ok {
		if e := v.(*entry); !e.expired(now) {
			return e, true
		}
		c.pcache.Remove(key)
	}

	return nil, false
}

// Set stores a response message under key when it is cachable.
func (c *Cache) Set(key uint64, msg *dns.Msg) {
	now := c.now().UTC()

	switch msg.Rcode {
	case dns.RcodeSuccess:
		if len(msg.Answer) == 0 {
			c.ncache.Add(key, newEntry(msg, now, c.negativeTTL(msg), c.rate))
			cacheSize.WithLabelValues("negative").Set(float64(c.ncache.Len()))
			return
		}

		ttl := clampTTL(minimalTTL(msg), c.minttl, c.maxttl)
		c.pcache.Add(key, newEntry(msg, now, ttl, c.rate))
		cacheSize.WithLabelValues("positive").Set(float64(c.pcache.Len()))

	case dns.RcodeNameError, dns.RcodeServerFailure:
		c.ncache.Add(key, newEntry(msg, now, c.negativeTTL(msg), c.rate))
		cacheSize.WithLabelValues("negative").Set(float64(c.ncache.Len()))
	}
}

// Stats returns hit rate and occupancy.
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Size:     c.pcache.Len() + c.ncache.Len(),
		Capacity: c.pcap + c.ncap,
		Hits:     hits,
		Misses:   misses,
		HitRate:  rate,
	}
}

// negativeTTL prefers the SOA minimum when the authority carries one.
func (c *Cache) negativeTTL(msg *dns.Msg) time.Duration {
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			ttl := time.Duration(soa.Minttl) * time.Second
			if hdr := time.Duration(soa.Hdr.Ttl) * time.Second; hdr < ttl {
				ttl = hdr
			}
			return clampTTL(ttl, minNTTL, c.nttl)
		}
	}

	return c.nttl
}

// minimalTTL returns the smallest record TTL in the message.
func minimalTTL(msg *dns.Msg) time.Duration {
	minttl := ^uint32(0)

	found := false
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if rr.Header().Ttl < minttl {
				minttl = rr.Header().Ttl
			}
			found = true
		}
	}

	if !found {
		return minTTL
	}

	return time.Duration(minttl) * time.Second
}

func clampTTL(ttl, min, max time.Duration) time.Duration {
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

func edns0Flags(req *dns.Msg) (*dns.OPT, bool) {
	if opt := req.IsEdns0(); opt != nil {
		return opt, opt.Do()
	}
	return nil, false
}

const (
	minTTL  = 5 * time.Second
	maxTTL  = 24 * time.Hour
	minNTTL = 30 * time.Second

	name = "cache"
)
