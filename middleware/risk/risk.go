// Package risk scores domain names for generated-name and lexical threat
// signals off the query hot path.
package risk

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/bluele/gcache"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
)

// Engine type
type Engine struct {
	cache gcache.Cache
	queue chan string

	analyzed    atomic.Int64
	dgaDetected atomic.Int64
	highRisk    atomic.Int64
	dropped     atomic.Int64
}

// Stats is a point in time view of scoring activity.
type Stats struct {
	Analyzed    int64 `json:"analyzed"`
	DGADetected int64 `json:"dga_detected"`
	HighRisk    int64 `json:"high_risk"`
	Dropped     int64 `json:"dropped"`
	CacheSize   int   `json:"cache_size"`
}

// New return risk engine
func New(cfg *config.Config) *Engine {
	cacheSize := cfg.RiskCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	queueSize := cfg.RiskQueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	workers := cfg.RiskWorkers
	if workers <= 0 {
		workers = defaultWorkers
	}

	e := &Engine{
		cache: gcache.New(cacheSize).LRU().Build(),
		queue: make(chan string, queueSize),
	}

	for i := 0; i < workers; i++ {
		go e.worker()
	}

	zlog.Info("Risk engine started", "cachesize", cacheSize, "workers", workers)

	return e
}

// Name return middleware name
func (e *Engine) Name() string { return name }

// ServeDNS implements the Handler interface. Scoring is advisory, the query
// continues immediately and the name is analyzed in the background.
func (e *Engine) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	req := ch.Request

	ch.Next(ctx)

	if len(req.Question) == 0 || req.Question[0].Qclass != dns.ClassINET {
		return
	}

	e.Enqueue(req.Question[0].Name)
}

// Enqueue schedules a background analysis. A full queue drops the request
// instead of blocking the caller.
func (e *Engine) Enqueue(name string) {
	domain := normalize(name)
	if domain == "" {
		return
	}

	if e.cache.Has(domain) {
		return
	}

	select {
	case e.queue <- domain:
	default:
		e.dropped.Add(1)
		queueDropped.Inc()
	}
}

// Analyze scores a domain, serving repeated lookups from the LRU cache.
func (e *Engine) Analyze(name string) *Analysis {
	domain := normalize(name)

	if v, err := e.cache.Get(domain); err == nil {
		return v.(*Analysis)
	}

	result := score(domain)

	e.analyzed.Add(1)
	analyzedTotal.Inc()
	scoreHist.Observe(result.OverallRisk)
	levelTotal.WithLabelValues(string(result.Level)).Inc()

	if result.DGA.IsDGA {
		e.dgaDetected.Add(1)
		dgaTotal.Inc()
	}
	if result.Level == LevelHigh {
		e.highRisk.Add(1)

		zlog.Warn("High risk domain", "domain", domain,
			"score", result.OverallRisk, "dga", result.DGA.IsDGA, "family", result.DGA.Family)
	}

	_ = e.cache.Set(domain, &result)

	return &result
}

// Cached returns the analysis for a domain when one is already scored.
func (e *Engine) Cached(name string) (*Analysis, bool) {
	if v, err := e.cache.GetIFPresent(normalize(name)); err == nil {
		return v.(*Analysis), true
	}
	return nil, false
}

// Stats returns scoring counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Analyzed:    e.analyzed.Load(),
		DGADetected: e.dgaDetected.Load(),
		HighRisk:    e.highRisk.Load(),
		Dropped:     e.dropped.Load(),
		CacheSize:   e.cache.Len(false),
	}
}

func (e *Engine) worker() {
	for domain := range e.queue {
		e.Analyze(domain)
	}
}

// normalize lowercases and strips the trailing root dot.
func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

const (
	defaultCacheSize = 10000
	defaultQueueSize = 1024
	defaultWorkers   = 2

	name = "risk"
)
