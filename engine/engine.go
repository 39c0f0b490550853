// Package engine drives a single query through admission, filtering, cache
// and upstream resolution, and feeds the advisory scoring layers. It is the
// in-process contract consumed by API surfaces, composing the same component
// instances the wire handler chain uses.
package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/cache"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
	dnscache "github.com/shieldns/shieldns/middleware/cache"
	"github.com/shieldns/shieldns/middleware/filter"
	"github.com/shieldns/shieldns/middleware/querylog"
	"github.com/shieldns/shieldns/middleware/ratelimit"
	"github.com/shieldns/shieldns/middleware/resolver"
	"github.com/shieldns/shieldns/middleware/risk"
	"github.com/shieldns/shieldns/middleware/threat"
)

// Status classifies how a query terminated.
type Status string

const (
	// StatusAnswered means the query produced a resolver or cache answer.
	StatusAnswered Status = "answered"
	// StatusBlocked means a filter rule stopped the query.
	StatusBlocked Status = "blocked"
	// StatusRateLimited means the client was over its window budget.
	StatusRateLimited Status = "rate_limited"
	// StatusFailed means every upstream attempt failed.
	StatusFailed Status = "failed"
)

// ErrRateLimited is returned inside an Outcome when admission fails.
var ErrRateLimited = errors.New("client rate limited")

// Outcome is the result of one query through the pipeline.
type Outcome struct {
	Status   Status        `json:"status"`
	Answers  []dns.RR      `json:"answers,omitempty"`
	Rcode    int           `json:"rcode"`
	Category string        `json:"category,omitempty"`
	Cached   bool          `json:"cached"`
	Risk     risk.Level    `json:"risk"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// FilterOp names a runtime filter mutation.
type FilterOp string

const (
	OpAddBlock    FilterOp = "add_block"
	OpRemoveBlock FilterOp = "remove_block"
	OpAddAllow    FilterOp = "add_allow"
	OpRemoveAllow FilterOp = "remove_allow"
)

// DomainReport is the on-demand analysis of a domain, independent of
// resolution.
type DomainReport struct {
	Domain string         `json:"domain"`
	Risk   *risk.Analysis `json:"risk,omitempty"`
	Threat *threat.Report `json:"threat,omitempty"`
}

// Engine type
type Engine struct {
	cfg *config.Config

	filter    *filter.Filter
	cache     *dnscache.Cache
	ratelimit *ratelimit.RateLimit
	resolver  *resolver.Resolver
	risk      *risk.Engine
	threat    *threat.Intel
	querylog  *querylog.QueryLog

	now func() time.Time
}

// Components are the pipeline stages an Engine composes. Nil members disable
// their stage.
type Components struct {
	Filter    *filter.Filter
	Cache     *dnscache.Cache
	RateLimit *ratelimit.RateLimit
	Resolver  *resolver.Resolver
	Risk      *risk.Engine
	Threat    *threat.Intel
	QueryLog  *querylog.QueryLog
}

// NewFromComponents builds an Engine from explicitly constructed stages.
func NewFromComponents(cfg *config.Config, c Components) *Engine {
	return &Engine{
		cfg: cfg,
		now: time.Now,

		filter:    c.Filter,
		cache:     c.Cache,
		ratelimit: c.RateLimit,
		resolver:  c.Resolver,
		risk:      c.Risk,
		threat:    c.Threat,
		querylog:  c.QueryLog,
	}
}

// New builds an Engine from the handlers installed by middleware.Setup.
// Components that are not registered leave their stage disabled.
func New(cfg *config.Config) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}

	if h := middleware.Get("filter"); h != nil {
		e.filter = h.(*filter.Filter)
	}
	if h := middleware.Get("cache"); h != nil {
		e.cache = h.(*dnscache.Cache)
	}
	if h := middleware.Get("ratelimit"); h != nil {
		e.ratelimit = h.(*ratelimit.RateLimit)
	}
	if h := middleware.Get("resolver"); h != nil {
		e.resolver = h.(*resolver.Resolver)
	}
	if h := middleware.Get("risk"); h != nil {
		e.risk = h.(*risk.Engine)
	}
	if h := middleware.Get("threat"); h != nil {
		e.threat = h.(*threat.Intel)
	}
	if h := middleware.Get("querylog"); h != nil {
		e.querylog = h.(*querylog.QueryLog)
	}

	return e
}

// ResolveQuery runs the full pipeline for one question. Rate-limit rejections
// and filter blocks terminate before any cache or upstream work. Scoring is
// advisory and never fails the query; the outcome carries the last known risk
// level for the domain or "unknown". Every call produces a query log entry.
func (e *Engine) ResolveQuery(ctx context.Context, domain string, qtype uint16, client net.IP) Outcome {
	start := e.now()
	qname := dns.Fqdn(strings.ToLower(domain))

	if e.ratelimit != nil && !e.ratelimit.Allow(client) {
		out := Outcome{Status: StatusRateLimited, Rcode: dns.RcodeRefused, Risk: risk.LevelUnknown, Err: ErrRateLimited}
		e.finish(start, qname, qtype, client, &out)
		return out
	}

	req := new(dns.Msg)
	req.SetQuestion(qname, qtype)

	if e.filter != nil {
		if d := e.filter.Match(qname); d.Action == filter.ActionBlock {
			msg := e.filter.BlockResponse(req)

			out := Outcome{
				Status:   StatusBlocked,
				Answers:  msg.Answer,
				Rcode:    msg.Rcode,
				Category: d.Category,
			}
			e.finish(start, qname, qtype, client, &out)
			return out
		}
	}

	if e.cache != nil {
		if m, ok := e.cache.Lookup(req); ok {
			out := Outcome{Status: StatusAnswered, Answers: m.Answer, Rcode: m.Rcode, Cached: true}
			e.finish(start, qname, qtype, client, &out)
			return out
		}
	}

	if e.resolver == nil {
		out := Outcome{Status: StatusFailed, Rcode: dns.RcodeServerFailure, Err: resolver.ErrAllUpstreamsFailed}
		e.finish(start, qname, qtype, client, &out)
		return out
	}

	resp, err := e.resolver.Resolve(ctx, req)
	if err != nil {
		zlog.Warn("Resolution failed", "query", formatQuestion(qname, qtype), "error", err.Error())

		out := Outcome{Status: StatusFailed, Rcode: dns.RcodeServerFailure, Err: err}
		e.finish(start, qname, qtype, client, &out)
		return out
	}

	if e.cache != nil {
		e.cache.Set(cache.Hash(req.Question[0], req.CheckingDisabled), resp)
	}

	out := Outcome{Status: StatusAnswered, Answers: resp.Answer, Rcode: resp.Rcode}
	e.finish(start, qname, qtype, client, &out)
	return out
}

// finish feeds the advisory layers and appends the audit entry.
func (e *Engine) finish(start time.Time, qname string, qtype uint16, client net.IP, out *Outcome) {
	out.Duration = e.now().Sub(start)

	if out.Risk == "" {
		out.Risk = e.riskLevel(qname)
	}

	if e.threat != nil && client != nil {
		e.threat.RecordQuery(client.String(), qname, out.Status == StatusBlocked)
	}

	if e.querylog == nil {
		return
	}

	clientAddr := ""
	if client != nil {
		clientAddr = client.String()
	}

	e.querylog.Append(querylog.Entry{
		Time:     start,
		Client:   clientAddr,
		Domain:   qname,
		Qtype:    dns.TypeToString[qtype],
		Rcode:    dns.RcodeToString[out.Rcode],
		Proto:    "api",
		Duration: out.Duration,
		Blocked:  out.Status == StatusBlocked,
		Cached:   out.Cached,
		Risk:     string(out.Risk),
	})
}

// riskLevel queues the domain for background scoring and returns the last
// scored level when one is already cached.
func (e *Engine) riskLevel(qname string) risk.Level {
	if e.risk == nil {
		return risk.LevelUnknown
	}

	e.risk.Enqueue(qname)

	if a, ok := e.risk.Cached(qname); ok {
		return a.Level
	}

	return risk.LevelUnknown
}

// AnalyzeDomain scores a domain and checks the reputation table without
// resolving it.
func (e *Engine) AnalyzeDomain(domain string) DomainReport {
	report := DomainReport{Domain: strings.ToLower(strings.TrimSuffix(domain, "."))}

	if e.risk != nil {
		report.Risk = e.risk.Analyze(domain)
	}

	if e.threat != nil {
		t := e.threat.Analyze(domain)
		report.Threat = &t
	}

	return report
}

// FilterMatch returns the rule decision for a domain.
func (e *Engine) FilterMatch(domain string) filter.Decision {
	if e.filter == nil {
		return filter.Decision{}
	}
	return e.filter.Match(dns.Fqdn(strings.ToLower(domain)))
}

// ManageFilter applies a runtime rule mutation.
func (e *Engine) ManageFilter(op FilterOp, domain, category string) error {
	if e.filter == nil {
		return errors.New("filter middleware not enabled")
	}

	if strings.TrimSpace(domain) == "" {
		return errors.New("empty domain")
	}

	switch op {
	case OpAddBlock:
		e.filter.AddBlock(domain, category)
	case OpRemoveBlock:
		e.filter.RemoveBlock(domain)
	case OpAddAllow:
		e.filter.AddAllow(domain, category)
	case OpRemoveAllow:
		e.filter.RemoveAllow(domain)
	default:
		return errors.New("unknown filter op: " + string(op))
	}

	return nil
}

// CacheStats reports cache occupancy and hit rate.
func (e *Engine) CacheStats() dnscache.Stats {
	if e.cache == nil {
		return dnscache.Stats{}
	}
	return e.cache.Stats()
}

// RateLimitStats reports admission window state.
func (e *Engine) RateLimitStats() ratelimit.Stats {
	if e.ratelimit == nil {
		return ratelimit.Stats{}
	}
	return e.ratelimit.Stats()
}

// RiskStats reports scoring counters.
func (e *Engine) RiskStats() risk.Stats {
	if e.risk == nil {
		return risk.Stats{}
	}
	return e.risk.Stats()
}

// ThreatStats reports reputation table and anomaly state.
func (e *Engine) ThreatStats() threat.Stats {
	if e.threat == nil {
		return threat.Stats{}
	}
	return e.threat.Stats()
}

// ClientAnomalies evaluates the recorded query history of one client
// address against the behaviour detectors.
func (e *Engine) ClientAnomalies(client string) []threat.Anomaly {
	if e.threat == nil {
		return nil
	}
	return e.threat.ClientAnomalies(client)
}

// QueryLog returns the newest n audit entries.
func (e *Engine) QueryLog(n int) []querylog.Entry {
	if e.querylog == nil {
		return nil
	}
	return e.querylog.Entries(n)
}

func formatQuestion(qname string, qtype uint16) string {
	return strings.TrimSuffix(qname, ".") + " " + dns.TypeToString[qtype]
}
