// Package filter blocks or allows queries against categorized domain rules.
package filter

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
)

// Action is the outcome of a rule match.
type Action int

const (
	// ActionNone means no rule matched.
	ActionNone Action = iota
	// ActionAllow means an allow rule matched, the query bypasses blocking.
	ActionAllow
	// ActionBlock means a block rule matched.
	ActionBlock
)

// Decision describes which rule matched a name.
type Decision struct {
	Action   Action
	Category string
	Rule     string
}

// ruleSet is an immutable snapshot of the rule tables. Readers load it
// through an atomic pointer, writers clone and swap.
type ruleSet struct {
	allowExact map[string]string
	allowWild  map[string]string
	blockExact map[string]string
	blockWild  map[string]string
}

func newRuleSet() *ruleSet {
	return &ruleSet{
		allowExact: make(map[string]string),
		allowWild:  make(map[string]string),
		blockExact: make(map[string]string),
		blockWild:  make(map[string]string),
	}
}

func (rs *ruleSet) clone() *ruleSet {
	c := newRuleSet()
	for k, v := range rs.allowExact {
		c.allowExact[k] = v
	}
	for k, v := range rs.allowWild {
		c.allowWild[k] = v
	}
	for k, v := range rs.blockExact {
		c.blockExact[k] = v
	}
	for k, v := range rs.blockWild {
		c.blockWild[k] = v
	}
	return c
}

// match checks allow rules before block rules, an allow match always wins.
func (rs *ruleSet) match(name string) Decision {
	if cat, ok := rs.allowExact[name]; ok {
		return Decision{Action: ActionAllow, Category: cat, Rule: name}
	}
	if cat, rule, ok := matchWild(rs.allowWild, name); ok {
		return Decision{Action: ActionAllow, Category: cat, Rule: rule}
	}
	if cat, ok := rs.blockExact[name]; ok {
		return Decision{Action: ActionBlock, Category: cat, Rule: name}
	}
	if cat, rule, ok := matchWild(rs.blockWild, name); ok {
		return Decision{Action: ActionBlock, Category: cat, Rule: rule}
	}
	return Decision{}
}

// matchWild walks the parent domains of name looking for a wildcard suffix.
// The wildcard *.example.com. covers sub.example.com. but not example.com.
func matchWild(wild map[string]string, name string) (string, string, bool) {
	if len(wild) == 0 {
		return "", "", false
	}

	off, end := dns.NextLabel(name, 0)
	for !end {
		if cat, ok := wild[name[off:]]; ok {
			return cat, "*." + name[off:], true
		}
		off, end = dns.NextLabel(name, off)
	}

	return "", "", false
}

// ruleOp is one runtime rule mutation, kept so a list reload can replay it
// on top of the rebuilt tables.
type ruleOp struct {
	allow    bool
	remove   bool
	domain   string
	category string
}

func (op ruleOp) apply(rs *ruleSet) {
	exact, wild := rs.blockExact, rs.blockWild
	if op.allow {
		exact, wild = rs.allowExact, rs.allowWild
	}

	if op.remove {
		removeRule(exact, wild, op.domain)
		return
	}
	addRule(exact, wild, op.domain, op.category)
}

// Filter type
type Filter struct {
	rules atomic.Pointer[ruleSet]

	// serializes clone-and-swap writers, guards the journal
	mu      sync.Mutex
	journal []ruleOp

	stop     chan struct{}
	stopOnce sync.Once

	nullroute  net.IP
	null6route net.IP

	cfg *config.Config
}

var blockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shieldns_filter_blocked_total",
	Help: "Number of queries answered with the nullroute per category.",
}, []string{"category"})

// New returns a new Filter
func New(cfg *config.Config) *Filter {
	f := &Filter{
		nullroute:  net.ParseIP(cfg.Nullroute),
		null6route: net.ParseIP(cfg.Nullroutev6),

		cfg: cfg,

		stop: make(chan struct{}),
	}
	f.rules.Store(newRuleSet())

	f.reload()

	if cfg.FilterListDir != "" {
		go f.watch()
	}

	return f
}

// Name return middleware name
func (f *Filter) Name() string { return name }

// Close stops the list watcher.
func (f *Filter) Close() error {
	f.stopOnce.Do(func() { close(f.stop) })
	return nil
}

// ServeDNS implements the Handler interface.
func (f *Filter) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	q := req.Question[0]

	d := f.Match(q.Name)
	if d.Action != ActionBlock {
		ch.Next(ctx)
		return
	}

	blockedTotal.WithLabelValues(d.Category).Inc()

	_ = w.WriteMsg(f.BlockResponse(req))

	ch.Cancel()
}

// BlockResponse builds the sinkhole answer for a blocked query. A and AAAA
// questions get the configured nullroute address, everything else an empty
// authoritative answer.
func (f *Filter) BlockResponse(req *dns.Msg) *dns.Msg {
	q := req.Question[0]

	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative, msg.RecursionAvailable = true, true

	switch q.Qtype {
	case dns.TypeA:
		rrHeader := dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    blockTTL,
		}
		a := &dns.A{Hdr: rrHeader, A: f.nullroute}
		msg.Answer = append(msg.Answer, a)
	case dns.TypeAAAA:
		rrHeader := dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    blockTTL,
		}
		a := &dns.AAAA{Hdr: rrHeader, AAAA: f.null6route}
		msg.Answer = append(msg.Answer, a)
	}

	return msg
}

// Match returns the rule decision for a domain name.
func (f *Filter) Match(name string) Decision {
	return f.rules.Load().match(dns.CanonicalName(name))
}

// AddBlock adds a block rule at runtime.
func (f *Filter) AddBlock(domain, category string) {
	f.update(ruleOp{domain: domain, category: category})
}

// RemoveBlock removes a block rule.
func (f *Filter) RemoveBlock(domain string) {
	f.update(ruleOp{remove: true, domain: domain})
}

// AddAllow adds an allow rule at runtime.
func (f *Filter) AddAllow(domain, category string) {
	f.update(ruleOp{allow: true, domain: domain, category: category})
}

// RemoveAllow removes an allow rule.
func (f *Filter) RemoveAllow(domain string) {
	f.update(ruleOp{allow: true, remove: true, domain: domain})
}

// Length returns the total rule count.
func (f *Filter) Length() int {
	rs := f.rules.Load()
	return len(rs.allowExact) + len(rs.allowWild) + len(rs.blockExact) + len(rs.blockWild)
}

// Categories returns the block rule count per category.
func (f *Filter) Categories() map[string]int {
	rs := f.rules.Load()

	counts := make(map[string]int)
	for _, cat := range rs.blockExact {
		counts[cat]++
	}
	for _, cat := range rs.blockWild {
		counts[cat]++
	}
	return counts
}

func (f *Filter) update(op ruleOp) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rs := f.rules.Load().clone()
	op.apply(rs)
	f.rules.Store(rs)

	f.journal = append(f.journal, op)
}

func addRule(exact, wild map[string]string, domain, category string) {
	if category == "" {
		category = defaultCategory
	}

	if rest, ok := strings.CutPrefix(domain, "*."); ok {
		wild[dns.CanonicalName(rest)] = category
		return
	}
	exact[dns.CanonicalName(domain)] = category
}

func removeRule(exact, wild map[string]string, domain string) {
	if rest, ok := strings.CutPrefix(domain, "*."); ok {
		delete(wild, dns.CanonicalName(rest))
		return
	}
	delete(exact, dns.CanonicalName(domain))
}

const (
	blockTTL = 3600

	defaultCategory = "custom"

	name = "filter"
)
