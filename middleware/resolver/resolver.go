// Package resolver forwards queries to upstream servers with failover and
// request coalescing.
package resolver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/cache"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
)

// ErrAllUpstreamsFailed is returned when every configured upstream was tried
// without getting a usable response.
var ErrAllUpstreamsFailed = errors.New("all upstream servers failed")

// Resolver type
type Resolver struct {
	servers []string
	timeout time.Duration

	udpClient *dns.Client
	tcpClient *dns.Client

	group *Group
}

var (
	upstreamExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldns_upstream_exchanges_total",
		Help: "Number of upstream exchanges per server.",
	}, []string{"server"})

	upstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldns_upstream_failures_total",
		Help: "Number of failed upstream exchanges per server.",
	}, []string{"server"})
)

// New return resolver
func New(cfg *config.Config) *Resolver {
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	var servers []string
	for _, s := range cfg.UpstreamServers {
		host, _, err := net.SplitHostPort(s)
		if err != nil {
			host = s
			s = net.JoinHostPort(s, "53")
		}

		if ip := net.ParseIP(host); ip != nil {
			servers = append(servers, s)
		} else {
			zlog.Error("Upstream server is not correct. Check your config.", "server", s)
		}
	}

	return &Resolver{
		servers: servers,
		timeout: timeout,

		udpClient: &dns.Client{Net: "udp", Timeout: timeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: timeout},

		group: NewGroup(),
	}
}

// Name return middleware name
func (r *Resolver) Name() string { return name }

// Close stops the flight tracker.
func (r *Resolver) Close() error { return r.group.Close() }

// ServeDNS implements the Handler interface.
func (r *Resolver) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	if len(req.Question) == 0 || len(r.servers) == 0 {
		ch.CancelWithRcode(dns.RcodeServerFailure, false)
		return
	}

	resp, err := r.Resolve(ctx, req)
	if err != nil {
		zlog.Warn("Upstream resolve failed", "query", formatQuestion(req.Question[0]), "error", err.Error())

		_, do := dnsDo(req)
		ch.CancelWithRcode(dns.RcodeServerFailure, do)
		return
	}

	resp.Id = req.Id

	_ = w.WriteMsg(resp)
	ch.Cancel()
}

// Resolve runs one coalesced upstream lookup for req. Concurrent callers
// asking the same question share a single exchange.
func (r *Resolver) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	q := req.Question[0]
	key := strconv.FormatUint(cache.Hash(q, req.CheckingDisabled), 16)

	resp, err := r.group.Do(ctx, key, func() (*dns.Msg, error) {
		return r.exchange(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	// shared result, callers get their own copy
	return resp.Copy(), nil
}

// exchange tries each upstream in configured order.
func (r *Resolver) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	uReq := new(dns.Msg)
	uReq.SetQuestion(req.Question[0].Name, req.Question[0].Qtype)
	uReq.Question[0].Qclass = req.Question[0].Qclass
	uReq.RecursionDesired = true
	uReq.CheckingDisabled = req.CheckingDisabled

	if opt := req.IsEdns0(); opt != nil {
		uReq.SetEdns0(opt.UDPSize(), opt.Do())
	}

	for _, server := range r.servers {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		resp, err := r.query(attemptCtx, uReq, server)
		cancel()

		upstreamExchanges.WithLabelValues(server).Inc()

		if err != nil {
			upstreamFailures.WithLabelValues(server).Inc()
			zlog.Debug("Upstream exchange failed", "server", server, "error", err.Error())

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		return resp, nil
	}

	return nil, ErrAllUpstreamsFailed
}

func (r *Resolver) query(ctx context.Context, req *dns.Msg, server string) (*dns.Msg, error) {
	resp, _, err := r.udpClient.ExchangeContext(ctx, req, server)
	if err != nil {
		return nil, err
	}

	if resp.Truncated {
		resp, _, err = r.tcpClient.ExchangeContext(ctx, req, server)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func dnsDo(req *dns.Msg) (*dns.OPT, bool) {
	if opt := req.IsEdns0(); opt != nil {
		return opt, opt.Do()
	}
	return nil, false
}

func formatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

const name = "resolver"
