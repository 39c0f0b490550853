// Package threat aggregates reputation feeds, tunneling heuristics and
// per-client anomaly tracking. It observes the query stream, it never blocks.
package threat

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
)

// Intel type
type Intel struct {
	feeds    *Feeds
	detector *Detector

	nullroute net.IP
}

// Report is the full threat view of one domain.
type Report struct {
	Domain    string        `json:"domain"`
	Matches   []Match       `json:"matches,omitempty"`
	Tunneling TunnelingRisk `json:"tunneling"`
}

// Stats summarizes intel state.
type Stats struct {
	KnownThreats   int              `json:"known_threats"`
	Categories     map[Category]int `json:"categories"`
	TrackedClients int              `json:"tracked_clients"`
}

var (
	feedHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldns_threat_feed_hits_total",
		Help: "Number of queries matching a reputation feed entry per category.",
	}, []string{"category"})

	tunnelingSuspects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shieldns_threat_tunneling_suspects_total",
		Help: "Number of queries with suspected tunneling indicators.",
	})

	anomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shieldns_threat_anomalies_total",
		Help: "Number of client behaviour anomalies detected per type.",
	}, []string{"type"})
)

// New return threat intel
func New(cfg *config.Config) *Intel {
	return &Intel{
		feeds:     NewFeeds(cfg.ThreatFeeds, time.Duration(cfg.FeedRefresh)),
		detector:  NewDetector(),
		nullroute: net.ParseIP(cfg.Nullroute),
	}
}

// Name return middleware name
func (t *Intel) Name() string { return name }

// Close stops the feed refresh and profile aging goroutines.
func (t *Intel) Close() error {
	_ = t.feeds.Close()
	return t.detector.Close()
}

// ServeDNS implements the Handler interface. Runs the rest of the chain
// first, then records what happened for the client.
func (t *Intel) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	ch.Next(ctx)

	if len(req.Question) == 0 || w.Internal() {
		return
	}

	domain := normalize(req.Question[0].Name)
	if domain == "" {
		return
	}

	client := ""
	if ip := w.RemoteIP(); ip != nil {
		client = ip.String()
	}

	t.detector.Record(client, domain, t.wasBlocked(w.Msg()))

	for _, a := range t.detector.Check(client) {
		anomaliesDetected.WithLabelValues(string(a.Type)).Inc()

		zlog.Warn("Client behaviour anomaly", "client", client, "type", string(a.Type),
			"severity", a.Severity, "detail", a.Description)
	}

	if matches := t.feeds.Lookup(domain); len(matches) > 0 {
		feedHits.WithLabelValues(string(matches[0].Category)).Inc()

		zlog.Warn("Threat feed match", "domain", domain, "client", client,
			"source", matches[0].Source, "category", string(matches[0].Category),
			"confidence", matches[0].Confidence)
	}

	if risk := analyzeTunneling(domain); risk.Suspected {
		tunnelingSuspects.Inc()

		zlog.Warn("Suspected DNS tunneling", "domain", domain, "client", client,
			"confidence", risk.Confidence)
	}
}

// Analyze returns the feed and tunneling view of a domain.
func (t *Intel) Analyze(name string) Report {
	domain := normalize(name)

	return Report{
		Domain:    domain,
		Matches:   t.feeds.Lookup(domain),
		Tunneling: analyzeTunneling(domain),
	}
}

// RecordQuery feeds the anomaly tracker from outside the chain.
func (t *Intel) RecordQuery(client, name string, blocked bool) {
	t.detector.Record(client, normalize(name), blocked)
}

// ClientAnomalies evaluates a client's recent behaviour.
func (t *Intel) ClientAnomalies(client string) []Anomaly {
	return t.detector.Check(client)
}

// Stats returns intel counters.
func (t *Intel) Stats() Stats {
	return Stats{
		KnownThreats:   t.feeds.Len(),
		Categories:     t.feeds.Categories(),
		TrackedClients: t.detector.TrackedClients(),
	}
}

// wasBlocked recognizes a nullroute answer written further down the chain.
func (t *Intel) wasBlocked(m *dns.Msg) bool {
	if m == nil || m.Rcode != dns.RcodeSuccess || t.nullroute == nil {
		return false
	}

	for _, rr := range m.Answer {
		if a, ok := rr.(*dns.A); ok && a.A.Equal(t.nullroute) {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

const name = "threat"
