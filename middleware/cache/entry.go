package cache

import (
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

// entry is an immutable cached response.
type entry struct {
	msg    *dns.Msg
	stored time.Time
	ttl    time.Duration

	limiter *rate.Limiter
}

func newEntry(msg *dns.Msg, now time.Time, ttl time.Duration, rateLimit int) *entry {
	msgCopy := msg.Copy()

	// OPT carries per-query transport options, never cache it
	if len(msgCopy.Extra) > 0 {
		extra := make([]dns.RR, 0, len(msgCopy.Extra))
		for _, rr := range msgCopy.Extra {
			if rr.Header().Rrtype != dns.TypeOPT {
				extra = append(extra, rr)
			}
		}
		msgCopy.Extra = extra
	}

	e := &entry{
		msg:    msgCopy,
		stored: now,
		ttl:    ttl,
	}

	if rateLimit > 0 {
		limit := rate.Every(time.Second / time.Duration(rateLimit))
		e.limiter = rate.NewLimiter(limit, rateLimit)
	}

	return e
}

// toMsg builds a reply for req with the remaining TTL, nil when expired.
func (e *entry) toMsg(req *dns.Msg, now time.Time) *dns.Msg {
	remaining := e.ttl - now.Sub(e.stored)
	if remaining <= 0 {
		return nil
	}

	resp := e.msg.Copy()
	rcode := resp.Rcode
	resp.SetReply(req)
	resp.Rcode = rcode
	resp.Authoritative = false
	resp.RecursionAvailable = true

	if req.CheckingDisabled {
		resp.AuthenticatedData = false
	}

	ttl := uint32(remaining.Seconds())
	for _, rr := range resp.Answer {
		rr.Header().Ttl = ttl
	}
	for _, rr := range resp.Ns {
		rr.Header().Ttl = ttl
	}
	for _, rr := range resp.Extra {
		rr.Header().Ttl = ttl
	}

	return resp
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.stored) >= e.ttl
}
