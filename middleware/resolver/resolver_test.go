package resolver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/middleware"
	"github.com/shieldns/shieldns/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, handler dns.Handler) (string, func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = s.ActivateAndServe() }()

	return pc.LocalAddr().String(), func() { _ = s.Shutdown() }
}

func answerHandler(counter *atomic.Int64, delay time.Duration) dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		counter.Add(1)

		if delay > 0 {
			time.Sleep(delay)
		}

		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP("192.0.2.53"),
		})
		_ = w.WriteMsg(m)
	})
}

func makeTestConfig(servers ...string) *config.Config {
	cfg := new(config.Config)
	cfg.UpstreamServers = servers
	cfg.Timeout = config.Duration(500 * time.Millisecond)
	return cfg
}

func Test_ResolverExchange(t *testing.T) {
	var count atomic.Int64
	addr, stop := startTestServer(t, answerHandler(&count, 0))
	defer stop()

	r := New(makeTestConfig(addr))
	assert.Equal(t, "resolver", r.Name())

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	ch := middleware.NewChain([]middleware.Handler{r})
	mw := mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	require.Len(t, mw.Msg().Answer, 1)
}

func Test_ResolverFailover(t *testing.T) {
	var count atomic.Int64
	addr, stop := startTestServer(t, answerHandler(&count, 0))
	defer stop()

	// first upstream never answers, second serves the query
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer dead.Close()

	r := New(makeTestConfig(dead.LocalAddr().String(), addr))

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	ch := middleware.NewChain([]middleware.Handler{r})
	mw := mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	assert.Equal(t, int64(1), count.Load())
}

func Test_ResolverAllFailed(t *testing.T) {
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer dead.Close()

	r := New(makeTestConfig(dead.LocalAddr().String()))

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	_, rerr := r.Resolve(context.Background(), req)
	assert.ErrorIs(t, rerr, ErrAllUpstreamsFailed)

	// chain path answers SERVFAIL
	ch := middleware.NewChain([]middleware.Handler{r})
	mw := mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeServerFailure, mw.Rcode())
}

func Test_ResolverCoalescing(t *testing.T) {
	var count atomic.Int64
	addr, stop := startTestServer(t, answerHandler(&count, 100*time.Millisecond))
	defer stop()

	r := New(makeTestConfig(addr))

	var wg sync.WaitGroup
	var okCount atomic.Int64

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req := new(dns.Msg)
			req.SetQuestion("coalesce.example.", dns.TypeA)

			resp, err := r.Resolve(context.Background(), req)
			if err == nil && len(resp.Answer) == 1 {
				okCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), okCount.Load())
	assert.Equal(t, int64(1), count.Load())
}

func Test_ResolverClose(t *testing.T) {
	r := New(makeTestConfig("127.0.0.1:53"))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func Test_ResolverBadConfig(t *testing.T) {
	r := New(makeTestConfig("not-an-ip:53"))
	assert.Empty(t, r.servers)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	ch := middleware.NewChain([]middleware.Handler{r})
	mw := mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeServerFailure, mw.Rcode())
}
